package dns

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestUpdateRecordPatchesARecord(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody recordPatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("unexpected method %s", r.Method)
		}
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"success": true, "errors": [], "result": {"id": "rec"}}`)
	}))
	defer srv.Close()

	c, err := NewCloudflareConnector(Options{BaseURL: srv.URL + "/client/v4", APIToken: "cf", ZoneID: "zone", RecordID: "rec"})
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	if err := c.UpdateRecord(context.Background(), "203.0.113.7"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if gotPath != "/client/v4/zones/zone/dns_records/rec" {
		t.Fatalf("path=%s", gotPath)
	}
	if gotAuth != "Bearer cf" {
		t.Fatalf("auth=%s", gotAuth)
	}
	want := recordPatch{Type: "A", Name: "mc", Content: "203.0.113.7", TTL: 60, Proxied: false}
	if gotBody != want {
		t.Fatalf("body=%+v", gotBody)
	}
}

func TestUpdateRecordSurfacesProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"success": false, "errors": [{"code": 9000, "message": "bad ip"}, {"code": 9001, "message": "zone locked"}]}`)
	}))
	defer srv.Close()

	c, _ := NewCloudflareConnector(Options{BaseURL: srv.URL, APIToken: "cf", ZoneID: "z", RecordID: "r"})
	err := c.UpdateRecord(context.Background(), "1.2.3.4")
	if err == nil || !strings.Contains(err.Error(), "bad ip, zone locked") {
		t.Fatalf("expected joined provider messages, got %v", err)
	}
}

func TestNewConnectorRequiresSettings(t *testing.T) {
	if _, err := NewCloudflareConnector(Options{APIToken: "cf"}); err == nil {
		t.Fatalf("expected error for missing zone/record")
	}
	if _, err := NewCloudflareConnector(Options{BaseURL: "nota url", APIToken: "a", ZoneID: "b", RecordID: "c"}); err == nil {
		t.Fatalf("expected error for invalid base url")
	}
}

func TestNoopNeverFails(t *testing.T) {
	if err := (Noop{}).UpdateRecord(context.Background(), "1.2.3.4"); err != nil {
		t.Fatalf("noop returned %v", err)
	}
}
