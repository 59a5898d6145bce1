package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFromWrapsUnknown(t *testing.T) {
	e := From(errors.New("boom"))
	if e.Kind != KindInternal || e.Status != http.StatusInternalServerError {
		t.Fatalf("unexpected mapping: %+v", e)
	}
	if e.Body()["error_description"] != "boom" {
		t.Fatalf("message not attached: %+v", e.Body())
	}
}

func TestFromKeepsTyped(t *testing.T) {
	wrapped := fmt.Errorf("stop: %w", AlreadyStopping())
	e := From(wrapped)
	if e.Code != "already_stopping" || e.Status != http.StatusConflict {
		t.Fatalf("typed error lost: %+v", e)
	}
	if !IsKind(wrapped, KindConflict) || !HasCode(wrapped, "already_stopping") {
		t.Fatalf("IsKind/HasCode mismatch")
	}
}

func TestUpstreamUnwrap(t *testing.T) {
	cause := errors.New("hcloud: 503")
	e := Upstream("provisioning_failed", cause)
	if !errors.Is(e, cause) {
		t.Fatalf("upstream should unwrap to cause")
	}
	if e.Description != "hcloud: 503" {
		t.Fatalf("description: %q", e.Description)
	}
}

func TestBlockedCommandSuggestion(t *testing.T) {
	body := BlockedCommand("stop", "/api/mc/stop").Body()
	if body["suggestion"] != "/api/mc/stop" || body["error"] != "blocked_command" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if _, ok := BlockedCommand("op", "").Body()["suggestion"]; ok {
		t.Fatalf("empty suggestion should be omitted")
	}
}

func TestSpecialCommand(t *testing.T) {
	e := SpecialCommand("save-all", "/api/mc/sync")
	if e.Status != 400 || e.Kind != KindValidation {
		t.Fatalf("status=%d kind=%v", e.Status, e.Kind)
	}
	body := e.Body()
	if body["error"] != "special_command" || body["suggestion"] != "/api/mc/sync" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestServerNotOfflineDetails(t *testing.T) {
	body := ServerNotOffline("RUNNING").Body()
	if body["currentState"] != "RUNNING" {
		t.Fatalf("current state missing: %+v", body)
	}
}
