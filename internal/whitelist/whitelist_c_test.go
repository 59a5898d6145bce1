package whitelist

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"mcctl/internal/apierr"
	"mcctl/internal/pgsql"
	"mcctl/internal/rcon"
)

type resolverMock struct {
	lookupFn func(ctx context.Context, username string) (string, error)
}

func (m resolverMock) LookupUUID(ctx context.Context, username string) (string, error) {
	return m.lookupFn(ctx, username)
}

type consoleMock struct {
	commands []string
}

func (m *consoleMock) Send(ctx context.Context, host string, port int, password, command string) (rcon.Result, error) {
	m.commands = append(m.commands, command)
	return rcon.Result{Success: true, Response: "Added to the whitelist"}, nil
}

func TestValidateUsername(t *testing.T) {
	for _, name := range []string{"Steve", "abc", "a_b_c_d_e_f_g_h1", "Notch_42"} {
		if err := ValidateUsername(name); err != nil {
			t.Fatalf("%q should be valid: %v", name, err)
		}
	}
	for _, name := range []string{"", "ab", "seventeen_chars_x", "bad-name", "sp ace", "émile"} {
		if err := ValidateUsername(name); !apierr.IsKind(err, apierr.KindValidation) {
			t.Fatalf("%q should be rejected, got %v", name, err)
		}
	}
}

func TestAddRelaysWhenRunning(t *testing.T) {
	ctx := context.Background()
	store := pgsql.NewMemStore()
	store.Seed(pgsql.ServerState{
		State:        "RUNNING",
		VPSIP:        sql.NullString{String: "203.0.113.7", Valid: true},
		RCONPassword: sql.NullString{String: "secret", Valid: true},
	})
	console := &consoleMock{}
	resolver := resolverMock{lookupFn: func(ctx context.Context, username string) (string, error) {
		return "069a79f444e94726a5befca90e38aaf5", nil
	}}
	svc := NewService(store.Repos(), resolver, console, 25575)

	change, err := svc.Add(ctx, "Notch", "admin")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !reflect.DeepEqual(change.Whitelist, []string{"Notch"}) || change.Message != "Added Notch to whitelist" {
		t.Fatalf("change=%+v", change)
	}
	if !reflect.DeepEqual(console.commands, []string{"whitelist add Notch"}) {
		t.Fatalf("commands=%v", console.commands)
	}
	list, _ := svc.List(ctx)
	if len(list) != 1 || list[0].UUID == nil || *list[0].UUID != "069a79f444e94726a5befca90e38aaf5" || *list[0].AddedBy != "admin" {
		t.Fatalf("list=%+v", list)
	}
}

func TestAddLookupFailureIsBestEffort(t *testing.T) {
	store := pgsql.NewMemStore()
	console := &consoleMock{}
	resolver := resolverMock{lookupFn: func(ctx context.Context, username string) (string, error) {
		return "", errors.New("mojang unavailable")
	}}
	svc := NewService(store.Repos(), resolver, console, 25575)
	if _, err := svc.Add(context.Background(), "Steve", ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(console.commands) != 0 {
		t.Fatalf("offline server must not receive commands: %v", console.commands)
	}
	list, _ := svc.List(context.Background())
	if len(list) != 1 || list[0].UUID != nil {
		t.Fatalf("list=%+v", list)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	store := pgsql.NewMemStore()
	svc := NewService(store.Repos(), nil, nil, 25575)
	if _, err := svc.Remove(ctx, "Steve"); !apierr.IsKind(err, apierr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Add(ctx, "Steve", "admin"); err != nil {
		t.Fatal(err)
	}
	change, err := svc.Remove(ctx, "steve")
	if err != nil || len(change.Whitelist) != 0 {
		t.Fatalf("remove: change=%+v err=%v", change, err)
	}
}

func TestMojangConnector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/profiles/Notch":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"069a79f444e94726a5befca90e38aaf5","name":"Notch"}`))
		case "/profiles/Ghost":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	c, err := NewMojangConnector(srv.URL+"/profiles", time.Second)
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	ctx := context.Background()
	if id, err := c.LookupUUID(ctx, "Notch"); err != nil || id != "069a79f444e94726a5befca90e38aaf5" {
		t.Fatalf("lookup: id=%q err=%v", id, err)
	}
	if id, err := c.LookupUUID(ctx, "Ghost"); err != nil || id != "" {
		t.Fatalf("missing profile: id=%q err=%v", id, err)
	}
	if _, err := c.LookupUUID(ctx, "Other"); err == nil {
		t.Fatalf("expected error on 429")
	}
	if _, err := NewMojangConnector("not a url", time.Second); err == nil {
		t.Fatalf("expected invalid url error")
	}
}
