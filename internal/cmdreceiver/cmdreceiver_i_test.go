package cmdreceiver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mcctl/internal/apierr"
	"mcctl/internal/metrics"
	"mcctl/internal/pgsql"
	"mcctl/internal/rcon"
	"mcctl/internal/whitelist"
	"mcctl/internal/worker"
)

const (
	adminToken    = "admin-token"
	webhookSecret = "hook-secret"
)

type workerMock struct {
	startFn   func(ctx context.Context, region string) (worker.StartResult, error)
	stopFn    func(ctx context.Context, force bool) (worker.StopResult, error)
	commandFn func(ctx context.Context, command string) (worker.CommandResult, error)
	eventFn   func(ctx context.Context, ev worker.Event) (worker.EventAck, error)
	historyFn func(ctx context.Context, q worker.HistoryQuery) (worker.History, error)
}

func (m *workerMock) Start(ctx context.Context, region string) (worker.StartResult, error) {
	return m.startFn(ctx, region)
}
func (m *workerMock) Stop(ctx context.Context, force bool) (worker.StopResult, error) {
	return m.stopFn(ctx, force)
}
func (m *workerMock) SendCommand(ctx context.Context, command string) (worker.CommandResult, error) {
	return m.commandFn(ctx, command)
}
func (m *workerMock) TriggerBackup(ctx context.Context) (worker.SyncResult, error) {
	return worker.SyncResult{Status: "syncing"}, nil
}
func (m *workerMock) HandleEvent(ctx context.Context, ev worker.Event) (worker.EventAck, error) {
	return m.eventFn(ctx, ev)
}
func (m *workerMock) HandleReady(ctx context.Context, ev worker.ReadyEvent) (worker.EventAck, error) {
	return m.eventFn(ctx, ev)
}
func (m *workerMock) HandleHeartbeat(ctx context.Context, ev worker.HeartbeatEvent) (worker.EventAck, error) {
	return m.eventFn(ctx, ev)
}
func (m *workerMock) HandleStateChange(ctx context.Context, ev worker.StateChangeEvent) (worker.EventAck, error) {
	return m.eventFn(ctx, ev)
}
func (m *workerMock) HandleBackupComplete(ctx context.Context, ev worker.BackupCompleteEvent) (worker.EventAck, error) {
	return m.eventFn(ctx, ev)
}
func (m *workerMock) Status(ctx context.Context) (worker.Status, error) {
	return worker.Status{State: worker.StateOffline}, nil
}
func (m *workerMock) PublicStatus(ctx context.Context) worker.PublicStatus {
	return worker.PublicStatus{State: worker.StateRunning, Players: worker.Players{Online: 2, Max: 20}, Version: "1.21.4"}
}
func (m *workerMock) History(ctx context.Context, q worker.HistoryQuery) (worker.History, error) {
	return m.historyFn(ctx, q)
}

type consoleMock struct{}

func (consoleMock) Send(ctx context.Context, host string, port int, password, command string) (rcon.Result, error) {
	return rcon.Result{Success: true}, nil
}

func newMux(wm *workerMock) *http.ServeMux {
	store := pgsql.NewMemStore()
	wl := whitelist.NewService(store.Repos(), nil, consoleMock{}, 25575)
	h := NewHandlerI(wm, wl, Options{AdminToken: adminToken, WebhookSecret: webhookSecret, Metrics: metrics.New()})
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func do(mux *http.ServeMux, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestPublicRoutes(t *testing.T) {
	mux := newMux(&workerMock{})

	rec := do(mux, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "ok" {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}

	rec = do(mux, http.MethodGet, "/api/mc/status/public", "", "")
	if rec.Code != http.StatusOK || decode(t, rec)["state"] != "RUNNING" {
		t.Fatalf("public status: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(mux, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "mcctl_http_requests_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}

	rec = do(mux, http.MethodGet, "/nope", "", "")
	if rec.Code != http.StatusNotFound || decode(t, rec)["error"] != "not_found" {
		t.Fatalf("unknown route: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdminAuth(t *testing.T) {
	wm := &workerMock{startFn: func(ctx context.Context, region string) (worker.StartResult, error) {
		t.Fatalf("worker must not be reached")
		return worker.StartResult{}, nil
	}}
	mux := newMux(wm)

	for _, token := range []string{"", "wrong", webhookSecret} {
		rec := do(mux, http.MethodPost, "/api/mc/start", token, `{"region":"eu"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token=%q status=%d", token, rec.Code)
		}
		if body := decode(t, rec); body["error"] != "unauthorized" || body["error_description"] == "" {
			t.Fatalf("body=%v", body)
		}
	}
}

func TestWebhookAuthUsesSecret(t *testing.T) {
	called := false
	wm := &workerMock{eventFn: func(ctx context.Context, ev worker.Event) (worker.EventAck, error) {
		called = true
		return worker.EventAck{Success: true}, nil
	}}
	mux := newMux(wm)

	rec := do(mux, http.MethodPost, "/api/mc/webhook/heartbeat", adminToken, `{}`)
	if rec.Code != http.StatusUnauthorized || called {
		t.Fatalf("admin token must not open webhooks: %d", rec.Code)
	}
	rec = do(mux, http.MethodPost, "/api/mc/webhook/heartbeat", webhookSecret, "")
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("heartbeat: %d %s", rec.Code, rec.Body.String())
	}
}

func TestStartRoute(t *testing.T) {
	var gotRegion string
	wm := &workerMock{startFn: func(ctx context.Context, region string) (worker.StartResult, error) {
		gotRegion = region
		if region == "us" {
			return worker.StartResult{}, apierr.ServerNotOffline("RUNNING")
		}
		return worker.StartResult{Status: "provisioning", Region: region, ServerID: "123"}, nil
	}}
	mux := newMux(wm)

	rec := do(mux, http.MethodPost, "/api/mc/start", adminToken, `{"region":"eu"}`)
	if rec.Code != http.StatusOK || gotRegion != "eu" || decode(t, rec)["serverId"] != "123" {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(mux, http.MethodPost, "/api/mc/start", adminToken, `{"region":"us"}`)
	body := decode(t, rec)
	if rec.Code != http.StatusConflict || body["error"] != "server_not_offline" || body["currentState"] != "RUNNING" {
		t.Fatalf("conflict: %d %v", rec.Code, body)
	}

	rec = do(mux, http.MethodPost, "/api/mc/start", adminToken, `{}`)
	body = decode(t, rec)
	if rec.Code != http.StatusBadRequest || body["error"] != "invalid_request" {
		t.Fatalf("missing region: %d %v", rec.Code, body)
	}
	if !strings.Contains(body["error_description"].(string), "region") {
		t.Fatalf("description should name the json field: %v", body)
	}

	rec = do(mux, http.MethodPost, "/api/mc/start", adminToken, `{not json`)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] != "invalid_json" {
		t.Fatalf("bad json: %d", rec.Code)
	}

	rec = do(mux, http.MethodGet, "/api/mc/start", adminToken, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method: %d", rec.Code)
	}
}

func TestStopAcceptsEmptyBody(t *testing.T) {
	var gotForce *bool
	wm := &workerMock{stopFn: func(ctx context.Context, force bool) (worker.StopResult, error) {
		gotForce = &force
		return worker.StopResult{Status: "offline"}, nil
	}}
	mux := newMux(wm)
	rec := do(mux, http.MethodPost, "/api/mc/stop", adminToken, "")
	if rec.Code != http.StatusOK || gotForce == nil || *gotForce {
		t.Fatalf("stop: %d force=%v", rec.Code, gotForce)
	}
	rec = do(mux, http.MethodPost, "/api/mc/stop", adminToken, `{"force":true}`)
	if rec.Code != http.StatusOK || !*gotForce {
		t.Fatalf("force stop: %d", rec.Code)
	}
}

func TestWebhookPayloads(t *testing.T) {
	var events []worker.Event
	wm := &workerMock{eventFn: func(ctx context.Context, ev worker.Event) (worker.EventAck, error) {
		events = append(events, ev)
		return worker.EventAck{Success: true}, nil
	}}
	mux := newMux(wm)

	tests := []struct {
		path string
		body string
		want int
	}{
		{"/api/mc/webhook/ready", `{"serverId":"123","ip":"203.0.113.7","region":"eu"}`, http.StatusOK},
		{"/api/mc/webhook/ready", `{"serverId":"123","ip":"not-an-ip"}`, http.StatusBadRequest},
		{"/api/mc/webhook/ready", `{"ip":"203.0.113.7"}`, http.StatusBadRequest},
		{"/api/mc/webhook/heartbeat", `{"state":"idle","players":0,"idleSeconds":30}`, http.StatusOK},
		{"/api/mc/webhook/heartbeat", `{"players":-1}`, http.StatusBadRequest},
		{"/api/mc/webhook/heartbeat", `{"state":"DANCING"}`, http.StatusBadRequest},
		{"/api/mc/webhook/state-change", `{"state":"SUSPENDED","timestamp":"2026-05-01T12:00:00Z"}`, http.StatusOK},
		{"/api/mc/webhook/state-change", `{}`, http.StatusBadRequest},
		{"/api/mc/webhook/backup-complete", `{"sizeBytes":1048576}`, http.StatusOK},
		{"/api/mc/webhook/heartbeat", `{"worldSizeBytes":-5}`, http.StatusBadRequest},
		{"/api/mc/webhook/ready", `{"serverId":"124","ip":"203.0.113.8","region":"ap-southeast"}`, http.StatusOK},
	}
	for _, tc := range tests {
		rec := do(mux, http.MethodPost, tc.path, webhookSecret, tc.body)
		if rec.Code != tc.want {
			t.Fatalf("%s %s: status=%d want %d body=%s", tc.path, tc.body, rec.Code, tc.want, rec.Body.String())
		}
	}

	if len(events) != 5 {
		t.Fatalf("events=%d", len(events))
	}
	if ready, ok := events[4].(worker.ReadyEvent); !ok || ready.Region != "ap-southeast" {
		t.Fatalf("unknown region must still reach the orchestrator: %+v", events[4])
	}
	hb, ok := events[1].(worker.HeartbeatEvent)
	if !ok || hb.State == nil || *hb.State != worker.StateIdle || *hb.Players != 0 {
		t.Fatalf("heartbeat event=%+v", events[1])
	}
	sc, ok := events[2].(worker.StateChangeEvent)
	if !ok || sc.State != worker.StateSuspended || sc.Timestamp.IsZero() {
		t.Fatalf("state-change event=%+v", events[2])
	}
}

func TestCommandBlockedMapsToForbidden(t *testing.T) {
	wm := &workerMock{commandFn: func(ctx context.Context, command string) (worker.CommandResult, error) {
		return worker.CommandResult{}, apierr.BlockedCommand("stop", "/api/mc/stop")
	}}
	mux := newMux(wm)
	rec := do(mux, http.MethodPost, "/api/mc/command", adminToken, `{"command":"stop"}`)
	body := decode(t, rec)
	if rec.Code != http.StatusForbidden || body["suggestion"] != "/api/mc/stop" {
		t.Fatalf("blocked: %d %v", rec.Code, body)
	}
}

func TestPanicBecomesInternalError(t *testing.T) {
	wm := &workerMock{commandFn: func(ctx context.Context, command string) (worker.CommandResult, error) {
		panic("boom")
	}}
	mux := newMux(wm)
	rec := do(mux, http.MethodPost, "/api/mc/command", adminToken, `{"command":"list"}`)
	body := decode(t, rec)
	if rec.Code != http.StatusInternalServerError || body["error"] != "internal_error" {
		t.Fatalf("panic: %d %v", rec.Code, body)
	}
}

func TestHistoryQuery(t *testing.T) {
	var got worker.HistoryQuery
	wm := &workerMock{historyFn: func(ctx context.Context, q worker.HistoryQuery) (worker.History, error) {
		got = q
		return worker.History{}, nil
	}}
	mux := newMux(wm)
	rec := do(mux, http.MethodGet, "/api/mc/history?limit=10&offset=20&months=abc", adminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d", rec.Code)
	}
	if got.Limit != 10 || got.Offset != 20 || got.Months != worker.DefaultHistoryMonths {
		t.Fatalf("query=%+v", got)
	}
}

func TestWhitelistRoutes(t *testing.T) {
	mux := newMux(&workerMock{})

	rec := do(mux, http.MethodPost, "/api/mc/whitelist", adminToken, `{"action":"add","username":"Steve"}`)
	if rec.Code != http.StatusOK || decode(t, rec)["message"] != "Added Steve to whitelist" {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(mux, http.MethodPost, "/api/mc/whitelist", adminToken, `{"action":"add","username":"no"}`)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] != "invalid_username" {
		t.Fatalf("bad name: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(mux, http.MethodPost, "/api/mc/whitelist", adminToken, `{"action":"ban","username":"Steve"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad action: %d", rec.Code)
	}
	rec = do(mux, http.MethodGet, "/api/mc/whitelist", adminToken, "")
	list, _ := decode(t, rec)["whitelist"].([]any)
	if rec.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(mux, http.MethodPost, "/api/mc/whitelist", adminToken, `{"action":"remove","username":"Alex"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("remove missing: %d", rec.Code)
	}
}
