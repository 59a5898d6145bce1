package cronjob

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"mcctl/internal/hetzner"
	"mcctl/internal/pgsql"
)

type providerMock struct {
	getFn    func(ctx context.Context, id string) (*hetzner.VM, error)
	deleteFn func(ctx context.Context, id string) error
	listFn   func(ctx context.Context) ([]hetzner.VM, error)
	deleted  []string
}

func (m *providerMock) CreateVM(ctx context.Context, req hetzner.CreateRequest) (hetzner.CreatedVM, error) {
	return hetzner.CreatedVM{}, errors.New("not used")
}
func (m *providerMock) DeleteVM(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}
func (m *providerMock) GetVM(ctx context.Context, id string) (*hetzner.VM, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, nil
}
func (m *providerMock) ShutdownVM(ctx context.Context, id string) error { return nil }
func (m *providerMock) ListVMs(ctx context.Context) ([]hetzner.VM, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}
func (m *providerMock) GetMetrics(ctx context.Context, id string) (*hetzner.Metrics, error) {
	return nil, nil
}

func runningState(vpsID string) pgsql.ServerState {
	st := pgsql.ServerState{
		State:       "RUNNING",
		Region:      sql.NullString{String: "eu", Valid: true},
		ServerType:  sql.NullString{String: "cx33", Valid: true},
		StartedAt:   sql.NullTime{Time: time.Now().Add(-time.Hour), Valid: true},
		IdleSince:   sql.NullTime{Time: time.Now(), Valid: true},
		PlayerCount: 2,
	}
	if vpsID != "" {
		st.VPSID = sql.NullString{String: vpsID, Valid: true}
		st.VPSIP = sql.NullString{String: "203.0.113.7", Valid: true}
	}
	return st
}

func assertCleared(t *testing.T, st pgsql.ServerState) {
	t.Helper()
	if st.State != "OFFLINE" || st.VPSID.Valid || st.VPSIP.Valid || st.Region.Valid || st.ServerType.Valid ||
		st.StartedAt.Valid || st.IdleSince.Valid || st.PlayerCount != 0 {
		t.Fatalf("state not fully cleared: %+v", st)
	}
}

func TestRunOnce(t *testing.T) {
	tests := []struct {
		name       string
		seed       pgsql.ServerState
		getFn      func(ctx context.Context, id string) (*hetzner.VM, error)
		deleteFn   func(ctx context.Context, id string) error
		wantStatus string
		wantDelete bool
		wantReset  bool
	}{
		{
			name:       "offline is a no-op",
			seed:       pgsql.ServerState{State: "OFFLINE"},
			wantStatus: StatusOK,
		},
		{
			name:       "active without vm is reset",
			seed:       runningState(""),
			wantStatus: StatusFixed,
			wantReset:  true,
		},
		{
			name:       "vm deleted out of band",
			seed:       runningState("123"),
			wantStatus: StatusFixed,
			wantReset:  true,
		},
		{
			name: "powered off vm is deleted",
			seed: runningState("123"),
			getFn: func(ctx context.Context, id string) (*hetzner.VM, error) {
				return &hetzner.VM{ID: id, Status: hetzner.StatusOff}, nil
			},
			wantStatus: StatusFixed,
			wantDelete: true,
			wantReset:  true,
		},
		{
			name: "delete failure is not fatal",
			seed: runningState("123"),
			getFn: func(ctx context.Context, id string) (*hetzner.VM, error) {
				return &hetzner.VM{ID: id, Status: hetzner.StatusOff}, nil
			},
			deleteFn:   func(ctx context.Context, id string) error { return errors.New("locked") },
			wantStatus: StatusFixed,
			wantDelete: true,
			wantReset:  true,
		},
		{
			name: "deleting vm is not deleted again",
			seed: runningState("123"),
			getFn: func(ctx context.Context, id string) (*hetzner.VM, error) {
				return &hetzner.VM{ID: id, Status: hetzner.StatusDeleting}, nil
			},
			wantStatus: StatusFixed,
			wantReset:  true,
		},
		{
			name: "healthy vm",
			seed: runningState("123"),
			getFn: func(ctx context.Context, id string) (*hetzner.VM, error) {
				return &hetzner.VM{ID: id, Status: hetzner.StatusRunning}, nil
			},
			wantStatus: StatusOK,
		},
		{
			name: "provider error is reported",
			seed: runningState("123"),
			getFn: func(ctx context.Context, id string) (*hetzner.VM, error) {
				return nil, errors.New("rate limited")
			},
			wantStatus: StatusError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := pgsql.NewMemStore()
			store.Seed(tc.seed)
			provider := &providerMock{getFn: tc.getFn, deleteFn: tc.deleteFn}
			s := NewScheduler(store.Repos(), provider, Options{})

			rep := s.RunOnce(context.Background())
			if rep.Status != tc.wantStatus {
				t.Fatalf("status=%s want %s (%s)", rep.Status, tc.wantStatus, rep.Message)
			}
			if got := len(provider.deleted) > 0; got != tc.wantDelete {
				t.Fatalf("deleted=%v want %v", provider.deleted, tc.wantDelete)
			}
			if tc.wantReset {
				assertCleared(t, store.State())
			} else if store.State().State != tc.seed.State {
				t.Fatalf("state changed to %s", store.State().State)
			}
		})
	}
}

func TestRunOnceLeavesOrphanSessionOpen(t *testing.T) {
	ctx := context.Background()
	store := pgsql.NewMemStore()
	store.Seed(runningState("123"))
	if _, err := store.Repos().Session.Create(ctx, pgsql.Session{StartedAt: time.Now(), Region: "eu", VPSID: "123"}); err != nil {
		t.Fatal(err)
	}
	rep := NewScheduler(store.Repos(), &providerMock{}, Options{}).RunOnce(ctx)
	if rep.Status != StatusFixed {
		t.Fatalf("status=%s", rep.Status)
	}
	if cur, _ := store.Repos().Session.Current(ctx); cur == nil {
		t.Fatalf("orphaned session must stay open")
	}
}

func TestRunOnceStoreFailure(t *testing.T) {
	store := pgsql.NewMemStore()
	store.Seed(runningState(""))
	store.Fail["state.apply"] = errors.New("connection reset")
	rep := NewScheduler(store.Repos(), &providerMock{}, Options{}).RunOnce(context.Background())
	if rep.Status != StatusError {
		t.Fatalf("status=%s", rep.Status)
	}
}

func TestStartStopsWithContext(t *testing.T) {
	store := pgsql.NewMemStore()
	s := NewScheduler(store.Repos(), &providerMock{}, Options{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(5 * time.Millisecond)
	cancel()
}

func TestRunOnceSweepsOrphanedVMs(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := pgsql.NewMemStore()
	store.Seed(runningState("123"))
	provider := &providerMock{
		getFn: func(ctx context.Context, id string) (*hetzner.VM, error) {
			return &hetzner.VM{ID: id, Status: hetzner.StatusRunning}, nil
		},
		listFn: func(ctx context.Context) ([]hetzner.VM, error) {
			return []hetzner.VM{
				{ID: "123", Name: "mcctl-eu-live", Created: now.Add(-time.Hour)},
				{ID: "77", Name: "mcctl-eu-lost", Created: now.Add(-time.Hour)},
				{ID: "78", Name: "mcctl-us-new", Created: now.Add(-time.Minute)},
			}, nil
		},
	}
	s := NewScheduler(store.Repos(), provider, Options{Now: func() time.Time { return now }})

	rep := s.RunOnce(context.Background())
	if rep.Status != StatusFixed {
		t.Fatalf("status=%s (%s)", rep.Status, rep.Message)
	}
	if len(provider.deleted) != 1 || provider.deleted[0] != "77" {
		t.Fatalf("deleted=%v", provider.deleted)
	}
	if got, _ := rep.Details["orphansDeleted"].([]string); len(got) != 1 || got[0] != "77" {
		t.Fatalf("details=%v", rep.Details)
	}
	if store.State().State != "RUNNING" {
		t.Fatalf("recorded vm must be left alone, state=%s", store.State().State)
	}
}

func TestRunOnceSweepsWhenOffline(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := pgsql.NewMemStore()
	provider := &providerMock{
		listFn: func(ctx context.Context) ([]hetzner.VM, error) {
			return []hetzner.VM{{ID: "55", Created: now.Add(-2 * time.Hour)}}, nil
		},
	}
	rep := NewScheduler(store.Repos(), provider, Options{Now: func() time.Time { return now }}).RunOnce(context.Background())
	if rep.Status != StatusFixed || len(provider.deleted) != 1 {
		t.Fatalf("status=%s deleted=%v", rep.Status, provider.deleted)
	}
}

func TestRunOnceSweepListFailureKeepsReport(t *testing.T) {
	store := pgsql.NewMemStore()
	provider := &providerMock{
		listFn: func(ctx context.Context) ([]hetzner.VM, error) { return nil, errors.New("unauthorized") },
	}
	rep := NewScheduler(store.Repos(), provider, Options{}).RunOnce(context.Background())
	if rep.Status != StatusOK || len(provider.deleted) != 0 {
		t.Fatalf("status=%s deleted=%v", rep.Status, provider.deleted)
	}
}
