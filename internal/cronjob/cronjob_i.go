package cronjob

import (
	"context"
	"fmt"
	"time"

	"mcctl/internal/hetzner"
	"mcctl/internal/log"
	"mcctl/internal/metrics"
	"mcctl/internal/pgsql"
	"mcctl/internal/worker"
)

const (
	StatusOK    = "ok"
	StatusFixed = "fixed"
	StatusError = "error"

	DefaultInterval    = 5 * time.Minute
	DefaultOrphanGrace = 10 * time.Minute
)

// Report is the outcome of one reconciliation pass.
type Report struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type Scheduler struct {
	repos    pgsql.Repos
	provider hetzner.Gateway
	metrics  *metrics.Recorder
	opts     Options
	log      interface {
		Infof(string, ...any)
		Warnf(string, ...any)
		Errorf(string, ...any)
	}
}

type Options struct {
	Interval time.Duration
	// OrphanGrace is how old an unrecorded managed VM must be before the
	// sweep deletes it. Younger VMs may still belong to a Start in flight.
	OrphanGrace time.Duration
	Metrics     *metrics.Recorder
	Now         func() time.Time
}

func NewScheduler(repos pgsql.Repos, provider hetzner.Gateway, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.OrphanGrace <= 0 {
		opts.OrphanGrace = DefaultOrphanGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		repos:    repos,
		provider: provider,
		metrics:  opts.Metrics,
		opts:     opts,
		log:      log.Component("cronjob"),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	go s.runLoop(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context) {
	tk := time.NewTicker(s.opts.Interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			rep := s.RunOnce(ctx)
			switch rep.Status {
			case StatusFixed:
				s.log.Warnf("health check fixed state: %s", rep.Message)
			case StatusError:
				s.log.Errorf("health check failed: %s", rep.Message)
			}
		}
	}
}

// RunOnce performs one reconciliation pass. Failures are reported, never
// returned.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	rep := s.reconcile(ctx)
	if rep.Status != StatusError {
		rep = s.sweepOrphans(ctx, rep)
	}
	s.metrics.Reconciled(rep.Status)
	return rep
}

// sweepOrphans deletes managed VMs that the state row does not point at.
// A listing failure is logged and leaves the report untouched.
func (s *Scheduler) sweepOrphans(ctx context.Context, rep Report) Report {
	st, err := s.repos.ServerState.Get(ctx)
	if err != nil {
		s.log.Warnf("orphan sweep skipped: read server state: %v", err)
		return rep
	}
	vms, err := s.provider.ListVMs(ctx)
	if err != nil {
		s.log.Warnf("orphan sweep skipped: list vms: %v", err)
		return rep
	}
	cutoff := s.opts.Now().Add(-s.opts.OrphanGrace)
	var deleted []string
	for _, vm := range vms {
		if st.VPSID.Valid && vm.ID == st.VPSID.String {
			continue
		}
		if vm.Created.After(cutoff) {
			continue
		}
		if err := s.provider.DeleteVM(ctx, vm.ID); err != nil {
			s.log.Warnf("delete orphaned vm=%s (%s) failed: %v", vm.ID, vm.Name, err)
			continue
		}
		s.log.Warnf("deleted orphaned vm=%s (%s) created=%s", vm.ID, vm.Name, vm.Created.Format(time.RFC3339))
		deleted = append(deleted, vm.ID)
	}
	if len(deleted) == 0 {
		return rep
	}
	if rep.Details == nil {
		rep.Details = map[string]any{}
	}
	rep.Details["orphansDeleted"] = deleted
	if rep.Status == StatusOK {
		rep.Status = StatusFixed
		rep.Message = fmt.Sprintf("%s; deleted %d orphaned VM(s)", rep.Message, len(deleted))
	}
	return rep
}

func (s *Scheduler) reconcile(ctx context.Context) Report {
	st, err := s.repos.ServerState.Get(ctx)
	if err != nil {
		return errorReport(fmt.Errorf("read server state: %w", err))
	}
	state := worker.State(st.State)
	if state == worker.StateOffline {
		return Report{Status: StatusOK, Message: "Server is offline"}
	}

	if !st.VPSID.Valid || st.VPSID.String == "" {
		if err := s.reset(ctx); err != nil {
			return errorReport(err)
		}
		return Report{
			Status:  StatusFixed,
			Message: fmt.Sprintf("State was %s with no VM recorded, reset to OFFLINE", state),
			Details: map[string]any{"previousState": string(state)},
		}
	}

	vpsID := st.VPSID.String
	vm, err := s.provider.GetVM(ctx, vpsID)
	if err != nil {
		return errorReport(fmt.Errorf("query vm %s: %w", vpsID, err))
	}
	if vm == nil {
		if err := s.reset(ctx); err != nil {
			return errorReport(err)
		}
		return Report{
			Status:  StatusFixed,
			Message: fmt.Sprintf("VM %s no longer exists, reset to OFFLINE", vpsID),
			Details: map[string]any{"previousState": string(state), "vpsId": vpsID},
		}
	}

	if vm.Gone() {
		if vm.Status == hetzner.StatusOff {
			if err := s.provider.DeleteVM(ctx, vpsID); err != nil {
				s.log.Warnf("delete powered-off vm=%s failed: %v", vpsID, err)
			}
		}
		if err := s.reset(ctx); err != nil {
			return errorReport(err)
		}
		return Report{
			Status:  StatusFixed,
			Message: fmt.Sprintf("VM %s was %s, reset to OFFLINE", vpsID, vm.Status),
			Details: map[string]any{"previousState": string(state), "vpsId": vpsID, "vmStatus": vm.Status},
		}
	}

	return Report{
		Status:  StatusOK,
		Message: fmt.Sprintf("VM %s is %s", vpsID, vm.Status),
		Details: map[string]any{"state": string(state), "vmStatus": vm.Status},
	}
}

// reset clears the same columns as a completed stop. Session accounting is
// left alone: an open session is reported and stays open.
func (s *Scheduler) reset(ctx context.Context) error {
	sess, err := s.repos.Session.Current(ctx)
	if err != nil {
		s.log.Warnf("read current session before reset: %v", err)
	} else if sess != nil {
		s.log.Warnf("session=%d (vm=%s) left open without cost settlement", sess.ID, sess.VPSID)
	}
	patch := pgsql.NewStatePatch().SetState(string(worker.StateOffline)).ClearTransient()
	if err := s.repos.ServerState.Apply(ctx, patch); err != nil {
		return fmt.Errorf("reset to OFFLINE: %w", err)
	}
	s.metrics.SetState(string(worker.StateOffline), stateNames())
	return nil
}

func errorReport(err error) Report {
	return Report{Status: StatusError, Message: err.Error()}
}

func stateNames() []string {
	states := worker.AllStates()
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}
