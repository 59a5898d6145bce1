package worker

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"mcctl/internal/apierr"
	"mcctl/internal/cloudinit"
	"mcctl/internal/cost"
	"mcctl/internal/dns"
	"mcctl/internal/hetzner"
	"mcctl/internal/log"
	"mcctl/internal/pgsql"
	"mcctl/internal/rcon"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultShutdownGrace = 30 * time.Second
	DefaultReadyEstimate = 3 * time.Minute
	DefaultRCONPort      = 25575

	historyBackups = 20
)

// blockedVerbs are refused outright. A non-empty value names the endpoint
// that replaces the verb.
var blockedVerbs = map[string]string{
	"stop":      "/api/mc/stop",
	"restart":   "/api/mc/stop",
	"shutdown":  "/api/mc/stop",
	"op":        "",
	"deop":      "",
	"ban":       "",
	"ban-ip":    "",
	"pardon":    "",
	"pardon-ip": "",
}

// specialVerbs have a dedicated endpoint that keeps the cache and backup
// ledger in step with the server.
var specialVerbs = map[string]string{
	"whitelist": "/api/mc/whitelist",
	"save-all":  "/api/mc/sync",
	"save-off":  "/api/mc/sync",
	"save-on":   "/api/mc/sync",
}

type WorkerI struct {
	repos  pgsql.Repos
	gw     Gateways
	opts   Options
	logger interface {
		Infof(string, ...any)
		Warnf(string, ...any)
		Errorf(string, ...any)
	}
}

func NewWorkerI(repos pgsql.Repos, gw Gateways, opts Options) (*WorkerI, error) {
	if repos.ServerState == nil || repos.Session == nil || repos.MonthlySummary == nil || repos.Backup == nil {
		return nil, errors.New("worker: repositories must be set")
	}
	if gw.Provider == nil || gw.RCON == nil {
		return nil, errors.New("worker: provider and rcon gateways must be set")
	}
	if gw.DNS == nil {
		gw.DNS = dns.Noop{}
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.ReadyEstimate == 0 {
		opts.ReadyEstimate = DefaultReadyEstimate
	}
	if opts.RCONPort == 0 {
		opts.RCONPort = DefaultRCONPort
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &WorkerI{
		repos:  repos,
		gw:     gw,
		opts:   opts,
		logger: log.Component("worker"),
	}, nil
}

func (w *WorkerI) Start(ctx context.Context, region string) (StartResult, error) {
	// Provisioning must run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	r, err := cost.ParseRegion(region)
	if err != nil {
		return StartResult{}, err
	}
	st, err := w.repos.ServerState.Get(ctx)
	if err != nil {
		return StartResult{}, apierr.Internal(fmt.Errorf("read server state: %w", err))
	}
	if State(st.State) != StateOffline {
		return StartResult{}, apierr.ServerNotOffline(st.State)
	}

	password := w.opts.RCONPassword
	if password == "" {
		if password, err = newRCONPassword(); err != nil {
			return StartResult{}, apierr.Internal(err)
		}
	}
	now := w.opts.Now()
	serverType := cost.ServerType(r)
	patch := pgsql.NewStatePatch().
		SetState(string(StateProvisioning)).
		SetRegion(string(r), serverType).
		SetStartedAt(now).
		SetVPS("", "").
		SetPlayerCount(0).
		SetIdleSince(time.Time{}).
		SetRCONPassword(password)
	if err := w.setState(ctx, StateOffline, StateProvisioning, patch); err != nil {
		return StartResult{}, err
	}

	userData, err := cloudinit.Generate(cloudinit.Params{
		Region:        r,
		WebhookURL:    w.opts.WebhookURL,
		WebhookSecret: w.opts.WebhookSecret,
		RCONPassword:  password,
		RCONPort:      w.opts.RCONPort,
		GameVersion:   w.opts.GameVersion,
		MaxPlayers:    w.opts.MaxPlayers,
	})
	if err != nil {
		w.rollbackStart(ctx, fmt.Sprintf("render bootstrap: %v", err))
		return StartResult{}, apierr.Internal(fmt.Errorf("render bootstrap: %w", err))
	}

	vm, err := w.gw.Provider.CreateVM(ctx, hetznerRequest(r, userData))
	if err != nil {
		w.rollbackStart(ctx, fmt.Sprintf("create vm: %v", err))
		return StartResult{}, apierr.Upstream("provisioning_failed", err)
	}
	if vm.ServerType != "" {
		serverType = vm.ServerType
	}

	if err := w.repos.ServerState.Apply(ctx, pgsql.NewStatePatch().SetVPS(vm.ID, vm.IP)); err != nil {
		w.abandonVM(ctx, vm.ID, fmt.Sprintf("record vm %s: %v", vm.ID, err))
		return StartResult{}, apierr.Internal(fmt.Errorf("record vm %s: %w", vm.ID, err))
	}
	sessionID, err := w.repos.Session.Create(ctx, pgsql.Session{
		StartedAt:  now,
		Region:     string(r),
		ServerType: serverType,
		VPSID:      vm.ID,
	})
	if err != nil {
		w.abandonVM(ctx, vm.ID, fmt.Sprintf("create session: %v", err))
		return StartResult{}, apierr.Internal(fmt.Errorf("create session: %w", err))
	}
	w.logger.Infof("provisioning vm=%s ip=%s region=%s session=%d", vm.ID, vm.IP, r, sessionID)

	return StartResult{
		Status:             "provisioning",
		Region:             string(r),
		ServerType:         serverType,
		EstimatedReadyTime: now.Add(w.opts.ReadyEstimate),
		ServerID:           vm.ID,
		HourlyRate:         cost.HourlyRate(r),
	}, nil
}

// abandonVM tears down a VM that could not be recorded, so nothing is left
// running unbilled. A failed delete is left to the reconciler sweep.
func (w *WorkerI) abandonVM(ctx context.Context, vmID, reason string) {
	if err := w.gw.Provider.DeleteVM(ctx, vmID); err != nil {
		w.logger.Errorf("delete unrecorded vm=%s failed: %v", vmID, err)
	}
	w.rollbackStart(ctx, reason)
}

func (w *WorkerI) rollbackStart(ctx context.Context, reason string) {
	w.logger.Errorf("start failed, rolling back to OFFLINE: %s", reason)
	patch := pgsql.NewStatePatch().SetState(string(StateOffline)).ClearTransient()
	if err := w.repos.ServerState.Apply(ctx, patch); err != nil {
		w.logger.Errorf("rollback to OFFLINE failed: %v", err)
		return
	}
	w.gw.Metrics.SetState(string(StateOffline), stateNames())
}

func (w *WorkerI) Stop(ctx context.Context, force bool) (StopResult, error) {
	ctx = context.WithoutCancel(ctx)

	st, err := w.repos.ServerState.Get(ctx)
	if err != nil {
		return StopResult{}, apierr.Internal(fmt.Errorf("read server state: %w", err))
	}
	prev := State(st.State)
	switch prev {
	case StateOffline:
		return StopResult{}, apierr.AlreadyOffline()
	case StateTerminating:
		return StopResult{}, apierr.AlreadyStopping()
	}

	if !st.VPSID.Valid {
		w.logger.Warnf("stop with state=%s but no vm recorded, resetting", prev)
		if err := w.reset(ctx, prev); err != nil {
			return StopResult{}, err
		}
		return StopResult{Status: "offline", Message: "Server state reset (no VPS was running)"}, nil
	}
	vpsID := st.VPSID.String

	if err := w.setState(ctx, prev, StateTerminating, pgsql.NewStatePatch().SetState(string(StateTerminating))); err != nil {
		return StopResult{}, err
	}

	res := StopResult{Status: "offline"}
	if err := w.settleSession(ctx, st, &res); err != nil {
		w.revert(ctx, prev, fmt.Sprintf("settle session: %v", err))
		return StopResult{}, apierr.Internal(err)
	}

	if !force {
		if err := w.gw.Provider.ShutdownVM(ctx, vpsID); err != nil {
			w.logger.Warnf("graceful shutdown of vm=%s failed, deleting anyway: %v", vpsID, err)
		} else {
			w.opts.Sleep(w.opts.ShutdownGrace)
		}
	}

	if err := w.gw.Provider.DeleteVM(ctx, vpsID); err != nil {
		vm, getErr := w.gw.Provider.GetVM(ctx, vpsID)
		if getErr != nil || vm != nil {
			w.revert(ctx, prev, fmt.Sprintf("delete vm=%s: %v", vpsID, err))
			return StopResult{}, apierr.Upstream("delete_failed", err)
		}
		w.logger.Warnf("delete vm=%s failed but vm no longer exists: %v", vpsID, err)
	}

	if err := w.reset(ctx, StateTerminating); err != nil {
		return StopResult{}, err
	}
	if force {
		res.Message = "Server force stopped"
	} else {
		res.Message = "Server stopped gracefully"
	}
	return res, nil
}

// settleSession closes the open session and books its cost. It runs before
// the provider delete so accounting survives a failed teardown.
func (w *WorkerI) settleSession(ctx context.Context, st pgsql.ServerState, res *StopResult) error {
	sess, err := w.repos.Session.Current(ctx)
	if err != nil {
		return fmt.Errorf("read current session: %w", err)
	}
	if sess == nil {
		w.logger.Warnf("no open session for vm=%s, skipping cost accounting", st.VPSID.String)
		return nil
	}

	started := sess.StartedAt
	if st.StartedAt.Valid {
		started = st.StartedAt.Time
	}
	region := cost.Region(sess.Region)
	if st.Region.Valid {
		region = cost.Region(st.Region.String)
	}
	now := w.opts.Now()
	duration := int64(now.Sub(started) / time.Second)
	if duration < 0 {
		duration = 0
	}
	usd := cost.Calculate(duration, region)

	if err := w.repos.Session.Close(ctx, sess.ID, now, duration, usd, sess.WorldSizeBytes); err != nil {
		return fmt.Errorf("close session %d: %w", sess.ID, err)
	}
	if err := w.repos.MonthlySummary.AddUsage(ctx, cost.MonthKey(now), string(region), cost.Hours(duration), usd); err != nil {
		return fmt.Errorf("update monthly summary: %w", err)
	}
	sid := sql.NullInt64{Int64: sess.ID, Valid: true}
	if _, err := w.repos.Backup.Record(ctx, sess.WorldSizeBytes, sid, pgsql.BackupShutdown); err != nil {
		w.logger.Warnf("record shutdown backup for session=%d: %v", sess.ID, err)
	}
	w.gw.Metrics.SessionClosed(string(region), usd)
	w.logger.Infof("session=%d closed duration=%ds cost=$%.4f region=%s", sess.ID, duration, usd, region)

	res.SessionEnded = &sess.ID
	res.DurationSeconds = &duration
	res.CostUSD = &usd
	return nil
}

func (w *WorkerI) SendCommand(ctx context.Context, command string) (CommandResult, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return CommandResult{}, apierr.Validation("invalid_command", "Command must not be empty")
	}
	verb := rcon.Verb(command)
	if suggestion, blocked := blockedVerbs[verb]; blocked {
		return CommandResult{}, apierr.BlockedCommand(verb, suggestion)
	}
	if suggestion, special := specialVerbs[verb]; special {
		return CommandResult{}, apierr.SpecialCommand(verb, suggestion)
	}

	st, err := w.repos.ServerState.Get(ctx)
	if err != nil {
		return CommandResult{}, apierr.Internal(fmt.Errorf("read server state: %w", err))
	}
	if !State(st.State).Active() {
		return CommandResult{}, apierr.ServerNotRunning(st.State)
	}
	host, password, err := consoleTarget(st)
	if err != nil {
		return CommandResult{}, err
	}

	res, err := w.gw.RCON.Send(ctx, host, w.opts.RCONPort, password, command)
	w.gw.Metrics.CommandSent(err == nil && res.Success)
	if err != nil {
		return CommandResult{}, rconError(err)
	}
	w.logger.Infof("rcon command sent: %s", verb)
	return CommandResult{Success: res.Success, Command: command, Response: res.Response}, nil
}

// TriggerBackup flushes the world to disk and records a manual backup.
func (w *WorkerI) TriggerBackup(ctx context.Context) (SyncResult, error) {
	st, err := w.repos.ServerState.Get(ctx)
	if err != nil {
		return SyncResult{}, apierr.Internal(fmt.Errorf("read server state: %w", err))
	}
	if !State(st.State).Active() {
		return SyncResult{}, apierr.ServerNotRunning(st.State)
	}
	host, password, err := consoleTarget(st)
	if err != nil {
		return SyncResult{}, err
	}

	res, err := w.gw.RCON.Send(ctx, host, w.opts.RCONPort, password, "save-all flush")
	w.gw.Metrics.CommandSent(err == nil && res.Success)
	if err != nil {
		return SyncResult{}, rconError(err)
	}

	sess, err := w.repos.Session.Current(ctx)
	if err != nil {
		return SyncResult{}, apierr.Internal(fmt.Errorf("read current session: %w", err))
	}
	var sid sql.NullInt64
	out := SyncResult{Status: "syncing", Message: "World save triggered", Response: res.Response}
	if sess != nil {
		sid = sql.NullInt64{Int64: sess.ID, Valid: true}
		out.SessionID = &sess.ID
	}
	id, err := w.repos.Backup.Record(ctx, sql.NullInt64{}, sid, pgsql.BackupManual)
	if err != nil {
		return SyncResult{}, apierr.Internal(fmt.Errorf("record backup: %w", err))
	}
	out.BackupID = id
	return out, nil
}

func (w *WorkerI) HandleEvent(ctx context.Context, ev Event) (EventAck, error) {
	w.gw.Metrics.Webhook(EventKind(ev))
	switch e := ev.(type) {
	case ReadyEvent:
		return w.HandleReady(ctx, e)
	case HeartbeatEvent:
		return w.HandleHeartbeat(ctx, e)
	case StateChangeEvent:
		return w.HandleStateChange(ctx, e)
	case BackupCompleteEvent:
		return w.HandleBackupComplete(ctx, e)
	}
	return EventAck{}, apierr.Validation("invalid_event", fmt.Sprintf("unsupported event %T", ev))
}

func (w *WorkerI) HandleReady(ctx context.Context, ev ReadyEvent) (EventAck, error) {
	if strings.TrimSpace(ev.ServerID) == "" || strings.TrimSpace(ev.IP) == "" {
		return EventAck{}, apierr.Validation("missing_fields", "serverId and ip are required")
	}
	st, err := w.repos.ServerState.Get(ctx)
	if err != nil {
		return EventAck{}, apierr.Internal(fmt.Errorf("read server state: %w", err))
	}
	from := State(st.State)
	if !w.acceptReported(from, StateRunning) {
		return EventAck{}, apierr.Conflict("illegal_transition",
			fmt.Sprintf("Ready is not accepted in state %s", from)).With("currentState", st.State)
	}

	if err := w.gw.DNS.UpdateRecord(ctx, ev.IP); err != nil {
		return EventAck{}, apierr.Upstream("dns_update_failed", err)
	}

	now := w.opts.Now()
	patch := pgsql.NewStatePatch().
		SetState(string(StateRunning)).
		SetVPS(ev.ServerID, ev.IP).
		SetDNSUpdatedAt(now).
		SetLastHeartbeat(now)
	if err := w.applyState(ctx, from, StateRunning, patch); err != nil {
		return EventAck{}, err
	}
	w.logger.Infof("server ready vm=%s ip=%s region=%s", ev.ServerID, ev.IP, ev.Region)
	return EventAck{Success: true, Message: "Server marked as running", CurrentState: StateRunning}, nil
}

func (w *WorkerI) HandleHeartbeat(ctx context.Context, ev HeartbeatEvent) (EventAck, error) {
	st, err := w.repos.ServerState.Get(ctx)
	if err != nil {
		return EventAck{}, apierr.Internal(fmt.Errorf("read server state: %w", err))
	}
	now := w.opts.Now()
	current := State(st.State)
	patch := pgsql.NewStatePatch().SetLastHeartbeat(now)

	if ev.Players != nil && *ev.Players < 0 {
		return EventAck{}, apierr.Validation("invalid_players", "players must not be negative")
	}
	if ev.WorldSizeBytes != nil && *ev.WorldSizeBytes < 0 {
		return EventAck{}, apierr.Validation("invalid_world_size", "worldSizeBytes must not be negative")
	}
	if ev.Players != nil {
		patch.SetPlayerCount(*ev.Players)
	}
	if ev.Players != nil || ev.WorldSizeBytes != nil {
		sess, err := w.repos.Session.Current(ctx)
		if err != nil {
			return EventAck{}, apierr.Internal(fmt.Errorf("read current session: %w", err))
		}
		if sess != nil && ev.Players != nil {
			if err := w.repos.Session.RaiseMaxPlayers(ctx, sess.ID, *ev.Players); err != nil {
				return EventAck{}, apierr.Internal(fmt.Errorf("raise max players: %w", err))
			}
		}
		if sess != nil && ev.WorldSizeBytes != nil {
			if err := w.repos.Session.SetWorldSize(ctx, sess.ID, *ev.WorldSizeBytes); err != nil {
				return EventAck{}, apierr.Internal(fmt.Errorf("record world size: %w", err))
			}
		}
	}

	next := current
	if ev.State != nil && *ev.State != current && w.acceptReported(current, *ev.State) {
		next = *ev.State
		patch.SetState(string(next))
		stampIdle(patch, next, now)
	}
	if err := w.repos.ServerState.Apply(ctx, patch); err != nil {
		return EventAck{}, apierr.Internal(fmt.Errorf("apply heartbeat: %w", err))
	}
	if next != current {
		w.logger.Infof("state: %s -> %s (heartbeat)", current, next)
		w.gw.Metrics.SetState(string(next), stateNames())
	}
	return EventAck{Success: true, CurrentState: next}, nil
}

func (w *WorkerI) HandleStateChange(ctx context.Context, ev StateChangeEvent) (EventAck, error) {
	if ev.State == "" {
		return EventAck{}, apierr.Validation("missing_state", "state is required")
	}
	if _, err := ParseState(string(ev.State)); err != nil {
		return EventAck{}, err
	}
	st, err := w.repos.ServerState.Get(ctx)
	if err != nil {
		return EventAck{}, apierr.Internal(fmt.Errorf("read server state: %w", err))
	}
	now := w.opts.Now()
	current := State(st.State)
	patch := pgsql.NewStatePatch().SetLastHeartbeat(now)

	next := current
	if w.acceptReported(current, ev.State) {
		next = ev.State
		stamp := ev.Timestamp
		if stamp.IsZero() {
			stamp = now
		}
		patch.SetState(string(next))
		stampIdle(patch, next, stamp)
	}
	if err := w.repos.ServerState.Apply(ctx, patch); err != nil {
		return EventAck{}, apierr.Internal(fmt.Errorf("apply state change: %w", err))
	}
	if next != current {
		w.logger.Infof("state: %s -> %s (state-change)", current, next)
	}
	w.gw.Metrics.SetState(string(next), stateNames())
	return EventAck{Success: true, CurrentState: next}, nil
}

func (w *WorkerI) HandleBackupComplete(ctx context.Context, ev BackupCompleteEvent) (EventAck, error) {
	if ev.SizeBytes != nil && *ev.SizeBytes < 0 {
		return EventAck{}, apierr.Validation("invalid_size", "sizeBytes must not be negative")
	}
	sess, err := w.repos.Session.Current(ctx)
	if err != nil {
		return EventAck{}, apierr.Internal(fmt.Errorf("read current session: %w", err))
	}
	var sid sql.NullInt64
	if sess != nil {
		sid = sql.NullInt64{Int64: sess.ID, Valid: true}
	}
	id, err := w.repos.Backup.Record(ctx, pgsql.NullInt64(ev.SizeBytes), sid, pgsql.BackupAuto)
	if err != nil {
		return EventAck{}, apierr.Internal(fmt.Errorf("record backup: %w", err))
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = w.opts.Now()
	}
	return EventAck{Success: true, BackupID: id, Timestamp: &ts}, nil
}

func (w *WorkerI) Status(ctx context.Context) (Status, error) {
	var (
		st    pgsql.ServerState
		sess  *pgsql.Session
		last  *pgsql.Backup
		month pgsql.MonthlySummary
	)
	now := w.opts.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { st, err = w.repos.ServerState.Get(gctx); return })
	g.Go(func() (err error) { sess, err = w.repos.Session.Current(gctx); return })
	g.Go(func() (err error) { last, err = w.repos.Backup.Last(gctx); return })
	g.Go(func() (err error) { month, err = w.repos.MonthlySummary.Get(gctx, cost.MonthKey(now)); return })
	if err := g.Wait(); err != nil {
		return Status{}, apierr.Internal(fmt.Errorf("load status: %w", err))
	}

	state := State(st.State)
	out := Status{
		State:         state,
		Region:        nullString(st.Region),
		ServerType:    nullString(st.ServerType),
		ServerID:      nullString(st.VPSID),
		ServerIP:      nullString(st.VPSIP),
		Players:       Players{Online: st.PlayerCount, Max: w.opts.MaxPlayers},
		LastHeartbeat: nullTime(st.LastHeartbeat),
		Costs: Costs{
			ThisMonth:         month.TotalCost,
			ThisMonthByRegion: RegionAmounts{EU: month.EUCost, US: month.USCost},
		},
	}
	if last != nil {
		ts := last.Timestamp
		out.LastWorldSync = &ts
	}
	if st.StartedAt.Valid && state != StateOffline {
		uptime := seconds(now.Sub(st.StartedAt.Time))
		out.Uptime = &uptime
	}
	if st.IdleSince.Valid {
		idle := seconds(now.Sub(st.IdleSince.Time))
		out.IdleTime = &idle
		switch state {
		case StateIdle:
			out.TTL = ttl(w.opts.IdleTimeout, idle)
		case StateSuspended:
			out.TTL = ttl(w.opts.SuspendTimeout, idle)
		}
	}
	if st.Region.Valid {
		r := cost.Region(st.Region.String)
		out.Costs.HourlyRate = cost.HourlyRate(r)
		if out.Uptime != nil {
			out.Costs.CurrentSession = cost.Calculate(*out.Uptime, r)
		}
	}
	if sess != nil {
		id := sess.ID
		out.CurrentSessionID = &id
	}
	if st.VPSID.Valid && state != StateOffline {
		m, err := w.gw.Provider.GetMetrics(ctx, st.VPSID.String)
		if err != nil {
			w.logger.Warnf("metrics for vm=%s unavailable: %v", st.VPSID.String, err)
		} else {
			out.Metrics = m
		}
	}
	return out, nil
}

// PublicStatus never fails; storage errors degrade to OFFLINE.
func (w *WorkerI) PublicStatus(ctx context.Context) PublicStatus {
	out := PublicStatus{
		State:   StateOffline,
		Players: Players{Max: w.opts.MaxPlayers},
		Version: w.opts.GameVersion,
	}
	st, err := w.repos.ServerState.Get(ctx)
	if err != nil {
		w.logger.Warnf("public status: %v", err)
		return out
	}
	out.State = State(st.State)
	out.Players.Online = st.PlayerCount
	return out
}

func (w *WorkerI) History(ctx context.Context, q HistoryQuery) (History, error) {
	q = q.normalize()
	var (
		sessions  []pgsql.Session
		summaries []pgsql.MonthlySummary
		backups   []pgsql.Backup
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { sessions, err = w.repos.Session.History(gctx, q.Limit, q.Offset); return })
	g.Go(func() (err error) { summaries, err = w.repos.MonthlySummary.Recent(gctx, q.Months); return })
	g.Go(func() (err error) { backups, err = w.repos.Backup.Recent(gctx, historyBackups); return })
	if err := g.Wait(); err != nil {
		return History{}, apierr.Internal(fmt.Errorf("load history: %w", err))
	}

	out := History{
		Sessions:         make([]SessionView, 0, len(sessions)),
		MonthlySummaries: make([]MonthView, 0, len(summaries)),
		Backups:          make([]BackupView, 0, len(backups)),
		Pagination:       Pagination{Limit: q.Limit, Offset: q.Offset, HasMore: len(sessions) == q.Limit},
	}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, sessionView(s))
	}
	thisMonth := cost.MonthKey(w.opts.Now())
	out.ThisMonth = monthView(pgsql.MonthlySummary{Month: thisMonth})
	for _, m := range summaries {
		v := monthView(m)
		out.MonthlySummaries = append(out.MonthlySummaries, v)
		if m.Month == thisMonth {
			out.ThisMonth = v
		}
		out.AllTime.Hours += m.TotalHours
		out.AllTime.Cost += m.TotalCost
		out.AllTime.Sessions += m.SessionCount
	}
	out.AllTime.Hours = cost.Round4(out.AllTime.Hours)
	out.AllTime.Cost = cost.Round4(out.AllTime.Cost)
	for _, b := range backups {
		out.Backups = append(out.Backups, backupView(b))
	}
	return out, nil
}

func (q HistoryQuery) normalize() HistoryQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Months <= 0 {
		q.Months = DefaultHistoryMonths
	}
	if q.Months > MaxHistoryMonths {
		q.Months = MaxHistoryMonths
	}
	return q
}

// acceptReported decides whether an agent-reported transition is applied.
// Illegal transitions are always logged; they are dropped only in strict mode.
func (w *WorkerI) acceptReported(from, to State) bool {
	if canTransit(from, to) {
		return true
	}
	if w.opts.StrictTransitions {
		w.logger.Warnf("ignoring illegal reported transition %s -> %s", from, to)
		return false
	}
	w.logger.Warnf("applying illegal reported transition %s -> %s", from, to)
	return true
}

func (w *WorkerI) setState(ctx context.Context, from, to State, patch *pgsql.StatePatch) error {
	if !canTransit(from, to) {
		return apierr.Conflict("illegal_transition", fmt.Sprintf("invalid state transition: %s -> %s", from, to))
	}
	return w.applyState(ctx, from, to, patch)
}

func (w *WorkerI) applyState(ctx context.Context, from, to State, patch *pgsql.StatePatch) error {
	if err := w.repos.ServerState.Apply(ctx, patch); err != nil {
		return apierr.Internal(fmt.Errorf("set state %s: %w", to, err))
	}
	w.logger.Infof("state: %s -> %s", from, to)
	w.gw.Metrics.SetState(string(to), stateNames())
	return nil
}

// revert restores the pre-stop state so the operation can be retried.
func (w *WorkerI) revert(ctx context.Context, to State, reason string) {
	w.logger.Errorf("stop failed, reverting to %s: %s", to, reason)
	if err := w.repos.ServerState.Apply(ctx, pgsql.NewStatePatch().SetState(string(to))); err != nil {
		w.logger.Errorf("revert to %s failed: %v", to, err)
		return
	}
	w.gw.Metrics.SetState(string(to), stateNames())
}

func (w *WorkerI) reset(ctx context.Context, from State) error {
	patch := pgsql.NewStatePatch().SetState(string(StateOffline)).ClearTransient()
	if err := w.repos.ServerState.Apply(ctx, patch); err != nil {
		return apierr.Internal(fmt.Errorf("reset to OFFLINE: %w", err))
	}
	w.logger.Infof("state: %s -> %s", from, StateOffline)
	w.gw.Metrics.SetState(string(StateOffline), stateNames())
	return nil
}

func canTransit(from, to State) bool {
	if from == to {
		return true
	}
	if to == StateTerminating {
		return from != StateOffline
	}
	allowed := map[State]map[State]bool{
		StateOffline:      {StateProvisioning: true},
		StateProvisioning: {StateRunning: true, StateOffline: true},
		StateRunning:      {StateIdle: true},
		StateIdle:         {StateRunning: true, StateSuspended: true},
		StateSuspended:    {StateIdle: true, StateRunning: true},
		StateTerminating:  {StateOffline: true},
	}
	return allowed[from][to]
}

func stampIdle(patch *pgsql.StatePatch, to State, at time.Time) {
	switch to {
	case StateIdle, StateSuspended:
		patch.SetIdleSince(at)
	case StateRunning:
		patch.SetIdleSince(time.Time{})
	}
}

func consoleTarget(st pgsql.ServerState) (host, password string, err error) {
	if !st.VPSIP.Valid || st.VPSIP.String == "" {
		return "", "", apierr.NotConfigured("no_server_ip", "Server IP is not recorded")
	}
	if !st.RCONPassword.Valid || st.RCONPassword.String == "" {
		return "", "", apierr.NotConfigured("rcon_not_configured", "RCON password is not set")
	}
	return st.VPSIP.String, st.RCONPassword.String, nil
}

func rconError(err error) error {
	if rcon.IsAuthFailure(err) {
		return apierr.Upstream("rcon_auth_failed", err)
	}
	return apierr.Upstream("rcon_connection_failed", err)
}

func hetznerRequest(r cost.Region, userData string) hetzner.CreateRequest {
	return hetzner.CreateRequest{
		Region:   r,
		Name:     fmt.Sprintf("mcctl-%s-%s", r, uuid.NewString()[:8]),
		UserData: userData,
	}
}

func newRCONPassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate rcon password: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func stateNames() []string {
	out := make([]string, len(allStates))
	for i, s := range allStates {
		out[i] = string(s)
	}
	return out
}

func sessionView(s pgsql.Session) SessionView {
	v := SessionView{
		ID:         s.ID,
		StartedAt:  s.StartedAt,
		EndedAt:    nullTime(s.EndedAt),
		MaxPlayers: s.MaxPlayers,
		Region:     s.Region,
		ServerType: s.ServerType,
	}
	if s.DurationSeconds.Valid {
		d := s.DurationSeconds.Int64
		f := FormatDuration(d)
		v.DurationSeconds = &d
		v.DurationFormatted = &f
	}
	if s.CostUSD.Valid {
		c := s.CostUSD.Float64
		v.CostUSD = &c
	}
	return v
}

func monthView(m pgsql.MonthlySummary) MonthView {
	return MonthView{
		Month:        m.Month,
		TotalHours:   cost.Round4(m.TotalHours),
		TotalCost:    cost.Round4(m.TotalCost),
		SessionCount: m.SessionCount,
		ByRegion: map[string]RegionUsage{
			string(cost.RegionEU): {Hours: cost.Round4(m.EUHours), Cost: cost.Round4(m.EUCost)},
			string(cost.RegionUS): {Hours: cost.Round4(m.USHours), Cost: cost.Round4(m.USCost)},
		},
	}
}

func backupView(b pgsql.Backup) BackupView {
	v := BackupView{ID: b.ID, Timestamp: b.Timestamp, TriggeredBy: b.TriggeredBy}
	if b.SizeBytes.Valid {
		n := b.SizeBytes.Int64
		mb := fmt.Sprintf("%.2f", float64(n)/1024/1024)
		v.SizeBytes = &n
		v.SizeMB = &mb
	}
	return v
}

// FormatDuration renders whole seconds as "1h 5m" or "5m".
func FormatDuration(sec int64) string {
	h := sec / 3600
	m := (sec % 3600) / 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

func ttl(timeout time.Duration, idle int64) *int64 {
	left := int64(timeout/time.Second) - idle
	if left < 0 {
		left = 0
	}
	return &left
}

func seconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
