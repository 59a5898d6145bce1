package pgsql

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore keeps every table in memory. It backs unit tests of the packages
// that consume Repos and follows the same contracts as the SQL repos.
type MemStore struct {
	mu        sync.Mutex
	state     ServerState
	sessions  []Session
	summaries map[string]MonthlySummary
	backups   []Backup
	whitelist map[string]WhitelistEntry
	now       func() time.Time

	// Fail, when set, is returned by every call naming the given operation
	// (for example "state.apply" or "session.close").
	Fail map[string]error
}

func NewMemStore() *MemStore {
	return &MemStore{
		state:     ServerState{ID: ServerStateRowID, State: "OFFLINE"},
		summaries: map[string]MonthlySummary{},
		whitelist: map[string]WhitelistEntry{},
		now:       time.Now,
		Fail:      map[string]error{},
	}
}

func (m *MemStore) Repos() Repos {
	return Repos{
		ServerState:    memState{m},
		Session:        memSession{m},
		MonthlySummary: memSummary{m},
		Backup:         memBackup{m},
		Whitelist:      memWhitelist{m},
	}
}

// State returns a copy of the singleton row.
func (m *MemStore) State() ServerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Seed replaces the singleton row.
func (m *MemStore) Seed(s ServerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = ServerStateRowID
	m.state = s
}

func (m *MemStore) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Session(nil), m.sessions...)
}

func (m *MemStore) Backups() []Backup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Backup(nil), m.backups...)
}

func (m *MemStore) fail(op string) error {
	if err, ok := m.Fail[op]; ok {
		return err
	}
	return nil
}

type memState struct{ m *MemStore }

func (r memState) Get(ctx context.Context) (ServerState, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("state.get"); err != nil {
		return ServerState{}, err
	}
	return r.m.state, nil
}

func (r memState) Apply(ctx context.Context, patch *StatePatch) error {
	if patch.Empty() {
		return nil
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("state.apply"); err != nil {
		return err
	}
	patch.ApplyTo(&r.m.state)
	r.m.state.UpdatedAt = r.m.now()
	return nil
}

type memSession struct{ m *MemStore }

func (r memSession) Create(ctx context.Context, s Session) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("session.create"); err != nil {
		return 0, err
	}
	s.ID = int64(len(r.m.sessions) + 1)
	s.EndedAt = sql.NullTime{}
	r.m.sessions = append(r.m.sessions, s)
	return s.ID, nil
}

func (r memSession) Current(ctx context.Context) (*Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("session.current"); err != nil {
		return nil, err
	}
	for i := len(r.m.sessions) - 1; i >= 0; i-- {
		if r.m.sessions[i].Active() {
			s := r.m.sessions[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (r memSession) Close(ctx context.Context, id int64, endedAt time.Time, durationSeconds int64, costUSD float64, worldSizeBytes sql.NullInt64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("session.close"); err != nil {
		return err
	}
	for i := range r.m.sessions {
		s := &r.m.sessions[i]
		if s.ID == id && s.Active() {
			s.EndedAt = toNullTime(endedAt)
			s.DurationSeconds = sql.NullInt64{Int64: durationSeconds, Valid: true}
			s.CostUSD = sql.NullFloat64{Float64: costUSD, Valid: true}
			if worldSizeBytes.Valid {
				s.WorldSizeBytes = worldSizeBytes
			}
		}
	}
	return nil
}

func (r memSession) RaiseMaxPlayers(ctx context.Context, id int64, players int) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i := range r.m.sessions {
		s := &r.m.sessions[i]
		if s.ID == id && s.Active() && players > s.MaxPlayers {
			s.MaxPlayers = players
		}
	}
	return nil
}

func (r memSession) SetWorldSize(ctx context.Context, id int64, sizeBytes int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("session.worldsize"); err != nil {
		return err
	}
	for i := range r.m.sessions {
		s := &r.m.sessions[i]
		if s.ID == id && s.Active() {
			s.WorldSizeBytes = sql.NullInt64{Int64: sizeBytes, Valid: true}
		}
	}
	return nil
}

func (r memSession) History(ctx context.Context, limit, offset int) ([]Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var closed []Session
	for i := len(r.m.sessions) - 1; i >= 0; i-- {
		if !r.m.sessions[i].Active() {
			closed = append(closed, r.m.sessions[i])
		}
	}
	if offset >= len(closed) {
		return []Session{}, nil
	}
	closed = closed[offset:]
	if limit < len(closed) {
		closed = closed[:limit]
	}
	return closed, nil
}

type memSummary struct{ m *MemStore }

func (r memSummary) AddUsage(ctx context.Context, month, region string, hours, costUSD float64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("summary.add"); err != nil {
		return err
	}
	s := r.m.summaries[month]
	s.Month = month
	s.TotalHours += hours
	s.TotalCost += costUSD
	s.SessionCount++
	switch region {
	case "eu":
		s.EUHours += hours
		s.EUCost += costUSD
	case "us":
		s.USHours += hours
		s.USCost += costUSD
	}
	s.UpdatedAt = r.m.now()
	r.m.summaries[month] = s
	return nil
}

func (r memSummary) Get(ctx context.Context, month string) (MonthlySummary, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if s, ok := r.m.summaries[month]; ok {
		return s, nil
	}
	return MonthlySummary{Month: month}, nil
}

func (r memSummary) Recent(ctx context.Context, n int) ([]MonthlySummary, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make([]MonthlySummary, 0, len(r.m.summaries))
	for _, s := range r.m.summaries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month > out[j].Month })
	if n < len(out) {
		out = out[:n]
	}
	return out, nil
}

type memBackup struct{ m *MemStore }

func (r memBackup) Record(ctx context.Context, sizeBytes sql.NullInt64, sessionID sql.NullInt64, triggeredBy string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	switch triggeredBy {
	case BackupAuto, BackupManual, BackupShutdown:
	default:
		return 0, errors.New("invalid backup trigger: " + triggeredBy)
	}
	b := Backup{
		ID:          int64(len(r.m.backups) + 1),
		Timestamp:   r.m.now(),
		SizeBytes:   sizeBytes,
		SessionID:   sessionID,
		TriggeredBy: triggeredBy,
	}
	r.m.backups = append(r.m.backups, b)
	return b.ID, nil
}

func (r memBackup) Recent(ctx context.Context, n int) ([]Backup, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make([]Backup, 0, n)
	for i := len(r.m.backups) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.m.backups[i])
	}
	return out, nil
}

func (r memBackup) Last(ctx context.Context) (*Backup, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if len(r.m.backups) == 0 {
		return nil, nil
	}
	b := r.m.backups[len(r.m.backups)-1]
	return &b, nil
}

type memWhitelist struct{ m *MemStore }

func (r memWhitelist) List(ctx context.Context) ([]WhitelistEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make([]WhitelistEntry, 0, len(r.m.whitelist))
	for _, e := range r.m.whitelist {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username) })
	return out, nil
}

func (r memWhitelist) Get(ctx context.Context, username string) (*WhitelistEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if e, ok := r.m.whitelist[strings.ToLower(username)]; ok {
		return &e, nil
	}
	return nil, nil
}

func (r memWhitelist) Upsert(ctx context.Context, e WhitelistEntry) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("whitelist.upsert"); err != nil {
		return err
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = r.m.now()
	}
	r.m.whitelist[strings.ToLower(e.Username)] = e
	return nil
}

func (r memWhitelist) Remove(ctx context.Context, username string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	key := strings.ToLower(username)
	if _, ok := r.m.whitelist[key]; !ok {
		return false, nil
	}
	delete(r.m.whitelist, key)
	return true, nil
}
