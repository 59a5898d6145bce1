package pgsql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// i-layer implementations.

type ServerStateRepoI struct{ connector SQLConnector }

func NewServerStateRepoI(connector SQLConnector) *ServerStateRepoI {
	return &ServerStateRepoI{connector: connector}
}

func (r *ServerStateRepoI) Get(ctx context.Context) (ServerState, error) {
	var s ServerState
	err := r.connector.QueryRowContext(ctx, `
		SELECT id, state, vps_id, vps_ip, region, server_type, started_at, last_heartbeat,
		       dns_updated_at, player_count, idle_since, rcon_password, updated_at
		FROM server_state WHERE id = $1
	`, ServerStateRowID).Scan(&s.ID, &s.State, &s.VPSID, &s.VPSIP, &s.Region, &s.ServerType, &s.StartedAt,
		&s.LastHeartbeat, &s.DNSUpdatedAt, &s.PlayerCount, &s.IdleSince, &s.RCONPassword, &s.UpdatedAt)
	if err != nil {
		return ServerState{}, fmt.Errorf("read server state: %w", err)
	}
	return s, nil
}

func (r *ServerStateRepoI) Apply(ctx context.Context, patch *StatePatch) error {
	if patch.Empty() {
		return nil
	}
	query, args := patch.SQL()
	res, err := r.connector.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update server state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New("update server state: singleton row missing")
	}
	return nil
}

type SessionRepoI struct{ connector SQLConnector }

func NewSessionRepoI(connector SQLConnector) *SessionRepoI { return &SessionRepoI{connector: connector} }

const sessionColumns = `id, started_at, ended_at, duration_seconds, cost_usd, max_players, region, server_type, vps_id, world_size_bytes`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.StartedAt, &s.EndedAt, &s.DurationSeconds, &s.CostUSD, &s.MaxPlayers,
		&s.Region, &s.ServerType, &s.VPSID, &s.WorldSizeBytes)
	return s, err
}

func (r *SessionRepoI) Create(ctx context.Context, s Session) (int64, error) {
	var id int64
	err := r.connector.QueryRowContext(ctx, `
		INSERT INTO sessions (started_at, region, server_type, vps_id, max_players)
		VALUES ($1, $2, $3, $4, 0)
		RETURNING id
	`, s.StartedAt, s.Region, s.ServerType, s.VPSID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (r *SessionRepoI) Current(ctx context.Context) (*Session, error) {
	s, err := scanSession(r.connector.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions WHERE ended_at IS NULL
		ORDER BY id DESC LIMIT 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read current session: %w", err)
	}
	return &s, nil
}

// Close is a no-op for sessions that were already closed.
func (r *SessionRepoI) Close(ctx context.Context, id int64, endedAt time.Time, durationSeconds int64, costUSD float64, worldSizeBytes sql.NullInt64) error {
	_, err := r.connector.ExecContext(ctx, `
		UPDATE sessions
		SET ended_at = $2, duration_seconds = $3, cost_usd = $4,
		    world_size_bytes = COALESCE($5, world_size_bytes)
		WHERE id = $1 AND ended_at IS NULL
	`, id, endedAt, durationSeconds, costUSD, worldSizeBytes)
	if err != nil {
		return fmt.Errorf("close session %d: %w", id, err)
	}
	return nil
}

func (r *SessionRepoI) RaiseMaxPlayers(ctx context.Context, id int64, players int) error {
	_, err := r.connector.ExecContext(ctx, `
		UPDATE sessions SET max_players = GREATEST(max_players, $2) WHERE id = $1
	`, id, players)
	if err != nil {
		return fmt.Errorf("raise max players on session %d: %w", id, err)
	}
	return nil
}

func (r *SessionRepoI) SetWorldSize(ctx context.Context, id int64, sizeBytes int64) error {
	_, err := r.connector.ExecContext(ctx, `
		UPDATE sessions SET world_size_bytes = $2 WHERE id = $1 AND ended_at IS NULL
	`, id, sizeBytes)
	if err != nil {
		return fmt.Errorf("set world size on session %d: %w", id, err)
	}
	return nil
}

// History lists closed sessions, newest first.
func (r *SessionRepoI) History(ctx context.Context, limit, offset int) ([]Session, error) {
	rows, err := r.connector.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE ended_at IS NOT NULL
		ORDER BY started_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type MonthlySummaryRepoI struct{ connector SQLConnector }

func NewMonthlySummaryRepoI(connector SQLConnector) *MonthlySummaryRepoI {
	return &MonthlySummaryRepoI{connector: connector}
}

const summaryColumns = `month, total_hours, total_cost, session_count, eu_hours, eu_cost, us_hours, us_cost, updated_at`

func scanSummary(row interface{ Scan(...any) error }) (MonthlySummary, error) {
	var m MonthlySummary
	err := row.Scan(&m.Month, &m.TotalHours, &m.TotalCost, &m.SessionCount, &m.EUHours, &m.EUCost,
		&m.USHours, &m.USCost, &m.UpdatedAt)
	return m, err
}

// AddUsage adds one closed session to the month, split into its region
// columns so the per-region sums always equal the totals.
func (r *MonthlySummaryRepoI) AddUsage(ctx context.Context, month, region string, hours, costUSD float64) error {
	var euHours, euCost, usHours, usCost float64
	switch region {
	case "eu":
		euHours, euCost = hours, costUSD
	case "us":
		usHours, usCost = hours, costUSD
	default:
		return fmt.Errorf("add usage: unknown region %q", region)
	}
	_, err := r.connector.ExecContext(ctx, `
		INSERT INTO monthly_summary (month, total_hours, total_cost, session_count, eu_hours, eu_cost, us_hours, us_cost, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, $6, $7, NOW())
		ON CONFLICT (month) DO UPDATE SET
			total_hours = monthly_summary.total_hours + EXCLUDED.total_hours,
			total_cost = monthly_summary.total_cost + EXCLUDED.total_cost,
			session_count = monthly_summary.session_count + 1,
			eu_hours = monthly_summary.eu_hours + EXCLUDED.eu_hours,
			eu_cost = monthly_summary.eu_cost + EXCLUDED.eu_cost,
			us_hours = monthly_summary.us_hours + EXCLUDED.us_hours,
			us_cost = monthly_summary.us_cost + EXCLUDED.us_cost,
			updated_at = NOW()
	`, month, hours, costUSD, euHours, euCost, usHours, usCost)
	if err != nil {
		return fmt.Errorf("add usage to %s: %w", month, err)
	}
	return nil
}

func (r *MonthlySummaryRepoI) Get(ctx context.Context, month string) (MonthlySummary, error) {
	m, err := scanSummary(r.connector.QueryRowContext(ctx, `
		SELECT `+summaryColumns+` FROM monthly_summary WHERE month = $1
	`, month))
	if errors.Is(err, sql.ErrNoRows) {
		return MonthlySummary{Month: month}, nil
	}
	if err != nil {
		return MonthlySummary{}, fmt.Errorf("read summary %s: %w", month, err)
	}
	return m, nil
}

func (r *MonthlySummaryRepoI) Recent(ctx context.Context, n int) ([]MonthlySummary, error) {
	rows, err := r.connector.QueryContext(ctx, `
		SELECT `+summaryColumns+` FROM monthly_summary ORDER BY month DESC LIMIT $1
	`, n)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	out := make([]MonthlySummary, 0)
	for rows.Next() {
		m, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type BackupRepoI struct{ connector SQLConnector }

func NewBackupRepoI(connector SQLConnector) *BackupRepoI { return &BackupRepoI{connector: connector} }

func (r *BackupRepoI) Record(ctx context.Context, sizeBytes sql.NullInt64, sessionID sql.NullInt64, triggeredBy string) (int64, error) {
	var id int64
	err := r.connector.QueryRowContext(ctx, `
		INSERT INTO backups (timestamp, size_bytes, session_id, triggered_by)
		VALUES (NOW(), $1, $2, $3)
		RETURNING id
	`, sizeBytes, sessionID, triggeredBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record backup: %w", err)
	}
	return id, nil
}

func (r *BackupRepoI) Recent(ctx context.Context, n int) ([]Backup, error) {
	rows, err := r.connector.QueryContext(ctx, `
		SELECT id, timestamp, size_bytes, session_id, triggered_by
		FROM backups ORDER BY timestamp DESC, id DESC LIMIT $1
	`, n)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	out := make([]Backup, 0)
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.Timestamp, &b.SizeBytes, &b.SessionID, &b.TriggeredBy); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *BackupRepoI) Last(ctx context.Context) (*Backup, error) {
	var b Backup
	err := r.connector.QueryRowContext(ctx, `
		SELECT id, timestamp, size_bytes, session_id, triggered_by
		FROM backups ORDER BY timestamp DESC, id DESC LIMIT 1
	`).Scan(&b.ID, &b.Timestamp, &b.SizeBytes, &b.SessionID, &b.TriggeredBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read last backup: %w", err)
	}
	return &b, nil
}

type WhitelistRepoI struct{ connector SQLConnector }

func NewWhitelistRepoI(connector SQLConnector) *WhitelistRepoI {
	return &WhitelistRepoI{connector: connector}
}

func (r *WhitelistRepoI) List(ctx context.Context) ([]WhitelistEntry, error) {
	rows, err := r.connector.QueryContext(ctx, `
		SELECT username, uuid, added_at, added_by
		FROM whitelist_cache ORDER BY added_at DESC, username ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	defer rows.Close()

	out := make([]WhitelistEntry, 0)
	for rows.Next() {
		var e WhitelistEntry
		if err := rows.Scan(&e.Username, &e.UUID, &e.AddedAt, &e.AddedBy); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *WhitelistRepoI) Get(ctx context.Context, username string) (*WhitelistEntry, error) {
	var e WhitelistEntry
	err := r.connector.QueryRowContext(ctx, `
		SELECT username, uuid, added_at, added_by
		FROM whitelist_cache WHERE LOWER(username) = LOWER($1)
	`, username).Scan(&e.Username, &e.UUID, &e.AddedAt, &e.AddedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read whitelist entry %s: %w", username, err)
	}
	return &e, nil
}

func (r *WhitelistRepoI) Upsert(ctx context.Context, e WhitelistEntry) error {
	_, err := r.connector.ExecContext(ctx, `
		INSERT INTO whitelist_cache (username, uuid, added_at, added_by)
		VALUES ($1, $2, NOW(), $3)
		ON CONFLICT ((LOWER(username))) DO UPDATE SET
			username = EXCLUDED.username,
			uuid = COALESCE(EXCLUDED.uuid, whitelist_cache.uuid),
			added_by = EXCLUDED.added_by,
			added_at = NOW()
	`, e.Username, e.UUID, e.AddedBy)
	if err != nil {
		return fmt.Errorf("upsert whitelist entry %s: %w", e.Username, err)
	}
	return nil
}

func (r *WhitelistRepoI) Remove(ctx context.Context, username string) (bool, error) {
	res, err := r.connector.ExecContext(ctx, `
		DELETE FROM whitelist_cache WHERE LOWER(username) = LOWER($1)
	`, username)
	if err != nil {
		return false, fmt.Errorf("remove whitelist entry %s: %w", username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
