package pgsql

import (
	"database/sql"
	"time"
)

// ServerStateRowID is the primary key of the singleton server_state row.
const ServerStateRowID = 1

type ServerState struct {
	ID            int64          `db:"id"`
	State         string         `db:"state"`
	VPSID         sql.NullString `db:"vps_id"`
	VPSIP         sql.NullString `db:"vps_ip"`
	Region        sql.NullString `db:"region"`
	ServerType    sql.NullString `db:"server_type"`
	StartedAt     sql.NullTime   `db:"started_at"`
	LastHeartbeat sql.NullTime   `db:"last_heartbeat"`
	DNSUpdatedAt  sql.NullTime   `db:"dns_updated_at"`
	PlayerCount   int            `db:"player_count"`
	IdleSince     sql.NullTime   `db:"idle_since"`
	RCONPassword  sql.NullString `db:"rcon_password"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

type Session struct {
	ID              int64           `db:"id"`
	StartedAt       time.Time       `db:"started_at"`
	EndedAt         sql.NullTime    `db:"ended_at"`
	DurationSeconds sql.NullInt64   `db:"duration_seconds"`
	CostUSD         sql.NullFloat64 `db:"cost_usd"`
	MaxPlayers      int             `db:"max_players"`
	Region          string          `db:"region"`
	ServerType      string          `db:"server_type"`
	VPSID           string          `db:"vps_id"`
	WorldSizeBytes  sql.NullInt64   `db:"world_size_bytes"`
}

// Active reports whether the session has not been closed yet.
func (s Session) Active() bool { return !s.EndedAt.Valid }

type MonthlySummary struct {
	Month        string    `db:"month"`
	TotalHours   float64   `db:"total_hours"`
	TotalCost    float64   `db:"total_cost"`
	SessionCount int       `db:"session_count"`
	EUHours      float64   `db:"eu_hours"`
	EUCost       float64   `db:"eu_cost"`
	USHours      float64   `db:"us_hours"`
	USCost       float64   `db:"us_cost"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type Backup struct {
	ID          int64         `db:"id"`
	Timestamp   time.Time     `db:"timestamp"`
	SizeBytes   sql.NullInt64 `db:"size_bytes"`
	SessionID   sql.NullInt64 `db:"session_id"`
	TriggeredBy string        `db:"triggered_by"`
}

const (
	BackupAuto     = "auto"
	BackupManual   = "manual"
	BackupShutdown = "shutdown"
)

type WhitelistEntry struct {
	Username string         `db:"username"`
	UUID     sql.NullString `db:"uuid"`
	AddedAt  time.Time      `db:"added_at"`
	AddedBy  sql.NullString `db:"added_by"`
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// NullInt64 wraps an optional count; nil means unknown.
func NullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
