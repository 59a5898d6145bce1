package pgsql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// c-layer contracts exposed to other packages.

type ServerStateRepo interface {
	Get(ctx context.Context) (ServerState, error)
	// Apply writes only the columns named in the patch, in one statement.
	Apply(ctx context.Context, patch *StatePatch) error
}

type SessionRepo interface {
	Create(ctx context.Context, s Session) (int64, error)
	// Current returns the newest open session, or nil when none is open.
	Current(ctx context.Context) (*Session, error)
	Close(ctx context.Context, id int64, endedAt time.Time, durationSeconds int64, costUSD float64, worldSizeBytes sql.NullInt64) error
	RaiseMaxPlayers(ctx context.Context, id int64, players int) error
	// SetWorldSize records the latest reported world size on an open session.
	SetWorldSize(ctx context.Context, id int64, sizeBytes int64) error
	History(ctx context.Context, limit, offset int) ([]Session, error)
}

type MonthlySummaryRepo interface {
	AddUsage(ctx context.Context, month, region string, hours, costUSD float64) error
	// Get returns a zero summary for months without usage.
	Get(ctx context.Context, month string) (MonthlySummary, error)
	Recent(ctx context.Context, n int) ([]MonthlySummary, error)
}

type BackupRepo interface {
	Record(ctx context.Context, sizeBytes sql.NullInt64, sessionID sql.NullInt64, triggeredBy string) (int64, error)
	Recent(ctx context.Context, n int) ([]Backup, error)
	// Last returns nil when no backup was ever recorded.
	Last(ctx context.Context) (*Backup, error)
}

type WhitelistRepo interface {
	List(ctx context.Context) ([]WhitelistEntry, error)
	Get(ctx context.Context, username string) (*WhitelistEntry, error)
	Upsert(ctx context.Context, e WhitelistEntry) error
	Remove(ctx context.Context, username string) (bool, error)
}

type Repos struct {
	ServerState    ServerStateRepo
	Session        SessionRepo
	MonthlySummary MonthlySummaryRepo
	Backup         BackupRepo
	Whitelist      WhitelistRepo
}

func NewRepos(connector SQLConnector) Repos {
	return Repos{
		ServerState:    NewServerStateRepoI(connector),
		Session:        NewSessionRepoI(connector),
		MonthlySummary: NewMonthlySummaryRepoI(connector),
		Backup:         NewBackupRepoI(connector),
		Whitelist:      NewWhitelistRepoI(connector),
	}
}

// StatePatch names the server_state columns one update touches. Setting a
// column twice keeps the last value.
type StatePatch struct {
	cols []string
	vals []any
}

func NewStatePatch() *StatePatch { return &StatePatch{} }

func (p *StatePatch) set(col string, v any) *StatePatch {
	for i, c := range p.cols {
		if c == col {
			p.vals[i] = v
			return p
		}
	}
	p.cols = append(p.cols, col)
	p.vals = append(p.vals, v)
	return p
}

func (p *StatePatch) SetState(state string) *StatePatch { return p.set("state", state) }

func (p *StatePatch) SetVPS(id, ip string) *StatePatch {
	return p.set("vps_id", toNullString(id)).set("vps_ip", toNullString(ip))
}

func (p *StatePatch) SetRegion(region, serverType string) *StatePatch {
	return p.set("region", toNullString(region)).set("server_type", toNullString(serverType))
}

func (p *StatePatch) SetStartedAt(t time.Time) *StatePatch {
	return p.set("started_at", toNullTime(t))
}

func (p *StatePatch) SetLastHeartbeat(t time.Time) *StatePatch {
	return p.set("last_heartbeat", toNullTime(t))
}

func (p *StatePatch) SetDNSUpdatedAt(t time.Time) *StatePatch {
	return p.set("dns_updated_at", toNullTime(t))
}

func (p *StatePatch) SetPlayerCount(n int) *StatePatch { return p.set("player_count", n) }

// SetIdleSince with a zero time clears the column.
func (p *StatePatch) SetIdleSince(t time.Time) *StatePatch {
	return p.set("idle_since", toNullTime(t))
}

func (p *StatePatch) SetRCONPassword(pw string) *StatePatch {
	return p.set("rcon_password", toNullString(pw))
}

// ClearTransient nulls every per-VM column. Stop and the reconciler both
// reset through this so no caller can leave a partial reset behind.
func (p *StatePatch) ClearTransient() *StatePatch {
	return p.SetVPS("", "").
		SetRegion("", "").
		SetStartedAt(time.Time{}).
		SetIdleSince(time.Time{}).
		SetPlayerCount(0)
}

func (p *StatePatch) Empty() bool { return p == nil || len(p.cols) == 0 }

func (p *StatePatch) Columns() []string {
	out := make([]string, len(p.cols))
	copy(out, p.cols)
	return out
}

// SQL renders the single UPDATE statement for the singleton row.
func (p *StatePatch) SQL() (string, []any) {
	sets := make([]string, 0, len(p.cols)+1)
	args := make([]any, 0, len(p.vals)+1)
	for i, c := range p.cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
		args = append(args, p.vals[i])
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, ServerStateRowID)
	return fmt.Sprintf("UPDATE server_state SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args)), args
}

// ApplyTo mirrors the update onto an in-memory row.
func (p *StatePatch) ApplyTo(s *ServerState) {
	for i, c := range p.cols {
		switch v := p.vals[i].(type) {
		case string:
			if c == "state" {
				s.State = v
			}
		case int:
			if c == "player_count" {
				s.PlayerCount = v
			}
		case sql.NullString:
			switch c {
			case "vps_id":
				s.VPSID = v
			case "vps_ip":
				s.VPSIP = v
			case "region":
				s.Region = v
			case "server_type":
				s.ServerType = v
			case "rcon_password":
				s.RCONPassword = v
			}
		case sql.NullTime:
			switch c {
			case "started_at":
				s.StartedAt = v
			case "last_heartbeat":
				s.LastHeartbeat = v
			case "dns_updated_at":
				s.DNSUpdatedAt = v
			case "idle_since":
				s.IdleSince = v
			}
		}
	}
}
