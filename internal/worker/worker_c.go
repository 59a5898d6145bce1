package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mcctl/internal/apierr"
	"mcctl/internal/dns"
	"mcctl/internal/hetzner"
	"mcctl/internal/metrics"
	"mcctl/internal/rcon"
)

type Worker interface {
	Start(ctx context.Context, region string) (StartResult, error)
	Stop(ctx context.Context, force bool) (StopResult, error)
	SendCommand(ctx context.Context, command string) (CommandResult, error)
	TriggerBackup(ctx context.Context) (SyncResult, error)

	HandleEvent(ctx context.Context, ev Event) (EventAck, error)
	HandleReady(ctx context.Context, ev ReadyEvent) (EventAck, error)
	HandleHeartbeat(ctx context.Context, ev HeartbeatEvent) (EventAck, error)
	HandleStateChange(ctx context.Context, ev StateChangeEvent) (EventAck, error)
	HandleBackupComplete(ctx context.Context, ev BackupCompleteEvent) (EventAck, error)

	Status(ctx context.Context) (Status, error)
	PublicStatus(ctx context.Context) PublicStatus
	History(ctx context.Context, q HistoryQuery) (History, error)
}

type State string

const (
	StateOffline      State = "OFFLINE"
	StateProvisioning State = "PROVISIONING"
	StateRunning      State = "RUNNING"
	StateIdle         State = "IDLE"
	StateSuspended    State = "SUSPENDED"
	StateTerminating  State = "TERMINATING"
)

var allStates = []State{StateOffline, StateProvisioning, StateRunning, StateIdle, StateSuspended, StateTerminating}

func AllStates() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range allStates {
		if st == known {
			return st, nil
		}
	}
	return "", apierr.Validation("invalid_state", fmt.Sprintf("Unknown state %q", s))
}

// Active reports whether a console can be reached in this state.
func (s State) Active() bool { return s == StateRunning || s == StateIdle }

// Event is the closed set of agent webhook payloads.
type Event interface {
	eventKind() string
}

type ReadyEvent struct {
	ServerID string
	IP       string
	Region   string
}

type HeartbeatEvent struct {
	State          *State
	Players        *int
	IdleSeconds    *int
	LastBackup     *time.Time
	WorldSizeBytes *int64
}

type StateChangeEvent struct {
	State State
	// Timestamp stamps idle_since for IDLE/SUSPENDED; zero means now.
	Timestamp time.Time
}

type BackupCompleteEvent struct {
	Timestamp time.Time
	SizeBytes *int64
}

func (ReadyEvent) eventKind() string          { return "ready" }
func (HeartbeatEvent) eventKind() string      { return "heartbeat" }
func (StateChangeEvent) eventKind() string    { return "state-change" }
func (BackupCompleteEvent) eventKind() string { return "backup-complete" }

// EventKind names an event for logs and metrics.
func EventKind(ev Event) string { return ev.eventKind() }

type EventAck struct {
	Success      bool       `json:"success"`
	Message      string     `json:"message,omitempty"`
	CurrentState State      `json:"currentState,omitempty"`
	BackupID     int64      `json:"backupId,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

type StartResult struct {
	Status             string    `json:"status"`
	Region             string    `json:"region"`
	ServerType         string    `json:"serverType"`
	EstimatedReadyTime time.Time `json:"estimatedReadyTime"`
	ServerID           string    `json:"serverId"`
	HourlyRate         float64   `json:"hourlyRate"`
}

type StopResult struct {
	Status          string   `json:"status"`
	Message         string   `json:"message"`
	SessionEnded    *int64   `json:"sessionEnded,omitempty"`
	DurationSeconds *int64   `json:"durationSeconds,omitempty"`
	CostUSD         *float64 `json:"costUsd,omitempty"`
}

type CommandResult struct {
	Success  bool   `json:"success"`
	Command  string `json:"command"`
	Response string `json:"response"`
}

type SyncResult struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	BackupID  int64  `json:"backupId"`
	SessionID *int64 `json:"sessionId,omitempty"`
	Response  string `json:"response,omitempty"`
}

type Players struct {
	Online int `json:"online"`
	Max    int `json:"max"`
}

type RegionAmounts struct {
	EU float64 `json:"eu"`
	US float64 `json:"us"`
}

type Costs struct {
	CurrentSession    float64       `json:"currentSession"`
	HourlyRate        float64       `json:"hourlyRate"`
	ThisMonth         float64       `json:"thisMonth"`
	ThisMonthByRegion RegionAmounts `json:"thisMonthByRegion"`
}

type Status struct {
	State            State            `json:"state"`
	Region           *string          `json:"region"`
	ServerType       *string          `json:"serverType"`
	ServerID         *string          `json:"serverId"`
	ServerIP         *string          `json:"serverIp"`
	Players          Players          `json:"players"`
	Uptime           *int64           `json:"uptime"`
	IdleTime         *int64           `json:"idleTime"`
	TTL              *int64           `json:"ttl"`
	LastHeartbeat    *time.Time       `json:"lastHeartbeat"`
	LastWorldSync    *time.Time       `json:"lastWorldSync"`
	CurrentSessionID *int64           `json:"currentSessionId"`
	Costs            Costs            `json:"costs"`
	Metrics          *hetzner.Metrics `json:"metrics,omitempty"`
}

type PublicStatus struct {
	State   State   `json:"state"`
	Players Players `json:"players"`
	Version string  `json:"version"`
}

const (
	DefaultHistoryLimit  = 50
	MaxHistoryLimit      = 100
	DefaultHistoryMonths = 12
	MaxHistoryMonths     = 24
)

// HistoryQuery values outside their bounds are clamped, not rejected.
type HistoryQuery struct {
	Limit  int
	Offset int
	Months int
}

type SessionView struct {
	ID                int64      `json:"id"`
	StartedAt         time.Time  `json:"startedAt"`
	EndedAt           *time.Time `json:"endedAt"`
	DurationSeconds   *int64     `json:"durationSeconds"`
	DurationFormatted *string    `json:"durationFormatted"`
	CostUSD           *float64   `json:"costUsd"`
	MaxPlayers        int        `json:"maxPlayers"`
	Region            string     `json:"region"`
	ServerType        string     `json:"serverType"`
}

type RegionUsage struct {
	Hours float64 `json:"hours"`
	Cost  float64 `json:"cost"`
}

type MonthView struct {
	Month        string                 `json:"month"`
	TotalHours   float64                `json:"totalHours"`
	TotalCost    float64                `json:"totalCost"`
	SessionCount int                    `json:"sessionCount"`
	ByRegion     map[string]RegionUsage `json:"byRegion"`
}

type BackupView struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SizeBytes   *int64    `json:"sizeBytes"`
	SizeMB      *string   `json:"sizeMb"`
	TriggeredBy string    `json:"triggeredBy"`
}

type Totals struct {
	Hours    float64 `json:"hours"`
	Cost     float64 `json:"cost"`
	Sessions int     `json:"sessions"`
}

type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

type History struct {
	Sessions         []SessionView `json:"sessions"`
	ThisMonth        MonthView     `json:"thisMonth"`
	MonthlySummaries []MonthView   `json:"monthlySummaries"`
	Backups          []BackupView  `json:"backups"`
	AllTime          Totals        `json:"allTime"`
	Pagination       Pagination    `json:"pagination"`
}

// Gateways are the remote collaborators the orchestrator drives.
type Gateways struct {
	Provider hetzner.Gateway
	DNS      dns.Gateway
	RCON     rcon.Sender
	Metrics  *metrics.Recorder
}

// Options are fixed deployment inputs for the orchestrator.
type Options struct {
	WebhookURL        string
	WebhookSecret     string
	RCONPort          int
	RCONPassword      string
	ShutdownGrace     time.Duration
	ReadyEstimate     time.Duration
	IdleTimeout       time.Duration
	SuspendTimeout    time.Duration
	StrictTransitions bool
	MaxPlayers        int
	GameVersion       string
	Now               func() time.Time
	Sleep             func(time.Duration)
}
