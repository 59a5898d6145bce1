package hetzner

import (
	"context"
	"time"

	"mcctl/internal/cost"
)

// Provider VM status values.
const (
	StatusInitializing = "initializing"
	StatusStarting     = "starting"
	StatusRunning      = "running"
	StatusStopping     = "stopping"
	StatusOff          = "off"
	StatusDeleting     = "deleting"
	StatusRebuilding   = "rebuilding"
	StatusMigrating    = "migrating"
	StatusUnknown      = "unknown"
)

const (
	LabelManagedBy = "managed-by"
	ManagedByValue = "mcctl"
)

type Gateway interface {
	CreateVM(ctx context.Context, req CreateRequest) (CreatedVM, error)
	DeleteVM(ctx context.Context, id string) error
	// GetVM returns nil, nil when the provider no longer knows the VM.
	GetVM(ctx context.Context, id string) (*VM, error)
	ShutdownVM(ctx context.Context, id string) error
	ListVMs(ctx context.Context) ([]VM, error)
	// GetMetrics returns nil, nil when the VM is gone or reports no samples.
	GetMetrics(ctx context.Context, id string) (*Metrics, error)
}

type CreateRequest struct {
	Region   cost.Region
	Name     string
	UserData string
}

type CreatedVM struct {
	ID         string
	IP         string
	ServerType string
}

type VM struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     string            `json:"status"`
	IP         string            `json:"ip"`
	ServerType string            `json:"serverType"`
	Location   string            `json:"location"`
	Labels     map[string]string `json:"labels,omitempty"`
	Created    time.Time         `json:"created"`
}

// Gone reports whether the VM is powered off or already being removed.
func (v VM) Gone() bool {
	return v.Status == StatusOff || v.Status == StatusDeleting
}

// Metrics holds the latest sample of each series.
type Metrics struct {
	CPU       float64 `json:"cpu"`
	DiskRead  float64 `json:"diskRead"`
	DiskWrite float64 `json:"diskWrite"`
	NetIn     float64 `json:"netIn"`
	NetOut    float64 `json:"netOut"`
}
