package hetzner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mcctl/internal/cost"
	ilog "mcctl/internal/log"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

const metricsWindow = 5 * time.Minute

type Options struct {
	Token    string
	Endpoint string
	Image    string
	// SSHKey is an id or name; empty means no key is attached.
	SSHKey string
	Now    func() time.Time
}

type HCloudGateway struct {
	client *hcloud.Client
	opts   Options
}

func NewHCloudGateway(opts Options) (*HCloudGateway, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("hcloud token is required")
	}
	if opts.Image == "" {
		opts.Image = "ubuntu-24.04"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	clientOpts := []hcloud.ClientOption{
		hcloud.WithToken(opts.Token),
		hcloud.WithApplication("mcctl", "1.0"),
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, hcloud.WithEndpoint(opts.Endpoint))
	}
	return &HCloudGateway{client: hcloud.NewClient(clientOpts...), opts: opts}, nil
}

func (g *HCloudGateway) CreateVM(ctx context.Context, req CreateRequest) (CreatedVM, error) {
	logger := ilog.Component("hetzner")
	if !req.Region.Valid() {
		return CreatedVM{}, fmt.Errorf("unknown region %q", req.Region)
	}
	serverType := cost.ServerType(req.Region)

	createOpts := hcloud.ServerCreateOpts{
		Name:             req.Name,
		ServerType:       &hcloud.ServerType{Name: serverType},
		Image:            &hcloud.Image{Name: g.opts.Image},
		Location:         &hcloud.Location{Name: cost.Location(req.Region)},
		UserData:         req.UserData,
		StartAfterCreate: boolPtr(true),
		Labels: map[string]string{
			LabelManagedBy: ManagedByValue,
			"region":       string(req.Region),
		},
	}
	if g.opts.SSHKey != "" {
		key, err := g.resolveSSHKey(ctx)
		if err != nil {
			return CreatedVM{}, err
		}
		createOpts.SSHKeys = []*hcloud.SSHKey{key}
	}

	logger.Infof("creating server name=%s type=%s location=%s", req.Name, serverType, cost.Location(req.Region))
	result, _, err := g.client.Server.Create(ctx, createOpts)
	if err != nil {
		return CreatedVM{}, fmt.Errorf("hetzner create server: %w", err)
	}
	if result.Server == nil {
		return CreatedVM{}, errors.New("hetzner create server: empty response")
	}
	vm := CreatedVM{
		ID:         strconv.FormatInt(result.Server.ID, 10),
		IP:         publicIP(result.Server),
		ServerType: serverType,
	}
	logger.Infof("server created id=%s ip=%s", vm.ID, vm.IP)
	return vm, nil
}

func (g *HCloudGateway) resolveSSHKey(ctx context.Context) (*hcloud.SSHKey, error) {
	if id, err := strconv.ParseInt(g.opts.SSHKey, 10, 64); err == nil {
		return &hcloud.SSHKey{ID: id}, nil
	}
	key, _, err := g.client.SSHKey.GetByName(ctx, g.opts.SSHKey)
	if err != nil {
		return nil, fmt.Errorf("hetzner lookup ssh key %q: %w", g.opts.SSHKey, err)
	}
	if key == nil {
		return nil, fmt.Errorf("hetzner ssh key %q not found", g.opts.SSHKey)
	}
	return key, nil
}

func (g *HCloudGateway) DeleteVM(ctx context.Context, id string) error {
	server, err := serverRef(id)
	if err != nil {
		return err
	}
	ilog.Component("hetzner").Infof("deleting server id=%s", id)
	if _, _, err := g.client.Server.DeleteWithResult(ctx, server); err != nil {
		return fmt.Errorf("hetzner delete server %s: %w", id, err)
	}
	return nil
}

func (g *HCloudGateway) GetVM(ctx context.Context, id string) (*VM, error) {
	server, err := g.getServer(ctx, id)
	if err != nil || server == nil {
		return nil, err
	}
	vm := toVM(server)
	return &vm, nil
}

func (g *HCloudGateway) getServer(ctx context.Context, id string) (*hcloud.Server, error) {
	ref, err := serverRef(id)
	if err != nil {
		return nil, err
	}
	server, _, err := g.client.Server.GetByID(ctx, ref.ID)
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("hetzner get server %s: %w", id, err)
	}
	return server, nil
}

// ShutdownVM sends an ACPI shutdown and returns without waiting for it.
func (g *HCloudGateway) ShutdownVM(ctx context.Context, id string) error {
	server, err := serverRef(id)
	if err != nil {
		return err
	}
	ilog.Component("hetzner").Infof("requesting graceful shutdown id=%s", id)
	if _, _, err := g.client.Server.Shutdown(ctx, server); err != nil {
		return fmt.Errorf("hetzner shutdown server %s: %w", id, err)
	}
	return nil
}

func (g *HCloudGateway) ListVMs(ctx context.Context) ([]VM, error) {
	servers, err := g.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{LabelSelector: LabelManagedBy + "=" + ManagedByValue},
	})
	if err != nil {
		return nil, fmt.Errorf("hetzner list servers: %w", err)
	}
	out := make([]VM, 0, len(servers))
	for _, s := range servers {
		out = append(out, toVM(s))
	}
	return out, nil
}

func (g *HCloudGateway) GetMetrics(ctx context.Context, id string) (*Metrics, error) {
	server, err := g.getServer(ctx, id)
	if err != nil || server == nil {
		return nil, err
	}
	end := g.opts.Now()
	metrics, _, err := g.client.Server.GetMetrics(ctx, server, hcloud.ServerGetMetricsOpts{
		Types: []hcloud.ServerMetricType{hcloud.ServerMetricCPU, hcloud.ServerMetricDisk, hcloud.ServerMetricNetwork},
		Start: end.Add(-metricsWindow),
		End:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("hetzner metrics %s: %w", id, err)
	}
	if metrics == nil || len(metrics.TimeSeries) == 0 {
		return nil, nil
	}
	return &Metrics{
		CPU:       latest(metrics.TimeSeries["cpu"]),
		DiskRead:  latest(metrics.TimeSeries["disk.0.bandwidth.read"]),
		DiskWrite: latest(metrics.TimeSeries["disk.0.bandwidth.write"]),
		NetIn:     latest(metrics.TimeSeries["network.0.bandwidth.in"]),
		NetOut:    latest(metrics.TimeSeries["network.0.bandwidth.out"]),
	}, nil
}

func latest(series []hcloud.ServerMetricsValue) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		v, err := strconv.ParseFloat(series[i].Value, 64)
		if err == nil {
			return v
		}
	}
	return 0
}

func serverRef(id string) (*hcloud.Server, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid server id %q", id)
	}
	return &hcloud.Server{ID: n}, nil
}

func toVM(s *hcloud.Server) VM {
	vm := VM{
		ID:      strconv.FormatInt(s.ID, 10),
		Name:    s.Name,
		Status:  string(s.Status),
		IP:      publicIP(s),
		Labels:  s.Labels,
		Created: s.Created,
	}
	if s.ServerType != nil {
		vm.ServerType = s.ServerType.Name
	}
	if s.Datacenter != nil && s.Datacenter.Location != nil {
		vm.Location = s.Datacenter.Location.Name
	}
	return vm
}

func publicIP(s *hcloud.Server) string {
	if s.PublicNet.IPv4.IP == nil {
		return ""
	}
	return s.PublicNet.IPv4.IP.String()
}

func boolPtr(b bool) *bool { return &b }
