// Package dns points the public game hostname at the current VM.
package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	ilog "mcctl/internal/log"
)

const (
	DefaultBaseURL = "https://api.cloudflare.com/client/v4"
	recordTTL      = 60
)

type Gateway interface {
	UpdateRecord(ctx context.Context, ip string) error
}

type Options struct {
	BaseURL    string
	APIToken   string
	ZoneID     string
	RecordID   string
	RecordName string
	Timeout    time.Duration
}

// CloudflareConnector PATCHes one pre-existing A record.
type CloudflareConnector struct {
	baseURL *url.URL
	client  *http.Client
	opts    Options
}

type recordPatch struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

type apiResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func NewCloudflareConnector(opts Options) (*CloudflareConnector, error) {
	if opts.APIToken == "" || opts.ZoneID == "" || opts.RecordID == "" {
		return nil, errors.New("cloudflare api token, zone id and record id are required")
	}
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid cloudflare url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid cloudflare url, need scheme and host: %s", base)
	}
	if opts.RecordName == "" {
		opts.RecordName = "mc"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CloudflareConnector{
		baseURL: u,
		client:  &http.Client{Timeout: timeout},
		opts:    opts,
	}, nil
}

func (c *CloudflareConnector) UpdateRecord(ctx context.Context, ip string) error {
	logger := ilog.Component("dns")
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return errors.New("ip is required")
	}

	body, err := json.Marshal(recordPatch{
		Type:    "A",
		Name:    c.opts.RecordName,
		Content: ip,
		TTL:     recordTTL,
		Proxied: false,
	})
	if err != nil {
		return fmt.Errorf("encode dns patch: %w", err)
	}

	endpoint := c.baseURL.JoinPath("zones", c.opts.ZoneID, "dns_records", c.opts.RecordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dns request failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIToken)
	req.Header.Set("Content-Type", "application/json")

	logger.Infof("updating %s A record -> %s", c.opts.RecordName, ip)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("dns request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read dns response failed: %w", err)
	}
	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("cloudflare api error: status %d", resp.StatusCode)
	}
	if !parsed.Success {
		msgs := make([]string, 0, len(parsed.Errors))
		for _, e := range parsed.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("cloudflare api error: %s", strings.Join(msgs, ", "))
	}
	logger.Infof("dns record updated")
	return nil
}

// Noop is used when no DNS provider is configured.
type Noop struct{}

func (Noop) UpdateRecord(ctx context.Context, ip string) error {
	ilog.Component("dns").Warnf("dns not configured, skipping record update for %s", ip)
	return nil
}
