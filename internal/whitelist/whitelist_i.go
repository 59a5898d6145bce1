package whitelist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultProfileURL = "https://api.mojang.com/users/profiles/minecraft/"

// MojangConnector resolves player names to account UUIDs.
type MojangConnector struct {
	baseURL *url.URL
	client  *http.Client
}

type profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func NewMojangConnector(baseURL string, timeout time.Duration) (*MojangConnector, error) {
	normalized := strings.TrimSpace(baseURL)
	if normalized == "" {
		normalized = DefaultProfileURL
	}
	if !strings.HasSuffix(normalized, "/") {
		normalized += "/"
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid profile url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid profile url, need scheme and host: %s", normalized)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MojangConnector{
		baseURL: u,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// LookupUUID returns "" without error when the name has no account.
func (c *MojangConnector) LookupUUID(ctx context.Context, username string) (string, error) {
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: url.PathEscape(username)})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("profile lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return "", nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("profile lookup status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return "", fmt.Errorf("decode profile: %w", err)
	}
	return p.ID, nil
}
