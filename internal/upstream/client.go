// Package upstream provides the client for the external stats provider.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"statboard/internal/domain"
)

// ErrNotFound means the provider has no data for the requested context id.
var ErrNotFound = errors.New("context not found upstream")

// ErrUnavailable means the provider could not be reached or answered with a
// server error. The condition is transient and worth retrying.
var ErrUnavailable = errors.New("stats provider unavailable")

// Fetcher is the narrow port the dispatcher depends on.
type Fetcher interface {
	// FetchSnapshot returns the player profile and match records for a
	// context id. The result is cacheable verbatim across filter changes
	// that do not invalidate it.
	FetchSnapshot(ctx context.Context, contextID string) (*domain.Snapshot, error)
}

// Config holds configuration for the stats-provider client.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:9090",
		RequestTimeout: 10 * time.Second,
	}
}

// Client is an HTTP client for the stats provider's REST API.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewClient creates a stats-provider client, failing fast on an unusable
// base URL.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg = DefaultConfig()
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid stats provider base URL %q", cfg.BaseURL)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().RequestTimeout
	}
	return &Client{
		baseURL: parsed.String(),
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// snapshotPayload is the provider's wire shape for a snapshot response.
type snapshotPayload struct {
	Profile *domain.PlayerProfile `json:"profile"`
	Matches []domain.MatchRecord  `json:"matches"`
}

// FetchSnapshot retrieves the full record set for a context id.
func (c *Client) FetchSnapshot(ctx context.Context, contextID string) (*domain.Snapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/players/%s/snapshot", c.baseURL, url.PathEscape(contextID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot for %s: %w: %w", contextID, ErrUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close snapshot response body", "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, contextID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d for %s", ErrUnavailable, resp.StatusCode, contextID)
	}

	var payload snapshotPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", contextID, err)
	}

	return &domain.Snapshot{
		Profile:   payload.Profile,
		Matches:   payload.Matches,
		FetchedAt: time.Now(),
	}, nil
}
