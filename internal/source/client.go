// Package source fetches server snapshots from the public server feed.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openmohaa/session-tracker/internal/models"
)

// ErrUnavailable is returned when the feed answered with a non-retryable
// status, including 404 for an unknown server code.
var ErrUnavailable = errors.New("source unavailable")

// Config configures the feed client.
type Config struct {
	BaseURL       string
	ListTimeout   time.Duration
	DetailTimeout time.Duration
	// Retries is the number of attempts after the first one.
	Retries       int
	RatePerSecond float64
	HTTPClient    *http.Client
}

// Client reads the server list and per-server details.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	initialInterval time.Duration
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 10 * time.Second
	}
	if cfg.DetailTimeout <= 0 {
		cfg.DetailTimeout = 15 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:             cfg,
		http:            httpClient,
		limiter:         rate.NewLimiter(limit, 1),
		logger:          logger,
		initialInterval: 500 * time.Millisecond,
	}
}

// ListServers returns the server list keyed by server code.
func (c *Client) ListServers(ctx context.Context) (map[string]ServerInfo, error) {
	var out map[string]ServerInfo
	if err := c.getJSON(ctx, strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.ListTimeout, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch server list: %w", err)
	}
	return out, nil
}

// ServerDetails returns the team and player breakdown for one server.
func (c *Client) ServerDetails(ctx context.Context, code string) (*Details, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + url.PathEscape(code)

	var out Details
	if err := c.getJSON(ctx, u, c.cfg.DetailTimeout, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch details for %s: %w", code, err)
	}
	return &out, nil
}

// Snapshot builds the snapshot for one listed server, fetching details only
// when at least minPlayers are present. A failed detail fetch is logged and
// the snapshot is returned without per-player data.
func (c *Client) Snapshot(ctx context.Context, code string, info ServerInfo, minPlayers int, at time.Time) models.Snapshot {
	var details *Details
	if int(info.PlayerCount) >= minPlayers {
		d, err := c.ServerDetails(ctx, code)
		if err != nil {
			c.logger.Warnw("No details this cycle",
				"server", code,
				"op", "details",
				"error", err,
			)
		} else {
			details = d
		}
	}
	return BuildSnapshot(code, info, details, at)
}

func (c *Client) getJSON(ctx context.Context, u string, timeout time.Duration, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.Retries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		return c.fetch(ctx, u, timeout, out)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warnw("Feed request failed, retrying",
			"url", u,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}
	return backoff.RetryNotify(op, policy, notify)
}

func (c *Client) fetch(ctx context.Context, u string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return backoff.Permanent(fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
