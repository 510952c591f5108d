// Package marketstate implements domain.MarketStateProvider against an HTTP
// indexer that serves borrower positions and venue quotes.
package marketstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

const rateLimitKey = "provider:snapshot"

// Config configures the HTTP provider.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond caps local polling; Burst defaults to 1.
	RequestsPerSecond float64
	Burst             int
	// SharedLimit and SharedWindow cap polling across replicas when a
	// distributed limiter is installed.
	SharedLimit  int
	SharedWindow time.Duration
	// BreakerFailures consecutive failures open the breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client polls the indexer's /v1/snapshot endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	shared     domain.RateLimiter
	breaker    *gobreaker.CircuitBreaker[domain.Snapshot]
	logger     *slog.Logger
	nowFn      func() time.Time
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(slog.String("component", "marketstate")),
		nowFn:      time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	c.breaker = gobreaker.NewCircuitBreaker[domain.Snapshot](gobreaker.Settings{
		Name:        "marketstate",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return c
}

// SetSharedLimiter installs a distributed limiter, typically Redis backed.
func (c *Client) SetSharedLimiter(l domain.RateLimiter) { c.shared = l }

// Snapshot fetches the current market state. Every failure, including an
// open breaker or an exhausted rate budget, wraps
// domain.ErrProviderUnavailable.
func (c *Client) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.Snapshot{}, fmt.Errorf("marketstate: %w: rate wait: %w", domain.ErrProviderUnavailable, err)
		}
	}
	if c.shared != nil && c.cfg.SharedLimit > 0 {
		ok, err := c.shared.Allow(ctx, rateLimitKey, c.cfg.SharedLimit, c.cfg.SharedWindow)
		if err != nil {
			c.logger.WarnContext(ctx, "shared rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			return domain.Snapshot{}, fmt.Errorf("marketstate: %w: shared rate limit reached", domain.ErrProviderUnavailable)
		}
	}

	snap, err := c.breaker.Execute(func() (domain.Snapshot, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, domain.ErrProviderUnavailable) {
			return domain.Snapshot{}, err
		}
		return domain.Snapshot{}, fmt.Errorf("marketstate: %w: %w", domain.ErrProviderUnavailable, err)
	}
	return snap, nil
}

func (c *Client) fetch(ctx context.Context) (domain.Snapshot, error) {
	body, err := c.doGet(ctx, "/v1/snapshot")
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	var api APISnapshot
	if err := json.Unmarshal(body, &api); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return api.ToDomainSnapshot(c.nowFn()), nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

// BreakerState reports the breaker state for the ops status page.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

var _ domain.MarketStateProvider = (*Client)(nil)
