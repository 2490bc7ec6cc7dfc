// Package learning implements the HTTP client of the learning system.
// It reads per-user activity snapshots and enrolment lists.
package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/circuitbreaker"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the learning API client.
type ClientConfig struct {
	// BaseURL is the learning API base URL
	BaseURL string

	// Token is sent as a bearer token when set
	Token string

	// Timeout is the per-request HTTP timeout
	Timeout time.Duration

	// RateLimit is requests per second; Burst is the bucket size
	RateLimit float64
	Burst     int

	// MaxAttempts per request, including the first
	MaxAttempts int

	// Breaker settings
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// PageSize for user listing
	PageSize int

	Logger     *slog.Logger
	HTTPClient *http.Client
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:          baseURL,
		Timeout:          10 * time.Second,
		RateLimit:        20,
		Burst:            5,
		MaxAttempts:      3,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
		PageSize:         500,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client reads snapshots and enrolments from the learning system.
type Client struct {
	config     ClientConfig
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	retrier    *retry.Retrier

	// snapshots collapses concurrent reads of the same user and scope.
	snapshots singleflight.Group
}

// NewClient creates a new learning API client.
func NewClient(config ClientConfig) (*Client, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("learning: invalid base url %q", config.BaseURL)
	}
	if config.Logger == nil {
		config.Logger = logger.Discard()
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 20
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.PageSize <= 0 {
		config.PageSize = 500
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	log := config.Logger.With(logger.Component("learning_client"))
	c := &Client{
		config:     config,
		baseURL:    base,
		httpClient: httpClient,
		logger:     log,
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
	}
	c.breaker = circuitbreaker.LearningSourceBreaker(
		config.BreakerThreshold,
		config.BreakerCooldown,
		func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		isRetryable,
	)
	c.retrier = retry.LearningSourceRetrier(config.MaxAttempts, isRetryable,
		func(attempt int, err error, delay time.Duration) {
			log.Debug("retrying request",
				slog.Int("attempt", attempt),
				logger.Latency(delay),
				logger.Err(err),
			)
		})
	return c, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT READER
// ══════════════════════════════════════════════════════════════════════════════

// ReadSnapshot fetches the activities of user in scope.
// The site scope is requested as course 0. Concurrent calls for the same
// user and scope share one request; each caller gets its own copy.
func (c *Client) ReadSnapshot(ctx context.Context, user shared.UserID, scope shared.Scope) (achievement.Snapshot, error) {
	key := strconv.FormatInt(user.Int64(), 10) + "/" + scope.Key()
	v, err, _ := c.snapshots.Do(key, func() (any, error) {
		return c.fetchSnapshot(ctx, user, scope)
	})
	if err != nil {
		return achievement.Snapshot{}, err
	}
	snap := v.(achievement.Snapshot)
	snap.Activities = append([]achievement.Activity(nil), snap.Activities...)
	return snap, nil
}

func (c *Client) fetchSnapshot(ctx context.Context, user shared.UserID, scope shared.Scope) (achievement.Snapshot, error) {
	path := fmt.Sprintf("/api/v1/users/%d/activities", user.Int64())
	query := url.Values{"course_id": {strconv.FormatInt(scope.CourseID, 10)}}

	var resp APIResponse[SnapshotDTO]
	if err := c.get(ctx, path, query, &resp); err != nil {
		return achievement.Snapshot{}, fmt.Errorf("read snapshot %d/%s: %w", user, scope, err)
	}
	if !resp.Success {
		return achievement.Snapshot{}, fmt.Errorf("read snapshot %d/%s: api error: %s", user, scope, resp.Error)
	}
	return SnapshotFromDTO(resp.Data, user, scope)
}

// ══════════════════════════════════════════════════════════════════════════════
// USER SOURCE
// ══════════════════════════════════════════════════════════════════════════════

// Users lists all active users, walking every page.
func (c *Client) Users(ctx context.Context) ([]shared.UserID, error) {
	var out []shared.UserID
	seen := make(map[int64]bool)

	for page := 1; ; page++ {
		query := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(c.config.PageSize)},
		}
		var resp APIResponse[UsersPageDTO]
		if err := c.get(ctx, "/api/v1/users", query, &resp); err != nil {
			return nil, fmt.Errorf("list users page %d: %w", page, err)
		}
		if !resp.Success {
			return nil, fmt.Errorf("list users page %d: api error: %s", page, resp.Error)
		}
		for _, id := range resp.Data.Users {
			if id > 0 && !seen[id] {
				seen[id] = true
				out = append(out, shared.UserID(id))
			}
		}
		if resp.Meta == nil || page >= resp.Meta.TotalPages || len(resp.Data.Users) == 0 {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Scopes lists the course scopes of user.
func (c *Client) Scopes(ctx context.Context, user shared.UserID) ([]shared.Scope, error) {
	var resp APIResponse[CoursesDTO]
	if err := c.get(ctx, fmt.Sprintf("/api/v1/users/%d/courses", user.Int64()), nil, &resp); err != nil {
		return nil, fmt.Errorf("list courses of %d: %w", user, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("list courses of %d: api error: %s", user, resp.Error)
	}
	return ScopesFromDTO(resp.Data), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP
// ══════════════════════════════════════════════════════════════════════════════

// get runs one logical request: breaker, then retries, each attempt
// waiting on the rate limiter.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(fmt.Errorf("rate limiter: %w", err))
			}
			return c.doSingleRequest(ctx, path, query, result)
		})
	})
}

func (c *Client) doSingleRequest(ctx context.Context, path string, query url.Values, result any) error {
	u := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("learning api request",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		logger.Latency(time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIErrorDTO{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}

	if err := json.Unmarshal(body, result); err != nil {
		return retry.Permanent(fmt.Errorf("parse response: %w", err))
	}
	return nil
}

// isRetryable reports transient failures: network errors, 429 and 5xx.
func isRetryable(err error) bool {
	if err == nil || retry.IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIErrorDTO
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Ping checks the breaker state.
func (c *Client) Ping(_ context.Context) error {
	if c.breaker.State() == circuitbreaker.StateOpen {
		return circuitbreaker.ErrCircuitOpen
	}
	return nil
}
