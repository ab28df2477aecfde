package whoop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"whoop-sync/internal/metrics"
)

const (
	DefaultAPIBaseURL = "https://api.prod.whoop.com/developer"
	DefaultAuthURL    = "https://api.prod.whoop.com/oauth/oauth2/auth"
	DefaultTokenURL   = "https://api.prod.whoop.com/oauth/oauth2/token"

	maxResponseBytes = 10 << 20
	breakerName      = "whoop-api"
)

// DefaultScopes are requested on every authorization
var DefaultScopes = []string{
	"read:recovery",
	"read:cycles",
	"read:sleep",
	"read:workout",
	"read:profile",
	"read:body_measurement",
	"offline",
}

// Config is everything the client needs. There is no package-level state.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	APIBaseURL string
	AuthURL    string
	TokenURL   string

	Timeout              time.Duration
	MaxRetries           int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	RatePerSecond        float64
	RateBurst            int
	MaxConcurrent        int64
	MaxConcurrentPerUser int64
}

func (c Config) withDefaults() Config {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = DefaultScopes
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = int(c.RatePerSecond) + 1
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.MaxConcurrentPerUser <= 0 {
		c.MaxConcurrentPerUser = 4
	}
	return c
}

// Client is a WHOOP API client. All retry decisions for vendor calls are made
// here; callers never retry on their own.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	limiter *rate.Limiter
	global  *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker[[]byte]

	mu       sync.Mutex
	perUser  map[string]*semaphore.Weighted
	rlStatus RateLimitStatus

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// RateLimitStatus is the last rate limit state reported by WHOOP
type RateLimitStatus struct {
	Limit       int
	Remaining   int
	ResetIn     time.Duration
	LastUpdated time.Time
}

// NewClient creates a new WHOOP API client
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		global:     semaphore.NewWeighted(cfg.MaxConcurrent),
		perUser:    make(map[string]*semaphore.Weighted),
		sleep:      sleepCtx,
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return c
}

// Config returns the effective configuration
func (c *Client) Config() Config {
	return c.cfg
}

// SetHTTPClient overrides the HTTP client used for API and token calls
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// RateLimitStatus returns the last observed vendor rate limit headers
func (c *Client) RateLimitStatus() RateLimitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rlStatus
}

type userKey struct{}

// WithUser tags ctx with the local user on whose behalf calls are made.
// Calls carrying a user share that user's concurrency cap.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func userFrom(ctx context.Context) string {
	s, _ := ctx.Value(userKey{}).(string)
	return s
}

func (c *Client) userSemaphore(userID string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.perUser[userID]
	if !ok {
		s = semaphore.NewWeighted(c.cfg.MaxConcurrentPerUser)
		c.perUser[userID] = s
	}
	return s
}

// Get performs an authenticated GET and returns the response body
func (c *Client) Get(ctx context.Context, path, accessToken string, query url.Values) ([]byte, error) {
	return c.get(ctx, metrics.OpUnknownOperation, path, accessToken, query)
}

func (c *Client) get(ctx context.Context, op, path, accessToken string, query url.Values) ([]byte, error) {
	u := c.cfg.APIBaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}

// do runs the request under the rate limiter, concurrency caps and circuit
// breaker, retrying rate limits, server errors and network failures with
// backoff up to MaxRetries times
func (c *Client) do(ctx context.Context, op string, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	return c.send(ctx, op, c.cfg.MaxRetries, build)
}

// doOnce sends the request a single time. Token grants use it: a rotated
// refresh token is spent once WHOOP has seen it, even if the response is lost.
func (c *Client) doOnce(ctx context.Context, op string, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	return c.send(ctx, op, 0, build)
}

func (c *Client) send(ctx context.Context, op string, maxRetries int, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	if user := userFrom(ctx); user != "" {
		sem := c.userSemaphore(user)
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer sem.Release(1)
	}
	if err := c.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.global.Release(1)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.breaker.Execute(func() ([]byte, error) {
			return c.attempt(ctx, op, build)
		})
		if err == nil {
			return body, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr = err
		if !retryable(err) || attempt >= maxRetries {
			break
		}

		delay := c.backoff(attempt, err)
		reason := "server_error"
		switch {
		case errors.Is(err, ErrRateLimited):
			reason = "rate_limited"
		case errors.Is(err, ErrNetwork):
			reason = "network"
		}
		metrics.WhoopAPIRetriesTotal.WithLabelValues(reason).Inc()
		c.logger.Info("Retrying WHOOP request", "operation", op, "attempt", attempt+1, "reason", reason, "delay_ms", delay.Milliseconds())

		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	if maxRetries > 0 && retryable(lastErr) {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, op string, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		metrics.WhoopAPIRequestsTotal.WithLabelValues(op, "error").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("WHOOP request failed", "operation", op, "error", err, "duration_ms", duration.Milliseconds())
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	status := strconv.Itoa(resp.StatusCode)
	metrics.WhoopAPIRequestsTotal.WithLabelValues(op, status).Inc()
	metrics.WhoopAPIRequestDuration.WithLabelValues(op, status).Observe(duration.Seconds())
	c.trackRateLimit(resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrNetwork, err)
	}

	c.logger.Debug("WHOOP API request", "operation", op, "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	return nil, &HTTPError{
		StatusCode: resp.StatusCode,
		Body:       truncate(string(body), 512),
		RetryAfter: parseRetryAfter(resp.Header),
	}
}

// backoff is exponential in the attempt number. Rate limits use full jitter
// and never wait less than the server's Retry-After.
func (c *Client) backoff(attempt int, err error) time.Duration {
	ceiling := c.cfg.InitialBackoff << attempt
	if ceiling <= 0 || ceiling > c.cfg.MaxBackoff {
		ceiling = c.cfg.MaxBackoff
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		delay := time.Duration(rand.Int64N(int64(ceiling) + 1))
		if httpErr.RetryAfter > delay {
			delay = httpErr.RetryAfter
		}
		return delay
	}
	return ceiling
}

func (c *Client) trackRateLimit(h http.Header) {
	limit, errL := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	remaining, errR := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if errL != nil || errR != nil {
		return
	}
	reset, _ := strconv.Atoi(h.Get("X-RateLimit-Reset"))

	c.mu.Lock()
	c.rlStatus = RateLimitStatus{
		Limit:       limit,
		Remaining:   remaining,
		ResetIn:     time.Duration(reset) * time.Second,
		LastUpdated: time.Now(),
	}
	c.mu.Unlock()

	metrics.WhoopRateLimitLimit.Set(float64(limit))
	metrics.WhoopRateLimitRemaining.Set(float64(remaining))
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
