package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/aristath/autoqueue/internal/logging"
)

// HTTPConfig configures an HTTPNotifier.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration // per request (default 5s)

	RatePerSecond float64 // sustained request rate (default 10)
	Burst         int     // default 5

	InitialInterval time.Duration // first retry delay (default 100ms)
	MaxInterval     time.Duration // default 5s
	MaxElapsedTime  time.Duration // total retry budget (default 30s)

	BreakerFailures uint32        // consecutive failures that open the breaker (default 5)
	BreakerTimeout  time.Duration // open-state duration before probing (default 30s)
}

func (c *HTTPConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = 30 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hook returned %d: %s", e.Code, e.Body)
}

// HTTPNotifier POSTs notifications as JSON. Delivery is rate limited, retried
// with exponential backoff and guarded by a circuit breaker so a dead endpoint
// is not hammered.
type HTTPNotifier struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewHTTPNotifier creates a notifier for cfg.URL.
func NewHTTPNotifier(cfg HTTPConfig, logger *slog.Logger) (*HTTPNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("hooks: URL is required")
	}
	cfg.applyDefaults()
	logger = logging.Component(logger, "hooks")

	n := &HTTPNotifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger,
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "hook:" + cfg.URL,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return n, nil
}

// Notify delivers n, retrying transient failures. Client errors (4xx) and an
// open breaker are not retried.
func (h *HTTPNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err := h.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		_, err := h.breaker.Execute(func() (interface{}, error) {
			return nil, h.post(ctx, body)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		var se *StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.cfg.InitialInterval
	policy.MaxInterval = h.cfg.MaxInterval
	policy.MaxElapsedTime = h.cfg.MaxElapsedTime

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func (h *HTTPNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// BreakerState reports the circuit breaker state, for status endpoints.
func (h *HTTPNotifier) BreakerState() string {
	return h.breaker.State().String()
}
