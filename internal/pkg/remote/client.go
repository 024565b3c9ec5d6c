// Package remote talks to the prediction endpoint that turns a table into an answer.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tablegate/internal/pkg/apperr"
	"tablegate/internal/pkg/circuitbreaker"
	"tablegate/internal/pkg/config"
	"tablegate/internal/pkg/logger"
	"tablegate/internal/pkg/metrics"
)

// Largest response body we are willing to read
const maxResponseBytes = 4 << 20

type Options struct {
	URL   string
	Field string // request field carrying the input, "question" for Flowise

	Timeout    time.Duration
	MaxRetries int
	// First retry delay, doubled on every attempt
	RetryInterval time.Duration

	RateLimit float64
	RateBurst int

	BreakerThreshold int
	BreakerReset     time.Duration

	HTTPClient *http.Client
}

// Client calls the prediction endpoint with retry, rate limiting and a circuit breaker.
type Client struct {
	opts           Options
	httpClient     *http.Client
	rateLimiter    *rate.Limiter
	circuitBreaker *circuitbreaker.CircuitBreaker
}

func NewClient(opts Options) *Client {
	if opts.Field == "" {
		opts.Field = "question"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		opts:           opts,
		httpClient:     httpClient,
		rateLimiter:    rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		circuitBreaker: circuitbreaker.NewCircuitBreaker("prediction-service", opts.BreakerThreshold, opts.BreakerReset),
	}
}

// NewClientFromConfig builds a client from the process configuration.
func NewClientFromConfig(cfg *config.Config) *Client {
	return NewClient(Options{
		URL:              cfg.PredictionURL,
		Field:            cfg.PredictionField,
		Timeout:          cfg.RemoteTimeout,
		MaxRetries:       cfg.RemoteMaxRetries,
		RateLimit:        cfg.RemoteRateLimit,
		RateBurst:        cfg.RemoteRateBurst,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerReset:     cfg.BreakerReset,
	})
}

type predictionResponse struct {
	Text string `json:"text"`
}

// Predict sends input to the endpoint and returns the answer text.
// Failures are reported as *apperr.RemoteCallError.
func (c *Client) Predict(ctx context.Context, input string) (string, error) {
	body, err := json.Marshal(map[string]string{c.opts.Field: input})
	if err != nil {
		return "", fmt.Errorf("marshal prediction request: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.RetryInterval
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.opts.MaxRetries)), ctx)

	var answer string
	attempt := 0
	operation := func() error {
		attempt++
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		err := c.circuitBreaker.Execute(func() error {
			text, err := c.send(ctx, body)
			if err != nil {
				return err
			}
			answer = text
			return nil
		}, func(err error) bool {
			return ctx.Err() == nil && countsAgainstCircuit(err)
		})

		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrCircuitOpen):
			return backoff.Permanent(&apperr.RemoteCallError{Err: err})
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		}
		var rce *apperr.RemoteCallError
		if errors.As(err, &rce) && rce.Temporary() {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		logger.Log.Warn("Prediction request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, retry, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}
	return answer, nil
}

func (c *Client) send(ctx context.Context, body []byte) (string, error) {
	start := time.Now()
	metrics.RemoteRequests.Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return "", &apperr.RemoteCallError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RemoteErrors.Inc()
		return "", &apperr.RemoteCallError{Err: err}
	}
	defer resp.Body.Close()

	metrics.RemoteLatency.Observe(time.Since(start).Seconds())

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.RemoteErrors.Inc()
		return "", &apperr.RemoteCallError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RemoteErrors.Inc()
		return "", &apperr.RemoteCallError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response %q", strings.TrimSpace(string(truncate(raw, 200)))),
		}
	}

	var decoded predictionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		metrics.RemoteErrors.Inc()
		return "", &apperr.RemoteCallError{StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if strings.TrimSpace(decoded.Text) == "" {
		metrics.RemoteErrors.Inc()
		return "", &apperr.RemoteCallError{StatusCode: resp.StatusCode, Err: errors.New("response has no text")}
	}
	return decoded.Text, nil
}

// Only outages count against the circuit, not bad requests.
func countsAgainstCircuit(err error) bool {
	var rce *apperr.RemoteCallError
	if errors.As(err, &rce) {
		return rce.Temporary()
	}
	return true
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.circuitBreaker.State()
}
