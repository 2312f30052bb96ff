package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/listing-tracker/internal/circuitbreaker"
	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/retry"
	"golang.org/x/time/rate"
)

// estimateRequest is the body POSTed to the price model service
type estimateRequest struct {
	Features Features `json:"features"`
}

// estimateResponse is the price model service reply
type estimateResponse struct {
	PredictedPrice float64 `json:"predicted_price"`
	P10            float64 `json:"p10"`
	P50            float64 `json:"p50"`
	P90            float64 `json:"p90"`
	Confidence     float64 `json:"confidence"`
	Model          string  `json:"model"`
}

// statusError marks an HTTP failure; 5xx and 429 are retried
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("advisor returned HTTP %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests
}

// HTTPAdvisorConfig configures the remote advisor client
type HTTPAdvisorConfig struct {
	URL               string
	Timeout           time.Duration
	Floor             float64
	RetryAttempts     int
	RequestsPerSecond float64
}

// HTTPAdvisor calls a remote price model over HTTP. Calls are rate limited,
// retried with backoff, and guarded by a circuit breaker. Any failure is
// reported as ADVISOR_UNAVAILABLE.
type HTTPAdvisor struct {
	url     string
	floor   float64
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	retry   *retry.RetryConfig
}

// NewHTTPAdvisor creates a remote advisor client
func NewHTTPAdvisor(cfg HTTPAdvisorConfig) *HTTPAdvisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	retryCfg := retry.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.RetryAttempts
	retryCfg.ShouldRetry = func(err error) bool {
		if se, ok := err.(*statusError); ok {
			return se.retryable()
		}
		return err != circuitbreaker.ErrCircuitOpen && err != circuitbreaker.ErrTooManyRequests
	}

	return &HTTPAdvisor{
		url:     cfg.URL,
		floor:   cfg.Floor,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1+int(cfg.RequestsPerSecond)),
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("pricing-advisor")),
		retry:   retryCfg,
	}
}

// Estimate implements Advisor
func (a *HTTPAdvisor) Estimate(ctx context.Context, features Features) (*models.PriceEstimate, error) {
	body, err := json.Marshal(estimateRequest{Features: features})
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("features", err.Error())
	}

	var resp *estimateResponse
	result := retry.WithExponentialBackoff(ctx, a.retry, func(ctx context.Context, attempt int) error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		return a.breaker.Execute(ctx, func() error {
			r, err := a.call(ctx, body)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	})
	if !result.Success {
		return nil, apperrors.NewAdvisorUnavailableError(a.url, result.LastError)
	}

	return Normalize(&models.PriceEstimate{
		PredictedPrice: resp.PredictedPrice,
		P10:            resp.P10,
		P50:            resp.P50,
		P90:            resp.P90,
		Confidence:     resp.Confidence,
		Model:          resp.Model,
		EstimatedAt:    time.Now().UTC(),
	}, a.floor), nil
}

func (a *HTTPAdvisor) call(ctx context.Context, body []byte) (*estimateResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, &statusError{code: res.StatusCode, body: truncate(string(payload), 200)}
	}

	var out estimateResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode advisor response: %w", err)
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
