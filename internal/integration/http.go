package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/time/rate"

	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/logger"
)

// RetryPolicy bounds the automatic retries of idempotent GET requests.
type RetryPolicy struct {
	// Attempts is the total number of tries including the first (1..10)
	Attempts int
	// Delay is the first backoff; it doubles per attempt up to MaxDelay
	Delay    time.Duration
	MaxDelay time.Duration
}

// ClientOptions carries the transport settings shared by every gateway client.
type ClientOptions struct {
	Timeout        time.Duration
	Retry          RetryPolicy
	RateLimitRPS   float64
	RateLimitBurst int
	Breakers       *CircuitBreakerRegistry
	// HTTPClient overrides the default client built from Timeout
	HTTPClient *http.Client
}

// OptionsFromConfig derives ClientOptions from the application configuration.
func OptionsFromConfig(cfg *config.Config, breakers *CircuitBreakerRegistry) ClientOptions {
	return ClientOptions{
		Timeout: cfg.HTTPTimeout,
		Retry: RetryPolicy{
			Attempts: cfg.HTTPRetryAttempts,
			Delay:    cfg.HTTPRetryDelay,
			MaxDelay: cfg.HTTPRetryMaxDelay,
		},
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Breakers:       breakers,
	}
}

// restClient is the transport shared by the eMulerr and *arr clients: rate
// limited, circuit broken, GETs retried, mutations attempted once.
type restClient struct {
	service    string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *CircuitBreaker
	retry      RetryPolicy
}

func newRestClient(service, baseURL, apiKey string, opts ClientOptions) *restClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if opts.RateLimitRPS > 0 {
		limit = rate.Limit(opts.RateLimitRPS)
	}
	burst := opts.RateLimitBurst
	if burst < 1 {
		burst = 1
	}

	policy := opts.Retry
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Attempts > 10 {
		policy.Attempts = 10
	}

	breakers := opts.Breakers
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig(), nil)
	}

	return &restClient{
		service:    service,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    breakers.Get(service),
		retry:      policy,
	}
}

func (c *restClient) failure(method, path string, code int, err error) *ConnectivityFailure {
	return &ConnectivityFailure{
		Service:    c.service,
		Host:       c.baseURL,
		Operation:  method + " " + path,
		StatusCode: code,
		Err:        err,
	}
}

// getJSON issues a GET with retries and decodes a 2xx body into out.
// A 404 returns ErrNotFound; everything else non-2xx is a *ConnectivityFailure.
func (c *restClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	if !c.breaker.Allow() {
		logger.Warnf("Circuit breaker OPEN for %s - rejecting GET %s", c.service, path)
		return c.failure(http.MethodGet, path, 0, ErrCircuitOpen)
	}

	var body []byte
	err := retry.Do(
		func() error {
			var err error
			body, err = c.once(ctx, http.MethodGet, path, query, nil, "")
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.retry.Attempts)),
		retry.Delay(c.retry.Delay),
		retry.MaxDelay(c.retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			if int(n) < c.retry.Attempts-1 {
				logger.Infof("%s GET %s failed (attempt %d/%d): %v, retrying...", c.service, path, n+1, c.retry.Attempts, err)
			}
		}),
	)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.failure(http.MethodGet, path, 0, ctxErr)
		}
		var se *statusError
		switch {
		case errors.As(err, &se) && se.code == http.StatusNotFound:
			c.breaker.RecordSuccess()
			return fmt.Errorf("%s GET %s: %w", c.service, path, ErrNotFound)
		case isRetryable(err):
			c.breaker.RecordFailure()
		default:
			c.breaker.RecordSuccess()
		}
		code := 0
		if se != nil {
			code = se.code
		}
		return c.failure(http.MethodGet, path, code, err)
	}
	c.breaker.RecordSuccess()

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return c.failure(http.MethodGet, path, 0, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// send issues a single non-idempotent request. Any 2xx is success.
func (c *restClient) send(ctx context.Context, method, path string, query url.Values, body string, contentType string) error {
	if !c.breaker.Allow() {
		logger.Warnf("Circuit breaker OPEN for %s - rejecting %s %s", c.service, method, path)
		return c.failure(method, path, 0, ErrCircuitOpen)
	}

	_, err := c.once(ctx, method, path, query, strings.NewReader(body), contentType)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.failure(method, path, 0, ctxErr)
		}
		if isRetryable(err) {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
		code := 0
		var se *statusError
		if errors.As(err, &se) {
			code = se.code
		}
		return c.failure(method, path, code, err)
	}
	c.breaker.RecordSuccess()
	return nil
}

// once performs exactly one HTTP exchange and returns the body of a 2xx response.
func (c *restClient) once(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode}
	}
	return data, nil
}

// isRetryable reports whether err is a transient status or network error.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		return retryableStatus(se.code)
	}
	if os.IsTimeout(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"eof",
		"connection timed out",
		"temporary failure",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
