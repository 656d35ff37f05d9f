// File: internal/network/requester.go
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/ctibridge/internal/observability"
)

// Retry defaults. Five retries with a multiplier of two.
const (
	DefaultMaxRetries      = 5
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultMultiplier      = 2.0
)

// HTTPDoer is the subset of *http.Client the requester depends on.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryPolicy controls which failures are retried and how often.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// RetryStatuses lists the HTTP statuses treated as transient. Empty means 429 only.
	RetryStatuses []int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      DefaultMaxRetries,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultMultiplier,
		RetryStatuses:   []int{http.StatusTooManyRequests},
	}
}

func (p RetryPolicy) retryable(status int) bool {
	if len(p.RetryStatuses) == 0 {
		return status == http.StatusTooManyRequests
	}
	for _, s := range p.RetryStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = orDefault(p.InitialInterval, DefaultInitialInterval)
	b.MaxInterval = orDefault(p.MaxInterval, DefaultMaxInterval)
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = DefaultMultiplier
	}
	// The attempt ceiling bounds the loop, not the elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RequesterConfig configures a Requester.
type RequesterConfig struct {
	// Name labels log records and metrics, e.g. "silobreaker".
	Name       string
	Retry      RetryPolicy
	Authorizer Authorizer
	// RateLimit is the sustained requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	UserAgent string
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Request is one outbound call.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Requester performs authenticated, rate-limited calls with bounded retries.
// Transient failures (retryable statuses and network errors) are retried with
// exponential backoff; every other failure is returned immediately.
type Requester struct {
	doer    HTTPDoer
	cfg     RequesterConfig
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewRequester creates a requester on top of doer.
func NewRequester(doer HTTPDoer, cfg RequesterConfig) *Requester {
	if doer == nil {
		doer = NewClient(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.Retry.Multiplier == 0 && cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialInterval == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	r := &Requester{
		doer: doer,
		cfg:  cfg,
		log:  cfg.Logger.Named("transport").With(zap.String("client", cfg.Name)),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return r
}

// Do executes req. On success the response has a 2xx status. Failures are
// returned as *RequestError; exhausted retries wrap ErrRetriesExhausted.
func (r *Requester) Do(ctx context.Context, req Request) (*Response, error) {
	var (
		result   *Response
		attempts int
	)

	operation := func() error {
		attempts++
		if attempts > 1 {
			r.cfg.Metrics.ObserveRetry(r.cfg.Name)
		}

		resp, err := r.attempt(ctx, req)
		if err == nil {
			result = resp
			return nil
		}

		var reqErr *RequestError
		if !errors.As(err, &reqErr) {
			return backoff.Permanent(err)
		}
		reqErr.Attempts = attempts
		if r.transient(ctx, reqErr) {
			r.log.Warn("Transient failure, retrying",
				zap.String("method", req.Method),
				zap.String("url", req.URL),
				zap.Int("status", reqErr.StatusCode),
				zap.Int("attempt", attempts),
				zap.Error(reqErr.Err),
			)
			return reqErr
		}
		return backoff.Permanent(reqErr)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(r.cfg.Retry.backOff(), r.cfg.Retry.MaxRetries), ctx)
	err := backoff.Retry(operation, policy)
	if err == nil {
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) && r.transient(ctx, reqErr) {
		exhausted := *reqErr
		exhausted.Err = fmt.Errorf("%w: %v", ErrRetriesExhausted, reqErr.Err)
		r.log.Error("Request failed after retries",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Int("status", reqErr.StatusCode),
			zap.Int("attempts", attempts),
		)
		return nil, &exhausted
	}
	return nil, err
}

// transient reports whether a failure may succeed when retried.
func (r *Requester) transient(ctx context.Context, err *RequestError) bool {
	if ctx.Err() != nil || errors.Is(err, ErrAuthentication) {
		return false
	}
	if err.StatusCode == 0 {
		// Connection resets, refused connections and client timeouts.
		return !errors.Is(err.Err, context.Canceled)
	}
	return r.cfg.Retry.retryable(err.StatusCode)
}

func (r *Requester) attempt(ctx context.Context, req Request) (*Response, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if r.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	if r.cfg.Authorizer != nil {
		if err := r.cfg.Authorizer.Authorize(ctx, httpReq, req.Body); err != nil {
			return nil, err
		}
	}

	resp, err := r.doer.Do(httpReq)
	if err != nil {
		r.cfg.Metrics.ObserveRequest(r.cfg.Name, req.Method, 0)
		return nil, &RequestError{Method: req.Method, URL: req.URL, Err: err}
	}
	defer resp.Body.Close()
	r.cfg.Metrics.ObserveRequest(r.cfg.Name, req.Method, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Method: req.Method, URL: req.URL, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := &RequestError{
			Method:     req.Method,
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Body:       truncateBody(raw),
			Err:        fmt.Errorf("unexpected status %s", http.StatusText(resp.StatusCode)),
		}
		if resp.StatusCode == http.StatusUnauthorized {
			if inv, ok := r.cfg.Authorizer.(interface{ Invalidate() }); ok {
				inv.Invalidate()
			}
			reqErr.Err = fmt.Errorf("%w: %s", ErrAuthentication, http.StatusText(resp.StatusCode))
		}
		return nil, reqErr
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

// GetJSON performs a GET and decodes the JSON response into out.
func (r *Requester) GetJSON(ctx context.Context, url string, out interface{}) error {
	return r.JSON(ctx, http.MethodGet, url, nil, out)
}

// JSON performs a call with an optional JSON body and decodes the response into out.
// A nil out discards the response body.
func (r *Requester) JSON(ctx context.Context, method, url string, in, out interface{}) error {
	req := Request{Method: method, URL: url, Header: http.Header{"Accept": {"application/json"}}}
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		req.Body = payload
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &RequestError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       truncateBody(resp.Body),
			Err:        fmt.Errorf("failed to decode response: %w", err),
		}
	}
	return nil
}
