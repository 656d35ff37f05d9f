package network

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/internal/observability"
)

func fastRetry(max uint64) RetryPolicy {
	return RetryPolicy{
		MaxRetries:      max,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

type staticBearer string

func (b staticBearer) Authorize(_ context.Context, req *http.Request, _ []byte) error {
	req.Header.Set("Authorization", "Bearer "+string(b))
	return nil
}

func newTestRequester(t *testing.T, cfg RequesterConfig) *Requester {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return NewRequester(NewClient(nil), cfg)
}

func TestRequester_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("should retry exactly the configured number of times on 429", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		metrics, err := observability.NewMetrics(nil)
		require.NoError(t, err)
		r := newTestRequester(t, RequesterConfig{Name: "test", Retry: fastRetry(3), Metrics: metrics})

		_, err = r.Do(ctx, Request{Method: http.MethodGet, URL: server.URL + "/items"})
		require.Error(t, err)

		assert.Equal(t, int32(4), atomic.LoadInt32(&hits), "one attempt plus three retries")
		assert.ErrorIs(t, err, ErrRetriesExhausted)

		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, http.StatusTooManyRequests, reqErr.StatusCode)
		assert.Equal(t, 4, reqErr.Attempts)
		assert.Contains(t, err.Error(), "GET "+server.URL+"/items")

		assert.Equal(t, 3.0, testutil.ToFloat64(metrics.RetryCount("test")))
		assert.Equal(t, 4.0, testutil.ToFloat64(metrics.RequestCount("test", "GET", "429")))
	})

	t.Run("should succeed once the rate limit clears", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&hits, 1) < 3 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		r := newTestRequester(t, RequesterConfig{Retry: fastRetry(5)})
		var out struct{ OK bool }
		require.NoError(t, r.GetJSON(ctx, server.URL, &out))
		assert.True(t, out.OK)
		assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	})

	t.Run("should not retry permanent client errors", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			http.Error(w, "nope", http.StatusBadRequest)
		}))
		defer server.Close()

		r := newTestRequester(t, RequesterConfig{Retry: fastRetry(5)})
		_, err := r.Do(ctx, Request{Method: http.MethodPost, URL: server.URL, Body: []byte(`{}`)})

		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
		assert.NotErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, http.StatusBadRequest, StatusCode(err))
		assert.Contains(t, err.Error(), "POST "+server.URL)
	})

	t.Run("should treat 401 as an authentication failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		r := newTestRequester(t, RequesterConfig{Retry: fastRetry(5), Authorizer: staticBearer("stale")})
		_, err := r.Do(ctx, Request{Method: http.MethodGet, URL: server.URL})
		assert.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("should stop promptly when the context is cancelled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		r := newTestRequester(t, RequesterConfig{Retry: fastRetry(5)})
		_, err := r.Do(cctx, Request{Method: http.MethodGet, URL: server.URL})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should send headers, body and authorization", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "ctibridge-test", r.Header.Get("User-Agent"))
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"mode":"compact"}`, string(body))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		r := newTestRequester(t, RequesterConfig{
			Retry:      fastRetry(1),
			Authorizer: staticBearer("abc"),
			UserAgent:  "ctibridge-test",
		})
		require.NoError(t, r.JSON(ctx, http.MethodPatch, server.URL, map[string]string{"mode": "compact"}, nil))
	})

	t.Run("should report undecodable bodies with the request context", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>maintenance</html>"))
		}))
		defer server.Close()

		r := newTestRequester(t, RequesterConfig{Retry: fastRetry(1)})
		var out map[string]interface{}
		err := r.GetJSON(ctx, server.URL, &out)

		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, http.StatusOK, reqErr.StatusCode)
		assert.Contains(t, reqErr.Body, "maintenance")
	})

	t.Run("should fail without retrying when authorization fails", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
		}))
		defer server.Close()

		authErr := errors.New("no credentials")
		failing := authorizerFunc(func(context.Context, *http.Request, []byte) error { return authErr })
		r := newTestRequester(t, RequesterConfig{Retry: fastRetry(3), Authorizer: failing})
		_, err := r.Do(ctx, Request{Method: http.MethodGet, URL: server.URL})
		assert.ErrorIs(t, err, authErr)
		assert.Zero(t, atomic.LoadInt32(&hits))
	})
}

type authorizerFunc func(ctx context.Context, req *http.Request, body []byte) error

func (f authorizerFunc) Authorize(ctx context.Context, req *http.Request, body []byte) error {
	return f(ctx, req, body)
}
