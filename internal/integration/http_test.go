package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mescon/stallarr/internal/testutil"
)

func testOptions() ClientOptions {
	return ClientOptions{
		Timeout: 5 * time.Second,
		Retry: RetryPolicy{
			Attempts: 3,
			Delay:    time.Millisecond,
			MaxDelay: 5 * time.Millisecond,
		},
		Breakers: NewCircuitBreakerRegistry(CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     time.Hour,
		}, testutil.NewMockClock()),
	}
}

// countingServer answers with the status returned by fn for each call.
func countingServer(t *testing.T, fn func(n int32, w http.ResponseWriter, r *http.Request)) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		fn(n, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// =============================================================================
// getJSON tests
// =============================================================================

func TestGetJSON_RetriesTransientStatus(t *testing.T) {
	srv, calls := countingServer(t, func(n int32, w http.ResponseWriter, r *http.Request) {
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	})

	c := newRestClient("sonarr", srv.URL, "", testOptions())
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.getJSON(context.Background(), "/api/v3/thing", nil, &out); err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if !out.OK {
		t.Error("Expected decoded body")
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("Expected 3 calls, got %d", got)
	}
}

func TestGetJSON_GivesUpAfterBudget(t *testing.T) {
	srv, calls := countingServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := newRestClient("radarr", srv.URL, "", testOptions())
	err := c.getJSON(context.Background(), "/api/v3/queue", nil, nil)

	cf, ok := AsConnectivityFailure(err)
	if !ok {
		t.Fatalf("Expected ConnectivityFailure, got %v", err)
	}
	if cf.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", cf.StatusCode)
	}
	if cf.Service != "radarr" {
		t.Errorf("Expected service radarr, got %q", cf.Service)
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestGetJSON_NotFound(t *testing.T) {
	srv, calls := countingServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := newRestClient("sonarr", srv.URL, "", testOptions())
	err := c.getJSON(context.Background(), "/api/v3/series/7", nil, nil)

	if !IsNotFound(err) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if _, ok := AsConnectivityFailure(err); ok {
		t.Error("404 should not be a connectivity failure")
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("404 should not be retried, got %d calls", got)
	}
}

func TestGetJSON_ClientErrorNotRetried(t *testing.T) {
	srv, calls := countingServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := newRestClient("sonarr", srv.URL, "bad", testOptions())
	err := c.getJSON(context.Background(), "/api/v3/queue", nil, nil)

	cf, ok := AsConnectivityFailure(err)
	if !ok || cf.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 ConnectivityFailure, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("Expected 1 call, got %d", got)
	}
}

func TestGetJSON_DecodeError(t *testing.T) {
	srv, _ := countingServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html>login</html>`)
	})

	c := newRestClient("emulerr", srv.URL, "", testOptions())
	var out map[string]interface{}
	err := c.getJSON(context.Background(), "/download-client", nil, &out)
	if _, ok := AsConnectivityFailure(err); !ok {
		t.Fatalf("Expected ConnectivityFailure for undecodable body, got %v", err)
	}
}

func TestGetJSON_SetsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv, _ := countingServer(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		fmt.Fprint(w, `{}`)
	})

	c := newRestClient("radarr", srv.URL, "secret-key", testOptions())
	if err := c.getJSON(context.Background(), "/api/v3/movie/1", nil, nil); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if gotKey != "secret-key" {
		t.Errorf("Expected X-Api-Key header, got %q", gotKey)
	}
}

func TestGetJSON_CancelledContext(t *testing.T) {
	srv, _ := countingServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newRestClient("sonarr", srv.URL, "", testOptions())
	err := c.getJSON(ctx, "/api/v3/queue", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestGetJSON_BreakerOpensAfterExhaustedCalls(t *testing.T) {
	srv, calls := countingServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	opts := testOptions()
	opts.Retry.Attempts = 1
	opts.Breakers = NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}, testutil.NewMockClock())
	c := newRestClient("sonarr", srv.URL, "", opts)

	for i := 0; i < 2; i++ {
		_ = c.getJSON(context.Background(), "/api/v3/queue", nil, nil)
	}
	err := c.getJSON(context.Background(), "/api/v3/queue", nil, nil)

	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("Open breaker should not reach the server, got %d calls", got)
	}
}

// =============================================================================
// send tests
// =============================================================================

func TestSend_NotRetried(t *testing.T) {
	srv, calls := countingServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	c := newRestClient("sonarr", srv.URL, "", testOptions())
	err := c.send(context.Background(), http.MethodPost, "/api/v3/history/failed/1", nil, "", "")

	if _, ok := AsConnectivityFailure(err); !ok {
		t.Fatalf("Expected ConnectivityFailure, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("Mutations must not be retried, got %d calls", got)
	}
}

func TestSend_AnySuccessStatus(t *testing.T) {
	srv, _ := countingServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	c := newRestClient("radarr", srv.URL, "", testOptions())
	if err := c.send(context.Background(), http.MethodDelete, "/api/v3/queue/4", nil, "", ""); err != nil {
		t.Errorf("204 should be success, got %v", err)
	}
}

// =============================================================================
// isRetryable tests
// =============================================================================

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"429", &statusError{code: 429}, true},
		{"503", &statusError{code: 503}, true},
		{"400", &statusError{code: 400}, false},
		{"404", &statusError{code: 404}, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"other", errors.New("something odd"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
