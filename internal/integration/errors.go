package integration

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when a remote resource answers 404.
var ErrNotFound = errors.New("resource not found")

// ConnectivityFailure means a remote service could not be reached or answered
// with an unexpected status. Callers abort the current cycle on it.
type ConnectivityFailure struct {
	// Service is the logical service: "emulerr", "sonarr", "radarr" or "qbittorrent"
	Service string
	// Host is the configured base URL
	Host string
	// Operation is "<METHOD> <path>"
	Operation string
	// StatusCode is 0 when no response was received
	StatusCode int
	Err        error
}

func (e *ConnectivityFailure) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%s) %s: HTTP %d %s", e.Service, e.Host, e.Operation, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s (%s) %s: %v", e.Service, e.Host, e.Operation, e.Err)
}

func (e *ConnectivityFailure) Unwrap() error {
	return e.Err
}

// AsConnectivityFailure unwraps err to a *ConnectivityFailure when it is one.
func AsConnectivityFailure(err error) (*ConnectivityFailure, bool) {
	var cf *ConnectivityFailure
	if errors.As(err, &cf) {
		return cf, true
	}
	return nil, false
}

// statusError carries a non-2xx status through the retry loop.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.code, http.StatusText(e.code))
}

// retryableStatus reports whether a GET answered with code is worth retrying.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code < 600)
}
