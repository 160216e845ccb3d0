package ordersync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

// SyncError is a failed sync step with its retry classification.
type SyncError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is a non-2xx answer from the order system.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("order api returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("order api returned HTTP %d: %s", e.StatusCode, e.Body)
}

const (
	mysqlDeadlock        = 1213
	mysqlLockWaitTimeout = 1205
)

var retryableMessages = []string{
	"connection timed out",
	"http 500",
	"http 502",
	"http 503",
	"http 504",
	"deadlock found",
	"lock wait timeout",
}

// classify wraps err as a SyncError for op unless it already is one.
func classify(op string, err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return &SyncError{Op: op, Retryable: IsRetryable(err), Err: err}
}

// IsRetryable reports whether a sync failure is transient: network timeouts, resets
// and refusals, HTTP 408/429/5xx, MySQL deadlocks and lock waits, and the matching
// message signatures. Everything else is fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDeadlock || mysqlErr.Number == mysqlLockWaitTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryableMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
