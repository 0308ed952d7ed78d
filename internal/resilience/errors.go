package resilience

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"
	"syscall"

	"google.golang.org/api/googleapi"
)

// TransientError marks an error from a tier backend as safe to retry.
type TransientError struct {
	Err  error
	Code int // backend status or reply code, 0 if none
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient with an optional backend code.
func NewTransientError(err error, code int) *TransientError {
	return &TransientError{Err: err, Code: code}
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"connection refused",
	"temporary failure in name resolution",
	"i/o timeout",
	"tls handshake timeout",
	"server closed idle connection",
	"use of closed network connection",
	"too many connections",
	"loading dataset in memory", // redis LOADING
	"readonly you can't write against a read only replica",
}

// IsTransient reports whether err is worth retrying against the same tier:
// an explicit TransientError, a per-call deadline, a network timeout or
// reset, a retryable GCS status, or a 4xx FTP reply.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// Per-call timeouts are derived from the caller's context; a parent
	// cancellation is handled by Do before this is consulted.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return IsTransientStatus(gErr.Code)
	}

	// FTP replies in the 4xx range are transient negative completions.
	var ftpErr *textproto.Error
	if errors.As(err, &ftpErr) {
		return ftpErr.Code >= 400 && ftpErr.Code < 500
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientStatus reports whether an HTTP-style status code from an object
// store is retryable.
func IsTransientStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Classify labels err "transient" or "permanent" for logs and metrics.
func Classify(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
