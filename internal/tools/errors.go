package tools

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

// ErrorType is the failure class reported by an adapter.
type ErrorType string

const (
	ErrTimeout         ErrorType = "timeout"
	ErrRateLimited     ErrorType = "rate_limited"
	ErrUpstream        ErrorType = "upstream_error"
	ErrInvalidResponse ErrorType = "invalid_response"
)

// ToolError is the error every adapter returns on failure.
type ToolError struct {
	Type       ErrorType
	Message    string
	RetryAfter time.Duration
	// Permanent marks upstream errors that will not succeed on retry (auth failures, 4xx).
	Permanent bool
	Err       error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Transient reports whether a retry may succeed.
func (e *ToolError) Transient() bool {
	switch e.Type {
	case ErrTimeout, ErrRateLimited:
		return true
	case ErrUpstream:
		return !e.Permanent
	}
	return false
}

// Kind maps the tool error into the pipeline error taxonomy.
func (e *ToolError) Kind() errs.Kind {
	if e.Transient() {
		return errs.KindTransient
	}
	return errs.KindPermanent
}

// NewError builds a ToolError.
func NewError(t ErrorType, format string, args ...interface{}) *ToolError {
	return &ToolError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Classify converts any error returned by an adapter into a *ToolError.
// Errors that already are ToolErrors pass through unchanged.
func Classify(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ToolError{Type: ErrTimeout, Message: "deadline exceeded", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ToolError{Type: ErrTimeout, Message: "network timeout", Err: err}
	}
	switch errs.KindOf(err) {
	case errs.KindInvalid, errs.KindConfig, errs.KindPermanent:
		return &ToolError{Type: ErrUpstream, Message: "rejected", Permanent: true, Err: err}
	}
	if circuitbreaker.IsRejection(err) {
		return &ToolError{Type: ErrUpstream, Message: "circuit open", Err: err}
	}
	return &ToolError{Type: ErrUpstream, Message: "request failed", Err: err}
}

// ClassifyStatus maps a non-2xx HTTP status into a ToolError. It returns nil for 2xx.
func ClassifyStatus(resp *http.Response) *ToolError {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return &ToolError{
			Type:       ErrRateLimited,
			Message:    "upstream returned 429",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return &ToolError{Type: ErrTimeout, Message: fmt.Sprintf("upstream returned %d", code)}
	case code >= 500:
		return &ToolError{Type: ErrUpstream, Message: fmt.Sprintf("upstream returned %d", code)}
	default:
		return &ToolError{Type: ErrUpstream, Message: fmt.Sprintf("upstream returned %d", code), Permanent: true}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
