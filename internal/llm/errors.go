package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a generation failure.
type ErrorKind string

// Error kinds
const (
	KindTimeout         ErrorKind = "timeout"
	KindUnreachable     ErrorKind = "unreachable"
	KindInvalidResponse ErrorKind = "invalid_response"
)

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindUnreachable
}

// GenerationError is the only error Client.Generate returns.
type GenerationError struct {
	Kind     ErrorKind
	Detail   string
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	msg := fmt.Sprintf("generation failed (%s", e.Kind)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(", %d attempts", e.Attempts)
	}
	msg += ")"
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *GenerationError) Unwrap() error { return e.Err }

// IsKind reports whether err is a GenerationError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var gerr *GenerationError
	return errors.As(err, &gerr) && gerr.Kind == kind
}

func invalidResponse(format string, args ...interface{}) *GenerationError {
	return &GenerationError{Kind: KindInvalidResponse, Detail: fmt.Sprintf(format, args...)}
}

// classify turns any backend error into a GenerationError.
func classify(err error) *GenerationError {
	var gerr *GenerationError
	if errors.As(err, &gerr) {
		cp := *gerr
		return &cp
	}
	if errors.Is(err, ErrCircuitOpen) {
		return &GenerationError{Kind: KindUnreachable, Detail: "circuit breaker open", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &GenerationError{Kind: KindTimeout, Detail: err.Error(), Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &GenerationError{Kind: KindTimeout, Detail: err.Error(), Err: err}
	}
	return &GenerationError{Kind: KindUnreachable, Detail: err.Error(), Err: err}
}

// classifyStatus maps a non-2xx HTTP status onto an error kind. Server-side
// failures may be transient; client errors will not improve on retry.
func classifyStatus(status int, body string) *GenerationError {
	detail := fmt.Sprintf("backend returned status %d: %s", status, body)
	switch {
	case status == 408 || status == 504:
		return &GenerationError{Kind: KindTimeout, Detail: detail}
	case status == 429 || status >= 500:
		return &GenerationError{Kind: KindUnreachable, Detail: detail}
	default:
		return &GenerationError{Kind: KindInvalidResponse, Detail: detail}
	}
}
