package domain

import "fmt"

// ErrorKind classifies a failure for retry policy and metrics. The kinds map
// one-to-one onto how the dispatcher reacts: transient kinds are retried with
// backoff, permanent kinds fail the message immediately.
type ErrorKind string

const (
	// ErrInvalidCommand - the command failed schema validation or rendering.
	// Never retried.
	ErrInvalidCommand ErrorKind = "invalid_command"

	// ErrRateLimited - upstream returned 429. Retried after the advertised
	// Retry-After; the per-number bucket is penalized.
	ErrRateLimited ErrorKind = "rate_limited"

	// ErrTransientUpstream - 5xx, timeout, connection reset, or a 2xx whose
	// body could not be parsed. Retried with exponential backoff.
	ErrTransientUpstream ErrorKind = "transient_upstream"

	// ErrPermanentUpstream - 4xx other than 429 (bad recipient, unapproved
	// template, policy violation). Never retried.
	ErrPermanentUpstream ErrorKind = "permanent_upstream"

	// ErrAuthExpired - 401/403 from upstream. Never retried by the worker;
	// a token-refresh signal is emitted instead.
	ErrAuthExpired ErrorKind = "auth_expired"

	// ErrCancelled - the owning campaign was cancelled before send.
	ErrCancelled ErrorKind = "cancelled"

	// ErrExhausted - transient failures exceeded the attempt budget.
	ErrExhausted ErrorKind = "retries_exhausted"
)

// Retryable reports whether the dispatcher should requeue after this kind.
func (k ErrorKind) Retryable() bool {
	return k == ErrRateLimited || k == ErrTransientUpstream
}

// SendError is the persisted failure record on a message row. Code carries
// the upstream provider's numeric error code when one was returned.
type SendError struct {
	Kind    ErrorKind `json:"kind"`
	Code    int       `json:"code,omitempty"`
	Message string    `json:"message"`
}

func (e *SendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewSendError builds a SendError with a formatted message.
func NewSendError(kind ErrorKind, code int, format string, args ...any) *SendError {
	return &SendError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}
