// Package classify implements the error taxonomy consulted by the
// orchestrator when deciding whether a failed dispatch is retryable.
// Structured error kinds are checked first; substring matching on the
// error message is only a documented fallback for errors that cross an
// opaque boundary (an upstream SDK, a raw net/http failure) without a
// structured kind attached.
package classify

import (
	"errors"
	"net"
	"strings"
)

// Kind is the per-operation error classification exposed to callers and
// serialized onto terminal tasks and webhook payloads as error_code.
type Kind string

const (
	KindValidation            Kind = "ValidationError"
	KindAuthorization         Kind = "AuthorizationError"
	KindModelNotFound         Kind = "ModelNotFound"
	KindUnsupportedCapability Kind = "UnsupportedCapability"
	KindProviderUnavailable   Kind = "ProviderUnavailable"
	KindProviderTransient     Kind = "ProviderTransientError"
	KindProviderPermanent     Kind = "ProviderPermanentError"
	KindStorageTransient      Kind = "StorageTransientError"
	KindStoragePermanent      Kind = "StoragePermanentError"
	KindCancelled             Kind = "Cancelled"
	KindInternal              Kind = "Internal"
)

// Retryable reports whether a Kind should cause a Pending retry rather
// than a terminal Failed state.
func (k Kind) Retryable() bool {
	switch k {
	case KindProviderTransient, KindStorageTransient:
		return true
	default:
		return false
	}
}

// Error carries a structured Kind alongside the wrapped cause, matching
// the teacher's TransientError/PermanentError wrapper shape.
//
// RetryOverride lets a call site pin retryability independently of
// Kind's usual default. This exists for the circuit-open case: §4.4
// step 4 requires error_code ProviderUnavailable (so the Kind stays
// KindProviderUnavailable) but a retryable outcome, whereas the
// discovery-time "provider disabled/unconfigured" case uses the same
// Kind non-retryably. Nil means "use Kind.Retryable()".
type Error struct {
	Kind          Kind
	Message       string
	Err           error
	RetryOverride *bool
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(msg string) error            { return newErr(KindValidation, msg, nil) }
func Authorization(msg string) error         { return newErr(KindAuthorization, msg, nil) }
func ModelNotFound(msg string) error         { return newErr(KindModelNotFound, msg, nil) }
func UnsupportedCapability(msg string) error { return newErr(KindUnsupportedCapability, msg, nil) }
func ProviderUnavailable(msg string) error   { return newErr(KindProviderUnavailable, msg, nil) }
func Cancelled(msg string) error             { return newErr(KindCancelled, msg, nil) }
func Internal(err error) error               { return newErr(KindInternal, "", err) }

// CircuitOpen reports a dispatch refused by an open circuit breaker.
// Per spec.md §4.4 step 4 / end-to-end scenario 4, this is
// error_code ProviderUnavailable but MUST be retryable (unlike the
// discovery-time ProviderUnavailable, which is a configuration dead
// end), so it pins RetryOverride rather than relying on
// KindProviderUnavailable's default of non-retryable.
func CircuitOpen(msg string) error {
	retryable := true
	return &Error{Kind: KindProviderUnavailable, Message: msg, RetryOverride: &retryable}
}

func ProviderTransient(err error) error {
	return newErr(KindProviderTransient, "", err)
}

func ProviderPermanent(err error) error {
	return newErr(KindProviderPermanent, "", err)
}

func StorageTransient(err error) error {
	return newErr(KindStorageTransient, "", err)
}

func StoragePermanent(err error) error {
	return newErr(KindStoragePermanent, "", err)
}

// retryableSubstrings is the documented fallback pattern table from the
// error-handling design: consulted only when err carries no *Error.
var retryableSubstrings = []string{
	"timeout", "timed out", "connection", "network",
	"temporarily unavailable", "service unavailable",
	"too many requests", "rate limit",
	"connection refused", "connection reset", "broken pipe",
}

// Classify resolves any error into a Kind. Structured *Error values win
// outright; otherwise net.Error/net.OpError/net.DNSError are consulted,
// then HTTP status embedded in the message, then the substring table.
// Everything unmatched is KindInternal, non-retryable.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindProviderTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return KindProviderTransient
	}

	if status, ok := extractHTTPStatus(err.Error()); ok {
		switch {
		case status == 429 || (status >= 500 && status <= 599):
			return KindProviderTransient
		case status >= 400 && status < 500:
			return KindProviderPermanent
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryableSubstrings {
		if strings.Contains(msg, pattern) {
			return KindProviderTransient
		}
	}

	return KindInternal
}

// IsRetryable reports whether err should cause a Pending retry rather
// than a terminal Failed state. A structured *Error's RetryOverride, if
// set, wins outright (see CircuitOpen); otherwise it falls back to
// Classify(err).Retryable().
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) && ce.RetryOverride != nil {
		return *ce.RetryOverride
	}
	return Classify(err).Retryable()
}

// extractHTTPStatus looks for a bare 3-digit status code token embedded
// in an error message (e.g. "upstream returned 503"), the same
// best-effort heuristic the teacher's FormatForLLM-adjacent code uses
// when a structured status is unavailable.
func extractHTTPStatus(msg string) (int, bool) {
	for i := 0; i+3 <= len(msg); i++ {
		c := msg[i : i+3]
		allDigits := true
		for _, r := range c {
			if r < '0' || r > '9' {
				allDigits = false
				break
			}
		}
		if !allDigits {
			continue
		}
		// Only a bare token counts: skip digit runs that are part of a
		// longer number (e.g. "4500ms").
		if (i > 0 && msg[i-1] >= '0' && msg[i-1] <= '9') || (i+3 < len(msg) && msg[i+3] >= '0' && msg[i+3] <= '9') {
			continue
		}
		if c[0] != '4' && c[0] != '5' {
			continue
		}
		n := int(c[0]-'0')*100 + int(c[1]-'0')*10 + int(c[2]-'0')
		if n == 429 || (n >= 400 && n < 600) {
			return n, true
		}
	}
	return 0, false
}
