// Package pullerr is the error taxonomy of the puller. Callers branch on Kind
// rather than on message text.
package pullerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tells the caller how an error must be handled
type Kind int

const (
	// KindFatal aborts the whole job and needs an operator.
	KindFatal Kind = iota + 1
	// KindRetryable is a transient failure that outlived its retries.
	KindRetryable
	// KindPermanent is a per-request failure that retrying cannot fix.
	KindPermanent
	// KindDataQuality marks missing or null values. It is reported, never raised.
	KindDataQuality
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindRetryable:
		return "retry_exhausted"
	case KindPermanent:
		return "permanent"
	case KindDataQuality:
		return "data_quality"
	default:
		return "unknown"
	}
}

var (
	ErrUnauthorized      = errors.New("credentials or signature rejected")
	ErrBadTimestamp      = errors.New("malformed request timestamp")
	ErrMissingCredential = errors.New("api token or signature secret not configured")
	ErrCorruptCheckpoint = errors.New("checkpoint is corrupted")
	ErrMissingCheckpoint = errors.New("checkpoint is missing")
	ErrCheckpointExists  = errors.New("checkpoint already exists")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrAPI               = errors.New("api reported failure")
	ErrDependency        = errors.New("prerequisite endpoint not committed")
	ErrSinkLost          = errors.New("sink no longer holds committed pages")
)

// Error carries the handling Kind plus enough context to resume precisely
type Error struct {
	Kind     Kind
	Op       string
	Endpoint string
	Page     int
	Attempts int
	Status   int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Endpoint != "" {
		fmt.Fprintf(&b, " %s", e.Endpoint)
	}
	if e.Page > 0 {
		fmt.Fprintf(&b, " page=%d", e.Page)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " attempts=%d", e.Attempts)
	}
	if e.Status > 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal wraps err as a job-aborting failure
func Fatal(op string, err error) *Error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable per-request failure
func Permanent(op, endpoint string, status int, err error) *Error {
	return &Error{Kind: KindPermanent, Op: op, Endpoint: endpoint, Status: status, Err: err}
}

// Exhausted reports that a transient failure outlived every attempt
func Exhausted(endpoint string, attempts, status int, last error) *Error {
	err := ErrRetriesExhausted
	if last != nil {
		err = fmt.Errorf("%w: %w", ErrRetriesExhausted, last)
	}
	return &Error{Kind: KindRetryable, Op: "execute", Endpoint: endpoint, Attempts: attempts, Status: status, Err: err}
}

// WithPage returns a copy of err annotated with the page it happened on.
// Non-taxonomy errors are returned unchanged.
func WithPage(err error, page int) error {
	var pe *Error
	if !errors.As(err, &pe) {
		return err
	}
	cp := *pe
	cp.Page = page
	return &cp
}

// KindOf extracts the Kind of err, if it carries one
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

func is(err error, want Kind) bool {
	k, ok := KindOf(err)
	return ok && k == want
}

func IsFatal(err error) bool     { return is(err, KindFatal) }
func IsRetryable(err error) bool { return is(err, KindRetryable) }
func IsPermanent(err error) bool { return is(err, KindPermanent) }
