package pipeline

import (
	"context"
	"errors"

	"go-accurate-puller/internal/pullerr"
)

// Decision is what the orchestrator does with a failed endpoint
type Decision int

const (
	// DecideSkip marks the endpoint skipped and moves on.
	DecideSkip Decision = iota
	// DecideAbort checkpoints and stops; the job stays resumable.
	DecideAbort
	// DecideFail stops without touching the checkpoint again.
	DecideFail
	// DecideCancel is an operator or deadline stop; resumable, not an error.
	DecideCancel
)

func (d Decision) String() string {
	switch d {
	case DecideSkip:
		return "skip"
	case DecideAbort:
		return "abort"
	case DecideFail:
		return "fail"
	case DecideCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// decide maps an endpoint error to its handling. Retry-exhausted and
// permanent failures of the endpoint itself are skippable unless the
// endpoint is critical. A missing prerequisite always skips: the
// prerequisite's own criticality already decided whether to abort.
func decide(err error, critical bool) Decision {
	switch {
	case pullerr.IsFatal(err):
		return DecideFail
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return DecideCancel
	case errors.Is(err, pullerr.ErrDependency):
		return DecideSkip
	case pullerr.IsRetryable(err), pullerr.IsPermanent(err):
		if critical {
			return DecideAbort
		}
		return DecideSkip
	default:
		// sink or checkpoint trouble; nothing was lost, so the job can resume
		return DecideAbort
	}
}
