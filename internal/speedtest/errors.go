package speedtest

import (
	"context"
	"errors"
	"fmt"

	"github.com/NodePath81/speedcheck/internal/transfer"
)

var (
	ErrNoConnection         = errors.New("no internet connection")
	ErrPhaseFailed          = errors.New("phase failed")
	ErrSuperseded           = errors.New("superseded by a newer run")
	ErrInvalidConfiguration = errors.New("invalid probe configuration")
)

// PhaseError wraps the transfer failure that ended a run.
type PhaseError struct {
	Phase transfer.Phase
	Err   *transfer.TransferError
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Phase, ErrPhaseFailed, e.Err.Cause)
}

func (e *PhaseError) Unwrap() []error {
	return []error{ErrPhaseFailed, e.Err}
}

const (
	KindNone                 = ""
	KindNoConnection         = "no_connection"
	KindPhaseFailed          = "phase_failed"
	KindSuperseded           = "superseded"
	KindInvalidConfiguration = "invalid_configuration"
	KindCancelled            = "cancelled"
	KindInternal             = "internal"
)

// Kind maps an error returned by the coordinator to a stable label used in
// metrics and status messages.
func Kind(err error) string {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSuperseded):
		return KindSuperseded
	case errors.Is(err, ErrNoConnection):
		return KindNoConnection
	case errors.Is(err, ErrPhaseFailed):
		return KindPhaseFailed
	case errors.Is(err, ErrInvalidConfiguration):
		return KindInvalidConfiguration
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// UserMessage renders err for display.
func UserMessage(err error) string {
	switch Kind(err) {
	case KindNone:
		return ""
	case KindNoConnection:
		return "No internet connection."
	case KindPhaseFailed:
		return "Speed test failed. Please try again."
	case KindInvalidConfiguration:
		return "Invalid URL format. Please enter a valid HTTPS URL."
	case KindSuperseded:
		return "Speed test restarted."
	case KindCancelled:
		return "Speed test cancelled."
	default:
		return "Unexpected error."
	}
}
