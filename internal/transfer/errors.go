package transfer

import (
	"errors"
	"fmt"
)

// ErrTransferFailed marks every phase failure: transport errors, non-2xx
// responses and empty bodies.
var ErrTransferFailed = errors.New("transfer failed")

// TransferError carries the phase and underlying cause of a failed transfer.
type TransferError struct {
	Phase Phase
	Cause error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Phase, ErrTransferFailed, e.Cause)
}

func (e *TransferError) Unwrap() []error {
	return []error{ErrTransferFailed, e.Cause}
}

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

var errEmptyBody = errors.New("empty response body")

func failed(phase Phase, cause error) *TransferError {
	return &TransferError{Phase: phase, Cause: cause}
}
