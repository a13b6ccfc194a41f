// Package connectivity waits for the host to report a usable network path.
package connectivity

import (
	"context"
	"errors"
)

type State int

const (
	StateUnknown State = iota
	// StateWaiting means an interface is up but no default route exists yet.
	StateWaiting
	StateUsable
	// StateUnusable means no non-loopback interface is up.
	StateUnusable
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateUsable:
		return "usable"
	case StateUnusable:
		return "unusable"
	default:
		return "unknown"
	}
}

// ErrUnavailable is returned when no usable path appears in time or the
// platform reports the path as unusable.
var ErrUnavailable = errors.New("no usable network path")

// PathSource opens subscriptions to path-change notifications.
type PathSource interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription delivers path states until closed. Close blocks until the
// delivering goroutine has exited and is safe to call more than once.
type Subscription interface {
	Updates() <-chan State
	Close() error
}
