package connectivity

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/NodePath81/speedcheck/internal/util"
)

const DefaultTimeout = 10 * time.Second

// Monitor opens one subscription per wait and always closes it before
// returning.
type Monitor struct {
	source PathSource
	logger util.Logger
	active atomic.Int32
}

func NewMonitor(source PathSource, logger util.Logger) *Monitor {
	if logger == nil {
		logger = util.NewNopLogger()
	}
	return &Monitor{source: source, logger: logger}
}

// ActiveSubscriptions reports how many subscriptions are currently open.
func (m *Monitor) ActiveSubscriptions() int {
	return int(m.active.Load())
}

// AwaitUsablePath blocks until the source reports a usable path. It fails
// with ErrUnavailable on an unusable report or when timeout elapses, and
// returns ctx.Err() when the caller cancels.
func (m *Monitor) AwaitUsablePath(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sub, err := m.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("%w: subscribe: %w", ErrUnavailable, err)
	}
	m.active.Add(1)
	defer func() {
		if err := sub.Close(); err != nil {
			m.logger.Warn("path subscription close failed", "error", err)
		}
		m.active.Add(-1)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case state, ok := <-sub.Updates():
			if !ok {
				return fmt.Errorf("%w: path source stopped", ErrUnavailable)
			}
			m.logger.Debug("path state", "state", state.String())
			switch state {
			case StateUsable:
				return nil
			case StateUnusable:
				return fmt.Errorf("%w: path reported unusable", ErrUnavailable)
			}
		case <-timer.C:
			return fmt.Errorf("%w: none within %s", ErrUnavailable, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
