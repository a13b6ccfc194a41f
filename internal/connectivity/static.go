package connectivity

import (
	"context"
	"time"
)

// StaticSource replays a fixed sequence of states on every subscription and
// then stays silent until closed.
type StaticSource struct {
	States   []State
	Interval time.Duration
}

func (s *StaticSource) Subscribe(ctx context.Context) (Subscription, error) {
	f := newFeed()
	f.run(func() {
		for i, state := range s.States {
			if i > 0 && s.Interval > 0 {
				select {
				case <-time.After(s.Interval):
				case <-f.done:
					return
				}
			}
			if !f.publish(state) {
				return
			}
		}
		<-f.done
	})
	return f, nil
}
