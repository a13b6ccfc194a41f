package connectivity

import "sync"

// feed is the Subscription shared by every source. The source goroutine
// publishes into out until done is closed.
type feed struct {
	out      chan State
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
}

func newFeed() *feed {
	return &feed{
		out:      make(chan State, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (f *feed) Updates() <-chan State {
	return f.out
}

// run starts fn on its own goroutine. out is closed when fn returns.
func (f *feed) run(fn func()) {
	go func() {
		defer close(f.finished)
		defer close(f.out)
		fn()
	}()
}

// publish reports false once the feed is closing.
func (f *feed) publish(s State) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.out <- s:
		return true
	case <-f.done:
		return false
	}
}

func (f *feed) Close() error {
	f.once.Do(func() { close(f.done) })
	<-f.finished
	return nil
}
