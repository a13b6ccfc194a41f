package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NodePath81/speedcheck/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPath(t *testing.T) {
	lo := linkInfo{Index: 1, Name: "lo", Up: true, Loopback: true}
	eth := linkInfo{Index: 2, Name: "eth0", Up: true}
	down := linkInfo{Index: 3, Name: "wlan0"}

	cases := []struct {
		name   string
		links  []linkInfo
		routes []routeInfo
		want   State
	}{
		{"no links", nil, nil, StateUnusable},
		{"loopback only", []linkInfo{lo}, []routeInfo{{LinkIndex: 1, Default: true}}, StateUnusable},
		{"link down", []linkInfo{lo, down}, []routeInfo{{LinkIndex: 3, Default: true}}, StateUnusable},
		{"up without route", []linkInfo{lo, eth}, nil, StateWaiting},
		{"up with subnet route", []linkInfo{eth}, []routeInfo{{LinkIndex: 2}}, StateWaiting},
		{"default on down link", []linkInfo{eth, down}, []routeInfo{{LinkIndex: 3, Default: true}}, StateWaiting},
		{"default route", []linkInfo{lo, eth}, []routeInfo{{LinkIndex: 2, Default: true}}, StateUsable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyPath(tc.links, tc.routes))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unknown", StateUnknown.String())
	assert.Equal(t, "waiting", StateWaiting.String())
	assert.Equal(t, "usable", StateUsable.String())
	assert.Equal(t, "unusable", StateUnusable.String())
}

func newTestMonitor(src PathSource) *Monitor {
	return NewMonitor(src, util.NewNopLogger())
}

func TestAwaitUsable(t *testing.T) {
	m := newTestMonitor(&StaticSource{States: []State{StateWaiting, StateUsable}, Interval: 10 * time.Millisecond})
	require.NoError(t, m.AwaitUsablePath(context.Background(), time.Second))
	assert.Equal(t, 0, m.ActiveSubscriptions())
}

func TestAwaitUnusable(t *testing.T) {
	m := newTestMonitor(&StaticSource{States: []State{StateWaiting, StateUnusable, StateUsable}})
	err := m.AwaitUsablePath(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, m.ActiveSubscriptions())
}

func TestAwaitTimeout(t *testing.T) {
	m := newTestMonitor(&StaticSource{States: []State{StateWaiting}})
	start := time.Now()
	err := m.AwaitUsablePath(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, m.ActiveSubscriptions())
}

func TestAwaitCancelled(t *testing.T) {
	m := newTestMonitor(&StaticSource{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.AwaitUsablePath(ctx, time.Minute) }()

	require.Eventually(t, func() bool { return m.ActiveSubscriptions() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, errors.Is(err, ErrUnavailable))
	case <-time.After(time.Second):
		t.Fatal("wait did not return after cancellation")
	}
	assert.Equal(t, 0, m.ActiveSubscriptions())
}

func TestAwaitAlreadyCancelled(t *testing.T) {
	src := &countingSource{inner: &StaticSource{States: []State{StateUsable}}}
	m := newTestMonitor(src)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.AwaitUsablePath(ctx, time.Second), context.Canceled)
	assert.Equal(t, int32(0), src.opened.Load())
}

func TestAwaitSubscribeError(t *testing.T) {
	m := newTestMonitor(failingSource{})
	err := m.AwaitUsablePath(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, m.ActiveSubscriptions())
}

func TestAwaitClosesEverySubscription(t *testing.T) {
	src := &countingSource{inner: &StaticSource{States: []State{StateUsable}}}
	m := newTestMonitor(src)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.AwaitUsablePath(context.Background(), time.Second))
	}
	assert.Equal(t, int32(5), src.opened.Load())
	assert.Equal(t, int32(5), src.closed.Load())
}

func TestInterfaceSourceDedupes(t *testing.T) {
	var calls atomic.Int32
	src := NewInterfaceSource(5*time.Millisecond, util.NewNopLogger())
	src.snapshot = func() ([]linkInfo, []routeInfo, error) {
		n := calls.Add(1)
		links := []linkInfo{{Index: 2, Name: "eth0", Up: true}}
		if n < 4 {
			return links, nil, nil
		}
		return links, []routeInfo{{LinkIndex: 2, Default: true}}, nil
	}

	sub, err := src.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, <-sub.Updates())
	assert.Equal(t, StateUsable, <-sub.Updates())
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, open := <-sub.Updates()
	assert.False(t, open)
}

func TestInterfaceSourceWithMonitor(t *testing.T) {
	src := NewInterfaceSource(5*time.Millisecond, util.NewNopLogger())
	src.snapshot = func() ([]linkInfo, []routeInfo, error) {
		return []linkInfo{{Index: 1, Name: "lo", Up: true, Loopback: true}}, nil, nil
	}
	err := newTestMonitor(src).AwaitUsablePath(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewSource(t *testing.T) {
	for _, kind := range []string{"auto", "interfaces", "always"} {
		src, err := NewSource(kind, time.Second, util.NewNopLogger())
		require.NoError(t, err, kind)
		assert.NotNil(t, src)
	}
	_, err := NewSource("pigeon", time.Second, util.NewNopLogger())
	assert.Error(t, err)

	src, err := NewSource("always", time.Second, util.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, newTestMonitor(src).AwaitUsablePath(context.Background(), time.Second))
}

type countingSource struct {
	inner  PathSource
	opened atomic.Int32
	closed atomic.Int32
}

func (c *countingSource) Subscribe(ctx context.Context) (Subscription, error) {
	sub, err := c.inner.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	c.opened.Add(1)
	return &countingSub{Subscription: sub, closed: &c.closed}, nil
}

type countingSub struct {
	Subscription
	closed *atomic.Int32
}

func (c *countingSub) Close() error {
	c.closed.Add(1)
	return c.Subscription.Close()
}

type failingSource struct{}

func (failingSource) Subscribe(context.Context) (Subscription, error) {
	return nil, errors.New("permission denied")
}
