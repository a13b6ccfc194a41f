// Package speedtest runs single-flight speed tests: wait for a usable path,
// run the enabled transfer phases in order, then compute the result.
package speedtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NodePath81/speedcheck/internal/connectivity"
	"github.com/NodePath81/speedcheck/internal/geo"
	"github.com/NodePath81/speedcheck/internal/model"
	"github.com/NodePath81/speedcheck/internal/throughput"
	"github.com/NodePath81/speedcheck/internal/transfer"
	"github.com/NodePath81/speedcheck/internal/util"
)

const DefaultClearDelay = time.Second

type PathWaiter interface {
	AwaitUsablePath(ctx context.Context, timeout time.Duration) error
}

type PhaseRunner interface {
	RunPhase(ctx context.Context, target string, phase transfer.Phase) (transfer.Sample, error)
}

type Locator interface {
	Locate(addr string) (*geo.Location, error)
}

// Observer callbacks run synchronously on the run's goroutine and must not
// block.
type Observer interface {
	RunStarted(id uuid.UUID, cfg model.ProbeConfiguration)
	PhaseStarted(id uuid.UUID, phase transfer.Phase)
	RunFinished(o Outcome)
}

// Outcome is everything known about a finished run. Result is zero whenever
// Err is set.
type Outcome struct {
	RunID      uuid.UUID
	Config     model.ProbeConfiguration
	Result     model.SpeedTestResult
	Samples    []transfer.Sample
	Server     *geo.Location
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

type Options struct {
	ConnectivityTimeout time.Duration
	// ClearDelay is how long the testing flag stays set after a run ends.
	// Zero clears it immediately.
	ClearDelay time.Duration
	Locator    Locator
	Logger     util.Logger
}

type run struct {
	id     uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator allows one live run at a time. Starting a run cancels the one
// in flight and waits for it to release its resources first.
type Coordinator struct {
	waiter PathWaiter
	runner PhaseRunner
	opts   Options
	logger util.Logger

	mu          sync.Mutex
	current     *run
	generation  uint64
	testing     bool
	clearTimer  *time.Timer
	watchers    map[int]chan bool
	nextWatcher int
	last        *Outcome
	observers   []Observer
}

func NewCoordinator(waiter PathWaiter, runner PhaseRunner, opts Options) *Coordinator {
	if opts.ConnectivityTimeout <= 0 {
		opts.ConnectivityTimeout = connectivity.DefaultTimeout
	}
	if opts.ClearDelay < 0 {
		opts.ClearDelay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.NewNopLogger()
	}
	return &Coordinator{
		waiter:   waiter,
		runner:   runner,
		opts:     opts,
		logger:   logger,
		watchers: make(map[int]chan bool),
	}
}

func (c *Coordinator) AddObserver(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// RunTest blocks until the run finishes. A caller whose run is superseded
// gets ErrSuperseded and no result.
func (c *Coordinator) RunTest(ctx context.Context, cfg model.ProbeConfiguration) (model.SpeedTestResult, error) {
	a, failed := c.claim(ctx, uuid.New(), cfg)
	if a == nil {
		return failed.Result, failed.Err
	}
	o := c.complete(a)
	return o.Result, o.Err
}

// Start claims the live slot before returning, so of two back-to-back calls
// the later one always wins. The measurement runs in the background; the
// channel yields exactly one outcome and is then closed.
func (c *Coordinator) Start(ctx context.Context, cfg model.ProbeConfiguration) (uuid.UUID, <-chan Outcome) {
	id := uuid.New()
	ch := make(chan Outcome, 1)
	a, failed := c.claim(ctx, id, cfg)
	if a == nil {
		ch <- failed
		close(ch)
		return id, ch
	}
	go func() {
		defer close(ch)
		ch <- c.complete(a)
	}()
	return id, ch
}

func (c *Coordinator) Testing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.testing
}

// Watch returns a channel carrying the latest testing flag, primed with the
// current value. Slow readers only ever see the most recent value.
func (c *Coordinator) Watch() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	c.mu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch
	ch <- c.testing
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

// LastOutcome returns the most recent run that was not superseded.
func (c *Coordinator) LastOutcome() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Outcome{}, false
	}
	return *c.last, true
}

// Cancel aborts the run in flight, if any.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur != nil {
		cur.cancel()
	}
}

// attempt is a run that owns the live slot but has not measured yet.
type attempt struct {
	run       *run
	ctx       context.Context
	prev      *run
	cfg       model.ProbeConfiguration
	observers []Observer
	outcome   Outcome
}

// claim makes the new run current and cancels the one it replaces. It
// returns nil and a finished outcome when cfg is invalid.
func (c *Coordinator) claim(parent context.Context, id uuid.UUID, cfg model.ProbeConfiguration) (*attempt, Outcome) {
	outcome := Outcome{RunID: id, Config: cfg, StartedAt: time.Now()}
	if err := cfg.Validate(); err != nil {
		outcome.FinishedAt = time.Now()
		outcome.Err = fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		return nil, outcome
	}

	ctx, cancel := context.WithCancel(parent)
	r := &run{id: id, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.current
	c.current = r
	c.generation++
	if c.clearTimer != nil {
		c.clearTimer.Stop()
		c.clearTimer = nil
	}
	c.setTestingLocked(true)
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()

	if prev != nil {
		c.logger.Info("superseding speed test", "previous", prev.id, "run", id)
		prev.cancel()
	}
	return &attempt{run: r, ctx: ctx, prev: prev, cfg: cfg, observers: observers, outcome: outcome}, Outcome{}
}

// complete waits for the replaced run to release its resources, then
// measures and publishes the outcome.
func (c *Coordinator) complete(a *attempt) Outcome {
	r, ctx, cfg, observers, outcome := a.run, a.ctx, a.cfg, a.observers, a.outcome
	defer r.cancel()
	if a.prev != nil {
		<-a.prev.done
	}

	c.logger.Info("speed test started", "run", r.id, "target", cfg.TargetURL,
		"download", cfg.MeasureDownload, "upload", cfg.MeasureUpload)
	for _, o := range observers {
		o.RunStarted(r.id, cfg)
	}

	samples, err := c.measure(ctx, r.id, cfg, observers)
	var server *geo.Location
	if err == nil {
		server = c.locate(samples)
	}
	outcome.FinishedAt = time.Now()

	c.mu.Lock()
	if c.current != r {
		outcome.Err = ErrSuperseded
	} else {
		c.current = nil
		outcome.Err = err
		if err == nil {
			outcome.Samples = samples
			outcome.Result = throughput.Compute(samples, cfg)
			outcome.Server = server
		}
		last := outcome
		c.last = &last
		c.scheduleClearLocked()
	}
	c.mu.Unlock()

	c.logOutcome(outcome)
	for _, o := range observers {
		o.RunFinished(outcome)
	}
	close(r.done)
	return outcome
}

func (c *Coordinator) measure(ctx context.Context, id uuid.UUID, cfg model.ProbeConfiguration, observers []Observer) ([]transfer.Sample, error) {
	if err := c.waiter.AwaitUsablePath(ctx, c.opts.ConnectivityTimeout); err != nil {
		if errors.Is(err, connectivity.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %w", ErrNoConnection, err)
		}
		return nil, err
	}

	var samples []transfer.Sample
	for _, phase := range phasesFor(cfg) {
		for _, o := range observers {
			o.PhaseStarted(id, phase)
		}
		sample, err := c.runner.RunPhase(ctx, cfg.TargetURL, phase)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var te *transfer.TransferError
			if !errors.As(err, &te) {
				te = &transfer.TransferError{Phase: phase, Cause: err}
			}
			return nil, &PhaseError{Phase: phase, Err: te}
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func phasesFor(cfg model.ProbeConfiguration) []transfer.Phase {
	var phases []transfer.Phase
	if cfg.MeasureDownload {
		phases = append(phases, transfer.PhaseDownload)
	}
	if cfg.MeasureUpload {
		phases = append(phases, transfer.PhaseUpload)
	}
	return phases
}

func (c *Coordinator) locate(samples []transfer.Sample) *geo.Location {
	if c.opts.Locator == nil {
		return nil
	}
	for _, s := range samples {
		if s.Diagnostics.RemoteAddr == "" {
			continue
		}
		loc, err := c.opts.Locator.Locate(s.Diagnostics.RemoteAddr)
		if err != nil {
			c.logger.Debug("server lookup failed", "addr", s.Diagnostics.RemoteAddr, "error", err)
			return nil
		}
		return loc
	}
	return nil
}

func (c *Coordinator) logOutcome(o Outcome) {
	elapsed := o.FinishedAt.Sub(o.StartedAt)
	if o.Err != nil {
		if errors.Is(o.Err, ErrSuperseded) {
			c.logger.Info("speed test superseded", "run", o.RunID, "elapsed", elapsed)
			return
		}
		c.logger.Warn("speed test failed", "run", o.RunID, "kind", Kind(o.Err), "error", o.Err, "elapsed", elapsed)
		return
	}
	c.logger.Info("speed test finished", "run", o.RunID,
		"download_mbps", o.Result.DownloadMbps.String(),
		"upload_mbps", o.Result.UploadMbps.String(),
		"bytes", o.Result.InstantaneousBytes.String(),
		"elapsed", elapsed)
}

func (c *Coordinator) scheduleClearLocked() {
	if c.opts.ClearDelay <= 0 {
		c.setTestingLocked(false)
		return
	}
	gen := c.generation
	c.clearTimer = time.AfterFunc(c.opts.ClearDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generation != gen || c.current != nil {
			return
		}
		c.clearTimer = nil
		c.setTestingLocked(false)
	})
}

func (c *Coordinator) setTestingLocked(v bool) {
	if c.testing == v {
		return
	}
	c.testing = v
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}
