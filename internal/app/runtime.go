package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NodePath81/speedcheck/internal/config"
	"github.com/NodePath81/speedcheck/internal/connectivity"
	"github.com/NodePath81/speedcheck/internal/control"
	"github.com/NodePath81/speedcheck/internal/geo"
	"github.com/NodePath81/speedcheck/internal/metrics"
	"github.com/NodePath81/speedcheck/internal/model"
	"github.com/NodePath81/speedcheck/internal/settings"
	"github.com/NodePath81/speedcheck/internal/speedtest"
	"github.com/NodePath81/speedcheck/internal/transfer"
	"github.com/NodePath81/speedcheck/internal/util"
)

type Runtime struct {
	cfg     config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	logger  util.Logger
	store   *settings.Store
	geo     *geo.Lookup
	probe   *transfer.Probe
	monitor *connectivity.Monitor
	coord   *speedtest.Coordinator
	metrics *metrics.Metrics
	status  *control.StatusStore
	control *control.ControlServer
	wg      sync.WaitGroup
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	if err := rt.build(restartFn); err != nil {
		rt.Stop()
		return nil, err
	}
	return rt, nil
}

func (r *Runtime) build(restartFn func() error) error {
	store, err := settings.Open(r.cfg.Settings.Database)
	if err != nil {
		return err
	}
	r.store = store
	rec, err := store.LoadOrSeed(seedRecord(r.cfg.Probe))
	if err != nil {
		return err
	}
	r.logger.Info("settings loaded", "path", r.cfg.Settings.Database, "target", rec.TargetURL,
		"download", rec.MeasureDownload, "upload", rec.MeasureUpload)

	source, err := connectivity.NewSource(r.cfg.Connectivity.Source, r.cfg.Connectivity.PollInterval.Duration(), r.logger)
	if err != nil {
		return err
	}
	r.monitor = connectivity.NewMonitor(source, r.logger)

	r.probe, err = transfer.NewProbe(transfer.Config{
		Timeout:       r.cfg.Transfer.Timeout.Duration(),
		UploadURL:     r.cfg.Transfer.UploadURL,
		UploadBytes:   r.cfg.Transfer.UploadBytes,
		UploadRateBps: r.cfg.Transfer.UploadRateBps,
		UserAgent:     r.cfg.Transfer.UserAgent,
		CAFile:        r.cfg.Transfer.CAFile,
	}, r.logger)
	if err != nil {
		return err
	}

	opts := speedtest.Options{
		ConnectivityTimeout: r.cfg.Connectivity.Timeout.Duration(),
		ClearDelay:          r.cfg.SpeedTest.ClearDelay.Duration(),
		Logger:              r.logger,
	}
	if r.cfg.GeoIP.Database != "" {
		lookup, err := geo.Open(r.cfg.GeoIP.Database)
		if err != nil {
			r.logger.Warn("geoip disabled", "path", r.cfg.GeoIP.Database, "error", err)
		} else {
			r.geo = lookup
			opts.Locator = lookup
		}
	}
	r.coord = speedtest.NewCoordinator(r.monitor, r.probe, opts)

	r.metrics = metrics.NewMetrics()
	r.status = control.NewStatusStore(control.NewStatusHub(r.ctx.Done()))
	r.coord.AddObserver(r.metrics)
	r.coord.AddObserver(r.status)

	if r.cfg.Control.IsEnabled() {
		r.control = control.NewControlServer(r.cfg.Control, r.coord, r.store, r.metrics, r.status, restartFn, r.logger)
	}
	return nil
}

// Start begins serving the control plane and mirroring the testing flag.
func (r *Runtime) Start() error {
	r.metrics.Start(r.ctx.Done())
	r.startTestingWatch()
	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) startTestingWatch() {
	updates, stop := r.coord.Watch()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case v, ok := <-updates:
				if !ok {
					return
				}
				r.metrics.SetTesting(v)
				r.status.SetTesting(v)
			}
		}
	}()
}

// Settings returns the persisted settings record.
func (r *Runtime) Settings() (settings.Record, error) {
	return r.store.Load()
}

// SaveSettings persists rec when it differs from the stored record.
func (r *Runtime) SaveSettings(rec settings.Record) (bool, error) {
	return r.store.SaveIfChanged(rec)
}

func (r *Runtime) AddObserver(o speedtest.Observer) {
	r.coord.AddObserver(o)
}

// RunOnce runs a single test and waits for it. Cancelling ctx aborts the run.
func (r *Runtime) RunOnce(ctx context.Context, cfg model.ProbeConfiguration) speedtest.Outcome {
	_, done := r.coord.Start(ctx, cfg)
	return <-done
}

func (r *Runtime) Stop() {
	r.cancel()
	if r.coord != nil {
		r.coord.Cancel()
	}
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	r.wg.Wait()
	if r.probe != nil {
		r.probe.CloseIdleConnections()
	}
	var errs []error
	if r.geo != nil {
		errs = append(errs, r.geo.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("runtime close failed", "error", err)
	}
}

func seedRecord(p config.ProbeConfig) settings.Record {
	rec := settings.Defaults()
	rec.TargetURL = p.TargetURL
	rec.MeasureDownload = p.DownloadEnabled()
	rec.MeasureUpload = p.UploadEnabled()
	return rec
}
