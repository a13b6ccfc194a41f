package main

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/NodePath81/speedcheck/internal/model"
	"github.com/NodePath81/speedcheck/internal/speedtest"
	"github.com/NodePath81/speedcheck/internal/transfer"
)

const spinInterval = 100 * time.Millisecond

// spinner renders an indeterminate bar labelled with the current phase.
type spinner struct {
	bar  *progressbar.ProgressBar
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newSpinner(w io.Writer) *spinner {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("starting"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionClearOnFinish(),
	)
	return &spinner{
		bar:  bar,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *spinner) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(spinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.bar.Add(1)
		}
	}
}

func (s *spinner) Finish() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		_ = s.bar.Finish()
	})
}

func (s *spinner) RunStarted(uuid.UUID, model.ProbeConfiguration) {
	s.bar.Describe("[cyan]waiting for network[reset]")
}

func (s *spinner) PhaseStarted(_ uuid.UUID, phase transfer.Phase) {
	s.bar.Describe("[cyan]measuring " + phase.String() + "[reset]")
}

func (s *spinner) RunFinished(speedtest.Outcome) {}
