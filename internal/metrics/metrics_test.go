package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/speedcheck/internal/model"
	"github.com/NodePath81/speedcheck/internal/speedtest"
	"github.com/NodePath81/speedcheck/internal/transfer"
)

func successOutcome() speedtest.Outcome {
	start := time.Unix(1_700_000_000, 0)
	return speedtest.Outcome{
		RunID: uuid.New(),
		Result: model.SpeedTestResult{
			InstantaneousBytes: model.Known[uint64](10485760),
			DownloadMbps:       model.Known(5.0),
		},
		Samples: []transfer.Sample{
			{Phase: transfer.PhaseDownload, BytesTransferred: 10485760, ElapsedSeconds: 2},
		},
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
	}
}

func TestRenderAfterSuccess(t *testing.T) {
	m := NewMetrics()
	m.RunFinished(successOutcome())
	out := m.Render()

	assert.Contains(t, out, "speedcheck_tests_total 1\n")
	assert.Contains(t, out, "speedcheck_last_mbps{phase=\"download\"} 5.000000\n")
	assert.NotContains(t, out, "speedcheck_last_mbps{phase=\"upload\"}")
	assert.Contains(t, out, "speedcheck_phase_bytes_total{phase=\"download\"} 10485760\n")
	assert.Contains(t, out, "speedcheck_phase_seconds_total{phase=\"download\"} 2.000000\n")
	assert.Contains(t, out, "speedcheck_last_instantaneous_bytes 10485760\n")
	assert.Contains(t, out, "speedcheck_last_success_timestamp_seconds 1700000003\n")
	assert.Contains(t, out, "speedcheck_last_duration_seconds 3.000000\n")
	assert.Contains(t, out, "speedcheck_testing 0\n")
}

func TestRenderFailuresByKind(t *testing.T) {
	m := NewMetrics()
	m.RunFinished(successOutcome())
	m.RunFinished(speedtest.Outcome{Err: speedtest.ErrNoConnection})
	m.RunFinished(speedtest.Outcome{Err: speedtest.ErrNoConnection})
	m.RunFinished(speedtest.Outcome{Err: speedtest.ErrSuperseded})
	out := m.Render()

	assert.Contains(t, out, "speedcheck_tests_total 4\n")
	assert.Contains(t, out, "speedcheck_test_failures_total{kind=\"no_connection\"} 2\n")
	assert.Contains(t, out, "speedcheck_test_failures_total{kind=\"superseded\"} 1\n")
	// Failures leave the last successful figures in place.
	assert.Contains(t, out, "speedcheck_last_mbps{phase=\"download\"} 5.000000\n")
}

func TestTestingAndPhaseGauges(t *testing.T) {
	m := NewMetrics()
	id := uuid.New()
	m.SetTesting(true)
	m.RunStarted(id, model.ProbeConfiguration{})
	assert.Contains(t, m.Render(), "speedcheck_current_phase{phase=\"connectivity\"} 1\n")

	m.PhaseStarted(id, transfer.PhaseUpload)
	out := m.Render()
	assert.Contains(t, out, "speedcheck_testing 1\n")
	assert.Contains(t, out, "speedcheck_current_phase{phase=\"upload\"} 1\n")
	assert.Contains(t, out, "speedcheck_current_phase{phase=\"connectivity\"} 0\n")

	m.SetTesting(false)
	out = m.Render()
	assert.Contains(t, out, "speedcheck_testing 0\n")
	assert.Contains(t, out, "speedcheck_current_phase{phase=\"upload\"} 0\n")
}

func TestHandler(t *testing.T) {
	m := NewMetrics()
	rec := httptest.NewRecorder()
	m.Handler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; version=0.0.4", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "speedcheck_uptime_seconds ")
}
