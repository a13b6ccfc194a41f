package metrics

import (
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NodePath81/speedcheck/internal/model"
	"github.com/NodePath81/speedcheck/internal/speedtest"
	"github.com/NodePath81/speedcheck/internal/transfer"
)

type phaseStats struct {
	runs      uint64
	bytes     uint64
	seconds   float64
	lastMbps  float64
	lastKnown bool
}

// Metrics aggregates speed test outcomes for the /metrics endpoint.
type Metrics struct {
	mu               sync.Mutex
	testsTotal       uint64
	failures         map[string]uint64
	phases           map[transfer.Phase]*phaseStats
	lastBytes        model.Optional[uint64]
	lastFinished     time.Time
	lastDuration     time.Duration
	testing          bool
	currentPhase     string
	memoryAllocBytes uint64
	startTime        time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		failures: make(map[string]uint64),
		phases: map[transfer.Phase]*phaseStats{
			transfer.PhaseDownload: {},
			transfer.PhaseUpload:   {},
		},
		startTime: time.Now(),
	}
}

func (m *Metrics) Start(ctxDone <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctxDone:
				return
			case <-ticker.C:
				m.updateMemory()
			}
		}
	}()
}

func (m *Metrics) updateMemory() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.mu.Lock()
	m.memoryAllocBytes = mem.Alloc
	m.mu.Unlock()
}

func (m *Metrics) SetTesting(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.testing = v
	if !v {
		m.currentPhase = ""
	}
}

func (m *Metrics) RunStarted(uuid.UUID, model.ProbeConfiguration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentPhase = "connectivity"
}

func (m *Metrics) PhaseStarted(_ uuid.UUID, phase transfer.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentPhase = phase.String()
}

// RunFinished records a completed run. Superseded runs only count toward
// the failure breakdown.
func (m *Metrics) RunFinished(o speedtest.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.testsTotal++
	if o.Err != nil {
		m.failures[speedtest.Kind(o.Err)]++
		return
	}
	m.lastFinished = o.FinishedAt
	m.lastDuration = o.FinishedAt.Sub(o.StartedAt)
	m.lastBytes = o.Result.InstantaneousBytes
	for _, s := range o.Samples {
		stats := m.phases[s.Phase]
		if stats == nil {
			continue
		}
		stats.runs++
		stats.bytes += s.BytesTransferred
		stats.seconds += s.ElapsedSeconds
	}
	setLast(m.phases[transfer.PhaseDownload], o.Result.DownloadMbps)
	setLast(m.phases[transfer.PhaseUpload], o.Result.UploadMbps)
}

func setLast(stats *phaseStats, v model.Optional[float64]) {
	stats.lastMbps, stats.lastKnown = v.Get()
}

func (m *Metrics) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(m.Render()))
}

func (m *Metrics) Render() string {
	m.mu.Lock()
	testsTotal := m.testsTotal
	failures := copyUint64Map(m.failures)
	phases := make(map[transfer.Phase]phaseStats, len(m.phases))
	for phase, stats := range m.phases {
		phases[phase] = *stats
	}
	lastBytes := m.lastBytes
	lastFinished := m.lastFinished
	lastDuration := m.lastDuration
	testing := m.testing
	currentPhase := m.currentPhase
	memoryAlloc := m.memoryAllocBytes
	startTime := m.startTime
	m.mu.Unlock()

	kinds := make([]string, 0, len(failures))
	for kind := range failures {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	phaseOrder := []transfer.Phase{transfer.PhaseDownload, transfer.PhaseUpload}

	var b strings.Builder
	b.WriteString("# TYPE speedcheck_tests_total counter\n")
	b.WriteString("speedcheck_tests_total ")
	b.WriteString(strconv.FormatUint(testsTotal, 10))
	b.WriteString("\n")
	b.WriteString("# TYPE speedcheck_test_failures_total counter\n")
	for _, kind := range kinds {
		b.WriteString("speedcheck_test_failures_total{kind=\"")
		b.WriteString(kind)
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(failures[kind], 10))
		b.WriteString("\n")
	}
	b.WriteString("# TYPE speedcheck_last_mbps gauge\n")
	for _, phase := range phaseOrder {
		stats := phases[phase]
		if !stats.lastKnown {
			continue
		}
		b.WriteString("speedcheck_last_mbps{phase=\"")
		b.WriteString(phase.String())
		b.WriteString("\"} ")
		b.WriteString(formatFloat(stats.lastMbps))
		b.WriteString("\n")
	}
	b.WriteString("# TYPE speedcheck_phase_bytes_total counter\n")
	for _, phase := range phaseOrder {
		b.WriteString("speedcheck_phase_bytes_total{phase=\"")
		b.WriteString(phase.String())
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(phases[phase].bytes, 10))
		b.WriteString("\n")
	}
	b.WriteString("# TYPE speedcheck_phase_seconds_total counter\n")
	for _, phase := range phaseOrder {
		b.WriteString("speedcheck_phase_seconds_total{phase=\"")
		b.WriteString(phase.String())
		b.WriteString("\"} ")
		b.WriteString(formatFloat(phases[phase].seconds))
		b.WriteString("\n")
	}
	if bytes, ok := lastBytes.Get(); ok {
		b.WriteString("# TYPE speedcheck_last_instantaneous_bytes gauge\n")
		b.WriteString("speedcheck_last_instantaneous_bytes ")
		b.WriteString(strconv.FormatUint(bytes, 10))
		b.WriteString("\n")
	}
	if !lastFinished.IsZero() {
		b.WriteString("# TYPE speedcheck_last_success_timestamp_seconds gauge\n")
		b.WriteString("speedcheck_last_success_timestamp_seconds ")
		b.WriteString(strconv.FormatInt(lastFinished.Unix(), 10))
		b.WriteString("\n")
		b.WriteString("# TYPE speedcheck_last_duration_seconds gauge\n")
		b.WriteString("speedcheck_last_duration_seconds ")
		b.WriteString(formatFloat(lastDuration.Seconds()))
		b.WriteString("\n")
	}
	b.WriteString("# TYPE speedcheck_testing gauge\n")
	b.WriteString("speedcheck_testing ")
	if testing {
		b.WriteString("1\n")
	} else {
		b.WriteString("0\n")
	}
	b.WriteString("# TYPE speedcheck_current_phase gauge\n")
	for _, name := range []string{"connectivity", "download", "upload"} {
		val := "0"
		if name == currentPhase {
			val = "1"
		}
		b.WriteString("speedcheck_current_phase{phase=\"")
		b.WriteString(name)
		b.WriteString("\"} ")
		b.WriteString(val)
		b.WriteString("\n")
	}
	b.WriteString("# TYPE speedcheck_memory_alloc_bytes gauge\n")
	b.WriteString("speedcheck_memory_alloc_bytes ")
	b.WriteString(strconv.FormatUint(memoryAlloc, 10))
	b.WriteString("\n")
	b.WriteString("# TYPE speedcheck_uptime_seconds gauge\n")
	b.WriteString("speedcheck_uptime_seconds ")
	if startTime.IsZero() {
		b.WriteString("0\n")
	} else {
		b.WriteString(formatFloat(time.Since(startTime).Seconds()))
		b.WriteString("\n")
	}
	return b.String()
}

func copyUint64Map(src map[string]uint64) map[string]uint64 {
	dst := make(map[string]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func formatFloat(val float64) string {
	return strconv.FormatFloat(val, 'f', 6, 64)
}
