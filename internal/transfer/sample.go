package transfer

import "time"

// Phase is one directional transfer within a speed test.
type Phase int

const (
	PhaseDownload Phase = iota
	PhaseUpload
)

func (p Phase) String() string {
	switch p {
	case PhaseDownload:
		return "download"
	case PhaseUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// MinElapsedSeconds floors every measured duration.
const MinElapsedSeconds = 1e-6

// Sample is the immutable record of one completed phase.
type Sample struct {
	Phase            Phase
	BytesTransferred uint64
	// ElapsedSeconds is the authoritative wall-clock duration, taken
	// immediately before the request and after the body was fully consumed.
	ElapsedSeconds float64
	Diagnostics    Diagnostics
}

// Diagnostics holds transport-reported timings. They never feed the
// throughput calculation.
type Diagnostics struct {
	// TransportDuration spans connection acquisition to body completion.
	// Zero when the transport never reported a connection.
	TransportDuration time.Duration
	TimeToFirstByte   time.Duration
	ConnReused        bool
	RemoteAddr        string
	StatusCode        int
	Protocol          string
}

func elapsedSeconds(d time.Duration) float64 {
	secs := d.Seconds()
	if secs < MinElapsedSeconds {
		return MinElapsedSeconds
	}
	return secs
}
