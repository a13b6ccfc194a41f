// Package throughput turns transfer samples into a speed test result.
// Everything here is pure: no I/O and no retained state.
package throughput

import (
	"math"

	"github.com/NodePath81/speedcheck/internal/model"
	"github.com/NodePath81/speedcheck/internal/transfer"
)

const bytesPerMiB = 1024 * 1024

// Mbps converts a byte count over a duration into MiB/s rounded to two
// decimals, half away from zero. Non-positive durations yield zero.
func Mbps(bytes uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}
	return round2(float64(bytes) / elapsedSeconds / bytesPerMiB)
}

// SampleMbps is Mbps applied to one sample.
func SampleMbps(s transfer.Sample) float64 {
	return Mbps(s.BytesTransferred, s.ElapsedSeconds)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Compute builds a result from the samples gathered during one run. A field
// is known only when its flag is set and a sample for its phase exists.
// With duplicate samples for a phase, the last one wins.
func Compute(samples []transfer.Sample, cfg model.ProbeConfiguration) model.SpeedTestResult {
	var result model.SpeedTestResult
	for _, s := range samples {
		switch s.Phase {
		case transfer.PhaseDownload:
			if !cfg.MeasureDownload {
				continue
			}
			result.InstantaneousBytes = model.Known(s.BytesTransferred)
			result.DownloadMbps = model.Known(SampleMbps(s))
		case transfer.PhaseUpload:
			if !cfg.MeasureUpload {
				continue
			}
			result.UploadMbps = model.Known(SampleMbps(s))
		}
	}
	return result
}
