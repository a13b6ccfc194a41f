package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// Unknown is how an absent measurement is rendered in text and JSON.
const Unknown = "unknown"

// Optional holds a measurement that may be unknown. Unknown means the
// measurement was disabled; failures are reported as errors instead.
type Optional[T any] struct {
	Value T
	Known bool
}

func Known[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Known: true}
}

func (o Optional[T]) Get() (T, bool) {
	return o.Value, o.Known
}

func (o Optional[T]) String() string {
	if !o.Known {
		return Unknown
	}
	return fmt.Sprint(o.Value)
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Known {
		return json.Marshal(Unknown)
	}
	return json.Marshal(o.Value)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	var s string
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(`"`)) {
		if err := json.Unmarshal(data, &s); err == nil && s == Unknown {
			*o = Optional[T]{}
			return nil
		}
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Known(v)
	return nil
}

// ProbeConfiguration is read once at probe start and never changes while a
// run is in flight.
type ProbeConfiguration struct {
	TargetURL       string `json:"target_url"`
	MeasureDownload bool   `json:"measure_download"`
	MeasureUpload   bool   `json:"measure_upload"`
}

func (c ProbeConfiguration) Validate() error {
	if c.TargetURL == "" {
		return errors.New("target url must not be empty")
	}
	parsed, err := url.Parse(c.TargetURL)
	if err != nil {
		return fmt.Errorf("target url: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("target url must be absolute: %q", c.TargetURL)
	}
	return nil
}

// SpeedTestResult is the outcome of one run. Speeds are in MiB/s
// (bytes / 2^20 per second) and rounded to two decimals.
type SpeedTestResult struct {
	InstantaneousBytes Optional[uint64]  `json:"instantaneous_bytes"`
	DownloadMbps       Optional[float64] `json:"download_mbps"`
	UploadMbps         Optional[float64] `json:"upload_mbps"`
}

// FormatMbps renders a speed the way the CLI prints it.
func FormatMbps(o Optional[float64]) string {
	v, ok := o.Get()
	if !ok {
		return Unknown
	}
	return fmt.Sprintf("%.2f", v)
}
