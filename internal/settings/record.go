package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/NodePath81/speedcheck/internal/model"
)

const DefaultTargetURL = "https://www.google.com"

var ErrInvalidURL = errors.New("invalid url, example: https://www.google.com")

type Theme int

const (
	ThemeDevice Theme = iota
	ThemeLight
	ThemeDark
)

func (t Theme) String() string {
	switch t {
	case ThemeLight:
		return "light"
	case ThemeDark:
		return "dark"
	default:
		return "device"
	}
}

func ParseTheme(s string) (Theme, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "device", "":
		return ThemeDevice, nil
	case "light":
		return ThemeLight, nil
	case "dark":
		return ThemeDark, nil
	default:
		return ThemeDevice, fmt.Errorf("unknown theme %q", s)
	}
}

func (t Theme) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Theme) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTheme(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Record is the single persisted settings row.
type Record struct {
	TargetURL       string `json:"target_url"`
	Theme           Theme  `json:"theme"`
	MeasureDownload bool   `json:"measure_download"`
	MeasureUpload   bool   `json:"measure_upload"`
}

func Defaults() Record {
	return Record{
		TargetURL:       DefaultTargetURL,
		Theme:           ThemeDevice,
		MeasureDownload: true,
		MeasureUpload:   true,
	}
}

// ProbeConfiguration snapshots the fields a speed test reads at start.
func (r Record) ProbeConfiguration() model.ProbeConfiguration {
	return model.ProbeConfiguration{
		TargetURL:       r.TargetURL,
		MeasureDownload: r.MeasureDownload,
		MeasureUpload:   r.MeasureUpload,
	}
}

func (r Record) Validate() error {
	if err := ValidateURL(r.TargetURL); err != nil {
		return err
	}
	switch r.Theme {
	case ThemeDevice, ThemeLight, ThemeDark:
	default:
		return fmt.Errorf("unknown theme %d", int(r.Theme))
	}
	return nil
}

// ValidateURL accepts only a complete https URL with a host and no
// surrounding text.
func ValidateURL(raw string) error {
	if raw == "" || strings.TrimSpace(raw) != raw || strings.ContainsAny(raw, " \t\r\n") {
		return ErrInvalidURL
	}
	if !strings.HasPrefix(raw, "https://") {
		return ErrInvalidURL
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || parsed.Hostname() == "" {
		return ErrInvalidURL
	}
	return nil
}
