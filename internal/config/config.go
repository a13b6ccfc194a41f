package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/speedcheck/internal/settings"
	"github.com/NodePath81/speedcheck/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel = "info"

	defaultTargetURL       = "https://www.google.com"
	defaultMeasureDownload = true
	defaultMeasureUpload   = true

	defaultConnectivitySource   = SourceAuto
	defaultConnectivityTimeout  = 10 * time.Second
	defaultConnectivityInterval = 1 * time.Second

	defaultTransferTimeout    = 30 * time.Second
	defaultTransferUploadSize = "1mb"
	defaultTransferUserAgent  = "speedcheck"

	defaultClearDelay = 1 * time.Second

	defaultSettingsDatabase = "speedcheck.db"

	defaultControlEnabled        = true
	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8080
	defaultControlMetricsEnabled = true

	maxUploadSize = 1 << 30

	SourceAuto       = "auto"
	SourceNetlink    = "netlink"
	SourceInterfaces = "interfaces"
	SourceAlways     = "always"
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Log          LogConfig          `yaml:"log"`
	Probe        ProbeConfig        `yaml:"probe"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Transfer     TransferConfig     `yaml:"transfer"`
	SpeedTest    SpeedTestConfig    `yaml:"speedtest"`
	Settings     SettingsConfig     `yaml:"settings"`
	GeoIP        GeoIPConfig        `yaml:"geoip"`
	Control      ControlConfig      `yaml:"control"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// ProbeConfig seeds the persisted settings record the first time the
// settings database is opened. Once a record exists it wins.
type ProbeConfig struct {
	TargetURL       string `yaml:"target_url"`
	MeasureDownload *bool  `yaml:"measure_download"`
	MeasureUpload   *bool  `yaml:"measure_upload"`
}

type ConnectivityConfig struct {
	Source       string   `yaml:"source"`
	Timeout      Duration `yaml:"timeout"`
	PollInterval Duration `yaml:"poll_interval"`
}

type TransferConfig struct {
	Timeout         Duration `yaml:"timeout"`
	UploadURL       string   `yaml:"upload_url"`
	UploadSize      string   `yaml:"upload_size"`
	UploadRateLimit string   `yaml:"upload_rate_limit"`
	UserAgent       string   `yaml:"user_agent"`
	CAFile          string   `yaml:"ca_file"`

	UploadBytes   int64  `yaml:"-"`
	UploadRateBps uint64 `yaml:"-"`
}

type SpeedTestConfig struct {
	ClearDelay Duration `yaml:"clear_delay"`
}

type SettingsConfig struct {
	Database string `yaml:"database"`
}

type GeoIPConfig struct {
	Database string `yaml:"database"`
}

type ControlConfig struct {
	Enabled   *bool                `yaml:"enabled"`
	BindAddr  string               `yaml:"bind_addr"`
	BindPort  int                  `yaml:"bind_port"`
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (p ProbeConfig) DownloadEnabled() bool {
	return util.BoolValue(p.MeasureDownload, defaultMeasureDownload)
}

func (p ProbeConfig) UploadEnabled() bool {
	return util.BoolValue(p.MeasureUpload, defaultMeasureUpload)
}

func (c ControlConfig) IsEnabled() bool {
	return util.BoolValue(c.Enabled, defaultControlEnabled)
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(raw)
}

// ParseConfig decodes, defaults and validates a YAML document.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a validated configuration with every default applied and
// the control plane disabled, suitable for one-shot runs without a file.
func Default() Config {
	disabled := false
	cfg := Config{Control: ControlConfig{Enabled: &disabled}}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}

	if c.Probe.TargetURL == "" {
		c.Probe.TargetURL = defaultTargetURL
	}
	if c.Probe.MeasureDownload == nil {
		val := defaultMeasureDownload
		c.Probe.MeasureDownload = &val
	}
	if c.Probe.MeasureUpload == nil {
		val := defaultMeasureUpload
		c.Probe.MeasureUpload = &val
	}

	if c.Connectivity.Source == "" {
		c.Connectivity.Source = defaultConnectivitySource
	}
	if c.Connectivity.Timeout == 0 {
		c.Connectivity.Timeout = Duration(defaultConnectivityTimeout)
	}
	if c.Connectivity.PollInterval == 0 {
		c.Connectivity.PollInterval = Duration(defaultConnectivityInterval)
	}

	if c.Transfer.Timeout == 0 {
		c.Transfer.Timeout = Duration(defaultTransferTimeout)
	}
	if c.Transfer.UploadSize == "" {
		c.Transfer.UploadSize = defaultTransferUploadSize
	}
	if c.Transfer.UserAgent == "" {
		c.Transfer.UserAgent = defaultTransferUserAgent
	}

	if c.SpeedTest.ClearDelay == 0 {
		c.SpeedTest.ClearDelay = Duration(defaultClearDelay)
	}

	if c.Settings.Database == "" {
		c.Settings.Database = defaultSettingsDatabase
	}

	if c.Control.Enabled == nil {
		enabled := defaultControlEnabled
		c.Control.Enabled = &enabled
	}
	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
	if c.Control.Metrics.Enabled == nil {
		enabled := defaultControlMetricsEnabled
		c.Control.Metrics.Enabled = &enabled
	}
}

func (c *Config) validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error: %q", c.Log.Level)
	}

	// The target seeds the settings record, so it follows the record's rule.
	c.Probe.TargetURL = strings.TrimSpace(c.Probe.TargetURL)
	if err := settings.ValidateURL(c.Probe.TargetURL); err != nil {
		return fmt.Errorf("probe.target_url: %w", err)
	}

	c.Connectivity.Source = strings.ToLower(strings.TrimSpace(c.Connectivity.Source))
	switch c.Connectivity.Source {
	case SourceAuto, SourceNetlink, SourceInterfaces, SourceAlways:
	default:
		return errors.New("connectivity.source must be auto, netlink, interfaces or always")
	}
	if c.Connectivity.Timeout.Duration() <= 0 {
		return errors.New("connectivity.timeout must be > 0")
	}
	if c.Connectivity.PollInterval.Duration() <= 0 {
		return errors.New("connectivity.poll_interval must be > 0")
	}

	if c.Transfer.Timeout.Duration() <= 0 {
		return errors.New("transfer.timeout must be > 0")
	}
	c.Transfer.UploadURL = strings.TrimSpace(c.Transfer.UploadURL)
	if c.Transfer.UploadURL != "" {
		if err := validateHTTPURL(c.Transfer.UploadURL); err != nil {
			return fmt.Errorf("transfer.upload_url: %w", err)
		}
	}
	size, err := ParseSize(c.Transfer.UploadSize)
	if err != nil {
		return fmt.Errorf("transfer.upload_size: %w", err)
	}
	if size == 0 || size > maxUploadSize {
		return fmt.Errorf("transfer.upload_size must be in 1..%d bytes", maxUploadSize)
	}
	c.Transfer.UploadBytes = int64(size)
	rate, err := ParseBandwidth(c.Transfer.UploadRateLimit)
	if err != nil {
		return fmt.Errorf("transfer.upload_rate_limit: %w", err)
	}
	c.Transfer.UploadRateBps = rate

	if c.SpeedTest.ClearDelay.Duration() < 0 {
		return errors.New("speedtest.clear_delay must be >= 0")
	}

	c.Transfer.CAFile = strings.TrimSpace(c.Transfer.CAFile)

	c.Settings.Database = strings.TrimSpace(c.Settings.Database)
	c.GeoIP.Database = strings.TrimSpace(c.GeoIP.Database)

	if c.Control.IsEnabled() {
		if c.Control.AuthToken == "" {
			return errors.New("control.auth_token must not be empty")
		}
		if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
	}

	return nil
}

// validateHTTPURL accepts absolute http(s) URLs.
func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("must be an absolute URL: %q", raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https: %q", raw)
	}
	return nil
}
