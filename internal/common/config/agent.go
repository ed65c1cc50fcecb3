package config

import (
	"math"
	"strings"
	"time"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/pkg/trace"
	"github.com/ifuryst/lol"
)

type (
	// AgentConfig represents the capture agent configuration
	AgentConfig struct {
		Capture CaptureConfig `yaml:"capture" toml:"capture"`
		Bridge  BridgeConfig  `yaml:"bridge" toml:"bridge"`
		Logger  LoggerConfig  `yaml:"logger" toml:"logger"`
		Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
		Tracing trace.Config  `yaml:"tracing" toml:"tracing"`
	}

	// CaptureConfig holds the host supplied inputs of one capture pipeline
	CaptureConfig struct {
		SiteID             string        `yaml:"site_id" toml:"site_id"`
		APIOrigin          string        `yaml:"api_origin" toml:"api_origin"`
		SamplePercentage   float64       `yaml:"sample_percentage" toml:"sample_percentage"`
		MinDuration        time.Duration `yaml:"min_duration" toml:"min_duration"`
		IdleCutoff         time.Duration `yaml:"idle_cutoff" toml:"idle_cutoff"`
		MaxDuration        time.Duration `yaml:"max_duration" toml:"max_duration"`
		Blacklist          []string      `yaml:"blacklist" toml:"blacklist"`
		FlushInterval      time.Duration `yaml:"flush_interval" toml:"flush_interval"`
		MaxBufferBytes     int           `yaml:"max_buffer_bytes" toml:"max_buffer_bytes"`
		FailureThreshold   int           `yaml:"failure_threshold" toml:"failure_threshold"`
		MaxTotalFailures   int           `yaml:"max_total_failures" toml:"max_total_failures"`
		CheckInterval      time.Duration `yaml:"check_interval" toml:"check_interval"`
		BeaconTimeout      time.Duration `yaml:"beacon_timeout" toml:"beacon_timeout"`
		ScreenResolution   string        `yaml:"screen_resolution" toml:"screen_resolution"`
		DisableCompression bool          `yaml:"disable_compression" toml:"disable_compression"`
		FullSnapshotOnPage bool          `yaml:"full_snapshot_on_page" toml:"full_snapshot_on_page"`
	}

	// BridgeConfig represents the websocket bridge the browser shim connects to
	BridgeConfig struct {
		Addr           string   `yaml:"addr" toml:"addr"`
		Path           string   `yaml:"path" toml:"path"`
		AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	}
)

func (c *AgentConfig) applyDefaults() {
	c.Capture.ApplyDefaults()
	if c.Bridge.Addr == "" {
		c.Bridge.Addr = ":5241"
	}
	if c.Bridge.Path == "" {
		c.Bridge.Path = "/capture"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = cnst.AppName
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = cnst.AgentCommandName
	}
}

// ApplyDefaults fills zero values and clamps out of range inputs
func (c *CaptureConfig) ApplyDefaults() {
	c.SamplePercentage = ClampPercentage(c.SamplePercentage)
	c.APIOrigin = strings.TrimSuffix(c.APIOrigin, "/")
	if c.MinDuration <= 0 {
		c.MinDuration = cnst.DefaultMinDuration
	}
	if c.IdleCutoff <= 0 {
		c.IdleCutoff = cnst.DefaultIdleCutoff
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = cnst.DefaultMaxDuration
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = cnst.DefaultFlushInterval
	}
	// avoid network chatter even when configured lower
	if c.FlushInterval < cnst.MinFlushInterval {
		c.FlushInterval = cnst.MinFlushInterval
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = cnst.DefaultMaxBufferBytes
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = cnst.DefaultFailureThreshold
	}
	if c.MaxTotalFailures < c.FailureThreshold {
		c.MaxTotalFailures = max(cnst.DefaultMaxTotalFailures, c.FailureThreshold)
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = cnst.DefaultCheckInterval
	}
	if c.BeaconTimeout <= 0 {
		c.BeaconTimeout = cnst.DefaultBeaconTimeout
	}
	if c.ScreenResolution == "" {
		c.ScreenResolution = cnst.DefaultScreenResolution
	}

	blacklist := make([]string, 0, len(c.Blacklist))
	for _, p := range c.Blacklist {
		if p = strings.TrimSpace(p); p != "" {
			blacklist = append(blacklist, p)
		}
	}
	c.Blacklist = lol.UniqSlice(blacklist)
}

// ClampPercentage maps invalid sample percentages to 0
func ClampPercentage(pct float64) float64 {
	if math.IsNaN(pct) || pct < 0 || pct > 100 {
		return 0
	}
	return pct
}
