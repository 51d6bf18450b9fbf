// Package config loads FlowLens's runtime configuration from environment
// variables, in the style of the indexer service's Config/DefaultConfig/
// LoadFromEnv/Validate pattern: typed fields, conservative defaults, and a
// single validation pass before the process starts serving traffic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every core configuration key enumerated in spec §6.
type Config struct {
	// Ingestion
	NetFlowPort          int
	SFlowPort            int
	QueueMaxSize         int
	SampleThreshold      int
	DropThreshold        int
	SampleRate           int
	BatchSize            int
	BatchTimeoutMS       int
	DiscardExternalFlows bool

	// Enrichment
	DNSTimeout   time.Duration
	DNSCacheSize int
	DNSCacheTTL  time.Duration
	DNSServers   []string

	// Resolution
	WindowSeconds            int
	WatermarkDelay           time.Duration
	StalenessThreshold       time.Duration
	DetectionIntervalMinutes int
	SpikeRatio               float64

	// Classification
	AutoUpdateThreshold float64
	MinFlows            int
	MinObservationHours int
	MLConfidenceThresh  float64
	MLMinFlows          int

	// Cache
	TopologyCacheTTLSeconds int

	// Storage / surface
	PostgresDSN string
	APIAddr     string
	LogLevel    string
	LogFormat   string
}

// DefaultConfig returns the conservative defaults named throughout spec §4
// and §6 (window_seconds=60, auto_update_threshold=0.70, min_flows=100,
// min_observation_hours=24, …).
func DefaultConfig() *Config {
	return &Config{
		NetFlowPort:          2055,
		SFlowPort:            6343,
		QueueMaxSize:         10000,
		SampleThreshold:      5000,
		DropThreshold:        8000,
		SampleRate:           2,
		BatchSize:            500,
		BatchTimeoutMS:       1000,
		DiscardExternalFlows: false,

		DNSTimeout:   2 * time.Second,
		DNSCacheSize: 10000,
		DNSCacheTTL:  1 * time.Hour,

		WindowSeconds:            60,
		WatermarkDelay:           30 * time.Second,
		StalenessThreshold:       7 * 24 * time.Hour,
		DetectionIntervalMinutes: 5,
		SpikeRatio:               0.5,

		AutoUpdateThreshold: 0.70,
		MinFlows:            100,
		MinObservationHours: 24,
		MLConfidenceThresh:  0.80,
		MLMinFlows:          500,

		TopologyCacheTTLSeconds: 30,

		APIAddr:   ":8090",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadFromEnv overlays environment variables (FLOWLENS_ prefix) onto
// DefaultConfig.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	setInt(&cfg.NetFlowPort, "FLOWLENS_NETFLOW_PORT")
	setInt(&cfg.SFlowPort, "FLOWLENS_SFLOW_PORT")
	setInt(&cfg.QueueMaxSize, "FLOWLENS_QUEUE_MAX_SIZE")
	setInt(&cfg.SampleThreshold, "FLOWLENS_SAMPLE_THRESHOLD")
	setInt(&cfg.DropThreshold, "FLOWLENS_DROP_THRESHOLD")
	setInt(&cfg.SampleRate, "FLOWLENS_SAMPLE_RATE")
	setInt(&cfg.BatchSize, "FLOWLENS_BATCH_SIZE")
	setInt(&cfg.BatchTimeoutMS, "FLOWLENS_BATCH_TIMEOUT_MS")
	setBool(&cfg.DiscardExternalFlows, "FLOWLENS_DISCARD_EXTERNAL_FLOWS")

	setDuration(&cfg.DNSTimeout, "FLOWLENS_DNS_TIMEOUT")
	setInt(&cfg.DNSCacheSize, "FLOWLENS_DNS_CACHE_SIZE")
	setDuration(&cfg.DNSCacheTTL, "FLOWLENS_DNS_CACHE_TTL")
	if servers := os.Getenv("FLOWLENS_DNS_SERVERS"); servers != "" {
		cfg.DNSServers = splitCSV(servers)
	}

	setInt(&cfg.WindowSeconds, "FLOWLENS_WINDOW_SECONDS")
	setDuration(&cfg.WatermarkDelay, "FLOWLENS_WATERMARK_DELAY")
	setDuration(&cfg.StalenessThreshold, "FLOWLENS_STALENESS_THRESHOLD")
	setInt(&cfg.DetectionIntervalMinutes, "FLOWLENS_DETECTION_INTERVAL_MINUTES")
	setFloat(&cfg.SpikeRatio, "FLOWLENS_SPIKE_RATIO")

	setFloat(&cfg.AutoUpdateThreshold, "FLOWLENS_AUTO_UPDATE_THRESHOLD")
	setInt(&cfg.MinFlows, "FLOWLENS_MIN_FLOWS")
	setInt(&cfg.MinObservationHours, "FLOWLENS_MIN_OBSERVATION_HOURS")
	setFloat(&cfg.MLConfidenceThresh, "FLOWLENS_ML_CONFIDENCE_THRESHOLD")
	setInt(&cfg.MLMinFlows, "FLOWLENS_ML_MIN_FLOWS")

	setInt(&cfg.TopologyCacheTTLSeconds, "FLOWLENS_TOPOLOGY_CACHE_TTL_SECONDS")

	if dsn := os.Getenv("FLOWLENS_POSTGRES_DSN"); dsn != "" {
		cfg.PostgresDSN = dsn
	}
	if addr := os.Getenv("FLOWLENS_API_ADDR"); addr != "" {
		cfg.APIAddr = addr
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if fmtVal := os.Getenv("LOG_FORMAT"); fmtVal != "" {
		cfg.LogFormat = fmtVal
	}

	return cfg, cfg.Validate()
}

// Validate checks cross-field invariants the spec calls out explicitly:
// the three-tier queue threshold ordering and the [0,1] confidence ranges.
func (c *Config) Validate() error {
	if !(c.SampleThreshold < c.DropThreshold && c.DropThreshold < c.QueueMaxSize) {
		return fmt.Errorf("config: require sample_threshold(%d) < drop_threshold(%d) < queue_max_size(%d)",
			c.SampleThreshold, c.DropThreshold, c.QueueMaxSize)
	}
	if c.SampleRate < 1 {
		return fmt.Errorf("config: sample_rate must be >= 1, got %d", c.SampleRate)
	}
	if c.WindowSeconds <= 0 {
		return fmt.Errorf("config: window_seconds must be positive, got %d", c.WindowSeconds)
	}
	if c.AutoUpdateThreshold < 0 || c.AutoUpdateThreshold > 1 {
		return fmt.Errorf("config: auto_update_threshold must be in [0,1], got %f", c.AutoUpdateThreshold)
	}
	if c.MLConfidenceThresh < 0 || c.MLConfidenceThresh > 1 {
		return fmt.Errorf("config: ml_confidence_threshold must be in [0,1], got %f", c.MLConfidenceThresh)
	}
	if c.SpikeRatio <= 0 {
		return fmt.Errorf("config: spike_ratio must be positive, got %f", c.SpikeRatio)
	}
	return nil
}

func setInt(dst *int, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func setFloat(dst *float64, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			*dst = v
		}
	}
}

func setBool(dst *bool, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			*dst = v
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			*dst = v
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
