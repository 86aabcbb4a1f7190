// Package config manages the overlay transport's configuration using
// koanf/v2, grounded directly on the teacher's config package: a layered
// file+env loader over a typed Config tree, one section per major
// component, validated after merge.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete overlayd configuration.
type Config struct {
	GRPC      GRPCConfig      `koanf:"grpc"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Transport TransportConfig `koanf:"transport"`
	Reorder   ReorderConfig   `koanf:"reorder"`
	ConnMgr   ConnMgrConfig   `koanf:"connmgr"`
	Feedback  FeedbackConfig  `koanf:"feedback"`
	MixBatch  MixBatchConfig  `koanf:"mixbatch"`
	PCR       PCRConfig       `koanf:"pcr"`
}

// GRPCConfig holds the ConnectRPC control-plane server configuration.
type GRPCConfig struct {
	// Addr is the gRPC listen address (e.g., ":50051").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TransportConfig holds the UDP datagram transport's settings.
type TransportConfig struct {
	// ListenAddr is the local UDP bind address (host:port form).
	ListenAddr string `koanf:"listen_addr"`
	// MaxDatagramSize bounds a single recv buffer.
	MaxDatagramSize int `koanf:"max_datagram_size"`
	// HopLimit optionally caps outgoing IPv4 TTL; zero leaves the OS default.
	HopLimit int `koanf:"hop_limit"`
}

// ReorderConfig configures the per-connection reorder buffers.
type ReorderConfig struct {
	GlobalMode bool          `koanf:"global_mode"`
	Capacity   int           `koanf:"capacity"`
	Timeout    time.Duration `koanf:"timeout"`
}

// ConnMgrConfig seeds each new path's token bucket.
type ConnMgrConfig struct {
	RateBps    float64 `koanf:"rate_bps"`
	BurstBytes float64 `koanf:"burst_bytes"`
}

// FeedbackConfig mirrors internal/feedback.Config (spec §4.I LARMix).
type FeedbackConfig struct {
	MinHopCount                   int           `koanf:"min_hop_count"`
	MaxHopCount                   int           `koanf:"max_hop_count"`
	TargetLatency                 time.Duration `koanf:"target_latency"`
	LossThreshold                 float64       `koanf:"loss_threshold"`
	BandwidthDegradationThreshold float64       `koanf:"bandwidth_degradation_threshold"`
	MetricsUpdateInterval         time.Duration `koanf:"metrics_update_interval"`
	HopAdjustmentInterval         time.Duration `koanf:"hop_adjustment_interval"`
	MinAdjustmentGap              time.Duration `koanf:"min_adjustment_gap"`
	DegradationCheckInterval      time.Duration `koanf:"degradation_check_interval"`
	DegradationWindow             time.Duration `koanf:"degradation_window"`
	ReactivationWindow            time.Duration `koanf:"reactivation_window"`
}

// MixBatchConfig mirrors internal/mixbatch.Config (spec §4.J).
type MixBatchConfig struct {
	Enabled                 bool          `koanf:"enabled"`
	BatchSize               int           `koanf:"batch_size"`
	VDFDelayMs              uint64        `koanf:"vdf_delay_ms"`
	BatchTimeout            time.Duration `koanf:"batch_timeout"`
	MaxConcurrentBatches    int           `koanf:"max_concurrent_batches"`
	EnableAccumulatorProofs bool          `koanf:"enable_accumulator_proofs"`
	ProofCacheWindow        time.Duration `koanf:"proof_cache_window"`
}

// PCRConfig mirrors internal/pcr.Config (spec §4.L).
type PCRConfig struct {
	EnableAnomaly    bool          `koanf:"enable_anomaly"`
	EnableExternal   bool          `koanf:"enable_external"`
	EnablePeriodic   bool          `koanf:"enable_periodic"`
	RotationInterval time.Duration `koanf:"rotation_interval"`
	AnomalyThreshold float64       `koanf:"anomaly_threshold"`
	AuditLogCapacity int           `koanf:"audit_log_capacity"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults, mirroring
// each component package's own DefaultConfig so that settings a config file
// leaves out take the values the components use on their own.
func DefaultConfig() *Config {
	return &Config{
		GRPC: GRPCConfig{
			Addr: ":50051",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Transport: TransportConfig{
			ListenAddr:      ":4433",
			MaxDatagramSize: 1472,
			HopLimit:        0,
		},
		Reorder: ReorderConfig{
			GlobalMode: false,
			Capacity:   2048,
			Timeout:    200 * time.Millisecond,
		},
		ConnMgr: ConnMgrConfig{
			RateBps:    1 << 20,
			BurstBytes: 1 << 16,
		},
		Feedback: FeedbackConfig{
			MinHopCount:                   3,
			MaxHopCount:                   7,
			TargetLatency:                 200 * time.Millisecond,
			LossThreshold:                 0.05,
			BandwidthDegradationThreshold: 0.5,
			MetricsUpdateInterval:         5 * time.Second,
			HopAdjustmentInterval:         10 * time.Second,
			MinAdjustmentGap:              30 * time.Second,
			DegradationCheckInterval:      5 * time.Second,
			DegradationWindow:             10 * time.Second,
			ReactivationWindow:            15 * time.Second,
		},
		MixBatch: MixBatchConfig{
			Enabled:                 false,
			BatchSize:               32,
			VDFDelayMs:              5,
			BatchTimeout:            500 * time.Millisecond,
			MaxConcurrentBatches:    4,
			EnableAccumulatorProofs: true,
			ProofCacheWindow:        10 * time.Minute,
		},
		PCR: PCRConfig{
			EnableAnomaly:    true,
			EnableExternal:   true,
			EnablePeriodic:   false,
			RotationInterval: 24 * time.Hour,
			AnomalyThreshold: 0.8,
			AuditLogCapacity: 256,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for overlay configuration.
// Variables are named OVERLAY_<section>_<key>, e.g., OVERLAY_GRPC_ADDR.
const envPrefix = "OVERLAY_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (OVERLAY_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms OVERLAY_GRPC_ADDR -> grpc.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"grpc.addr":                                  d.GRPC.Addr,
		"metrics.addr":                               d.Metrics.Addr,
		"metrics.path":                                d.Metrics.Path,
		"log.level":                                  d.Log.Level,
		"log.format":                                 d.Log.Format,
		"transport.listen_addr":                      d.Transport.ListenAddr,
		"transport.max_datagram_size":                d.Transport.MaxDatagramSize,
		"transport.hop_limit":                        d.Transport.HopLimit,
		"reorder.global_mode":                        d.Reorder.GlobalMode,
		"reorder.capacity":                           d.Reorder.Capacity,
		"reorder.timeout":                            d.Reorder.Timeout.String(),
		"connmgr.rate_bps":                           d.ConnMgr.RateBps,
		"connmgr.burst_bytes":                        d.ConnMgr.BurstBytes,
		"feedback.min_hop_count":                     d.Feedback.MinHopCount,
		"feedback.max_hop_count":                     d.Feedback.MaxHopCount,
		"feedback.target_latency":                    d.Feedback.TargetLatency.String(),
		"feedback.loss_threshold":                    d.Feedback.LossThreshold,
		"feedback.bandwidth_degradation_threshold":   d.Feedback.BandwidthDegradationThreshold,
		"feedback.metrics_update_interval":           d.Feedback.MetricsUpdateInterval.String(),
		"feedback.hop_adjustment_interval":           d.Feedback.HopAdjustmentInterval.String(),
		"feedback.min_adjustment_gap":                d.Feedback.MinAdjustmentGap.String(),
		"feedback.degradation_check_interval":        d.Feedback.DegradationCheckInterval.String(),
		"feedback.degradation_window":                d.Feedback.DegradationWindow.String(),
		"feedback.reactivation_window":               d.Feedback.ReactivationWindow.String(),
		"mixbatch.enabled":                           d.MixBatch.Enabled,
		"mixbatch.batch_size":                        d.MixBatch.BatchSize,
		"mixbatch.vdf_delay_ms":                      d.MixBatch.VDFDelayMs,
		"mixbatch.batch_timeout":                     d.MixBatch.BatchTimeout.String(),
		"mixbatch.max_concurrent_batches":            d.MixBatch.MaxConcurrentBatches,
		"mixbatch.enable_accumulator_proofs":         d.MixBatch.EnableAccumulatorProofs,
		"mixbatch.proof_cache_window":                d.MixBatch.ProofCacheWindow.String(),
		"pcr.enable_anomaly":                         d.PCR.EnableAnomaly,
		"pcr.enable_external":                        d.PCR.EnableExternal,
		"pcr.enable_periodic":                        d.PCR.EnablePeriodic,
		"pcr.rotation_interval":                      d.PCR.RotationInterval.String(),
		"pcr.anomaly_threshold":                      d.PCR.AnomalyThreshold,
		"pcr.audit_log_capacity":                     d.PCR.AuditLogCapacity,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

var (
	ErrEmptyGRPCAddr           = errors.New("grpc.addr must not be empty")
	ErrEmptyTransportAddr      = errors.New("transport.listen_addr must not be empty")
	ErrInvalidDatagramSize     = errors.New("transport.max_datagram_size must be > 0")
	ErrInvalidReorderCapacity  = errors.New("reorder.capacity must be > 0")
	ErrInvalidHopCountRange    = errors.New("feedback.min_hop_count must be <= feedback.max_hop_count")
	ErrInvalidRateBps          = errors.New("connmgr.rate_bps must be > 0")
	ErrInvalidMixBatchSize     = errors.New("mixbatch.batch_size must be > 0 when mixbatch.enabled")
	ErrInvalidAnomalyThreshold = errors.New("pcr.anomaly_threshold must be in (0, 1]")
)

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if cfg.GRPC.Addr == "" {
		return ErrEmptyGRPCAddr
	}
	if cfg.Transport.ListenAddr == "" {
		return ErrEmptyTransportAddr
	}
	if cfg.Transport.MaxDatagramSize <= 0 {
		return ErrInvalidDatagramSize
	}
	if cfg.Reorder.Capacity <= 0 {
		return ErrInvalidReorderCapacity
	}
	if cfg.Feedback.MinHopCount > cfg.Feedback.MaxHopCount {
		return ErrInvalidHopCountRange
	}
	if cfg.ConnMgr.RateBps <= 0 {
		return ErrInvalidRateBps
	}
	if cfg.MixBatch.Enabled && cfg.MixBatch.BatchSize <= 0 {
		return ErrInvalidMixBatchSize
	}
	if cfg.PCR.AnomalyThreshold <= 0 || cfg.PCR.AnomalyThreshold > 1 {
		return ErrInvalidAnomalyThreshold
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
