package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/overlaynet/overlay-core/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.GRPC.Addr != ":50051" {
		t.Errorf("GRPC.Addr = %q, want %q", cfg.GRPC.Addr, ":50051")
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}
	if cfg.Transport.ListenAddr != ":4433" {
		t.Errorf("Transport.ListenAddr = %q, want %q", cfg.Transport.ListenAddr, ":4433")
	}
	if cfg.Reorder.Timeout != 200*time.Millisecond {
		t.Errorf("Reorder.Timeout = %v, want %v", cfg.Reorder.Timeout, 200*time.Millisecond)
	}
	if cfg.MixBatch.Enabled {
		t.Error("MixBatch.Enabled should default to false")
	}
	if cfg.PCR.RotationInterval != 24*time.Hour {
		t.Errorf("PCR.RotationInterval = %v, want %v", cfg.PCR.RotationInterval, 24*time.Hour)
	}
	if cfg.PCR.AnomalyThreshold != 0.8 {
		t.Errorf("PCR.AnomalyThreshold = %v, want %v", cfg.PCR.AnomalyThreshold, 0.8)
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig failed Validate: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
grpc:
  addr: ":60000"
transport:
  listen_addr: ":5000"
  max_datagram_size: 1300
mixbatch:
  enabled: true
  batch_size: 16
pcr:
  rotation_interval: "12h"
  anomaly_threshold: 0.5
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.GRPC.Addr != ":60000" {
		t.Errorf("GRPC.Addr = %q, want %q", cfg.GRPC.Addr, ":60000")
	}
	if cfg.Transport.ListenAddr != ":5000" {
		t.Errorf("Transport.ListenAddr = %q, want %q", cfg.Transport.ListenAddr, ":5000")
	}
	if cfg.Transport.MaxDatagramSize != 1300 {
		t.Errorf("Transport.MaxDatagramSize = %d, want 1300", cfg.Transport.MaxDatagramSize)
	}
	if !cfg.MixBatch.Enabled {
		t.Error("MixBatch.Enabled should be true")
	}
	if cfg.MixBatch.BatchSize != 16 {
		t.Errorf("MixBatch.BatchSize = %d, want 16", cfg.MixBatch.BatchSize)
	}
	if cfg.PCR.RotationInterval != 12*time.Hour {
		t.Errorf("PCR.RotationInterval = %v, want %v", cfg.PCR.RotationInterval, 12*time.Hour)
	}
	if cfg.PCR.AnomalyThreshold != 0.5 {
		t.Errorf("PCR.AnomalyThreshold = %v, want 0.5", cfg.PCR.AnomalyThreshold)
	}

	// Fields not set in YAML should still carry their defaults.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	base := config.DefaultConfig

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty grpc addr",
			mutate:  func(c *config.Config) { c.GRPC.Addr = "" },
			wantErr: config.ErrEmptyGRPCAddr,
		},
		{
			name:    "empty transport addr",
			mutate:  func(c *config.Config) { c.Transport.ListenAddr = "" },
			wantErr: config.ErrEmptyTransportAddr,
		},
		{
			name:    "zero datagram size",
			mutate:  func(c *config.Config) { c.Transport.MaxDatagramSize = 0 },
			wantErr: config.ErrInvalidDatagramSize,
		},
		{
			name:    "zero reorder capacity",
			mutate:  func(c *config.Config) { c.Reorder.Capacity = 0 },
			wantErr: config.ErrInvalidReorderCapacity,
		},
		{
			name:    "inverted hop count range",
			mutate:  func(c *config.Config) { c.Feedback.MinHopCount, c.Feedback.MaxHopCount = 5, 2 },
			wantErr: config.ErrInvalidHopCountRange,
		},
		{
			name:    "zero rate bps",
			mutate:  func(c *config.Config) { c.ConnMgr.RateBps = 0 },
			wantErr: config.ErrInvalidRateBps,
		},
		{
			name: "mixbatch enabled with zero batch size",
			mutate: func(c *config.Config) {
				c.MixBatch.Enabled = true
				c.MixBatch.BatchSize = 0
			},
			wantErr: config.ErrInvalidMixBatchSize,
		},
		{
			name:    "anomaly threshold out of range",
			mutate:  func(c *config.Config) { c.PCR.AnomalyThreshold = 1.5 },
			wantErr: config.ErrInvalidAnomalyThreshold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"DEBUG":   slog.LevelDebug,
		"unknown": slog.LevelInfo,
		"":        slog.LevelInfo,
	}

	for input, want := range cases {
		if got := config.ParseLogLevel(input); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error loading a nonexistent file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeTemp(t, "grpc:\n  addr: \":1\"\n")
	t.Setenv("OVERLAY_GRPC_ADDR", ":60050")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPC.Addr != ":60050" {
		t.Errorf("GRPC.Addr = %q, want env override %q", cfg.GRPC.Addr, ":60050")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "overlayd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
