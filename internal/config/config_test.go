package config

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Worker.PoolSize != 4 {
		t.Errorf("PoolSize = %d, want 4", cfg.Worker.PoolSize)
	}
	if cfg.Analyzer.Timeout != 10*time.Second {
		t.Errorf("Analyzer.Timeout = %s, want 10s", cfg.Analyzer.Timeout)
	}
	if cfg.Analyzer.BatchTimeout != 600*time.Second {
		t.Errorf("Analyzer.BatchTimeout = %s, want 600s", cfg.Analyzer.BatchTimeout)
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Pipeline.MaxAttempts)
	}
	if cfg.Pipeline.Retention != 0 {
		t.Errorf("Retention = %s, want 0 (keep forever)", cfg.Pipeline.Retention)
	}
	if cfg.Server.MaxUploadBytes != 16<<20 {
		t.Errorf("MaxUploadBytes = %d, want %d", cfg.Server.MaxUploadBytes, 16<<20)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "8")
	t.Setenv("PIPELINE_MAX_ATTEMPTS", "5")
	t.Setenv("ANALYZER_URL", "http://analyzer:5001")
	t.Setenv("PIPELINE_RETENTION", "72h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.PoolSize != 8 {
		t.Errorf("PoolSize = %d, want 8", cfg.Worker.PoolSize)
	}
	if cfg.Pipeline.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Pipeline.MaxAttempts)
	}
	if cfg.Analyzer.URL != "http://analyzer:5001" {
		t.Errorf("Analyzer.URL = %q", cfg.Analyzer.URL)
	}
	if cfg.Pipeline.Retention != 72*time.Hour {
		t.Errorf("Retention = %s, want 72h", cfg.Pipeline.Retention)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"zero pool", "WORKER_POOL_SIZE", "0", "WORKER_POOL_SIZE"},
		{"zero attempts", "PIPELINE_MAX_ATTEMPTS", "0", "PIPELINE_MAX_ATTEMPTS"},
		{"analyzer timeout too long", "ANALYZER_BATCH_TIMEOUT", "601s", "ANALYZER_BATCH_TIMEOUT"},
		{"stale window shorter than analyzer timeout", "PIPELINE_STALE_AFTER", "5s", "PIPELINE_STALE_AFTER"},
		{"stale window without room for outcome writes", "PIPELINE_STALE_AFTER", "20s", "PIPELINE_PERSIST_TIMEOUT"},
		{"zero persist timeout", "PIPELINE_PERSIST_TIMEOUT", "0s", "PIPELINE_PERSIST_TIMEOUT"},
		{"negative retention", "PIPELINE_RETENTION", "-1h", "PIPELINE_RETENTION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestPipelineConfig_CycleTimeout(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	p := cfg.Pipeline
	if p.PersistTimeout != 10*time.Second {
		t.Errorf("PersistTimeout = %s, want 10s", p.PersistTimeout)
	}
	if got := p.CycleTimeout(); got != 105*time.Second {
		t.Errorf("CycleTimeout() = %s, want 105s", got)
	}
	// A cycle that uses its whole deadline and then its whole persist budget
	// still finishes inside the staleness window.
	if p.CycleTimeout()+p.PersistTimeout >= p.StaleAfter {
		t.Errorf("cycle (%s) + persist (%s) must end before %s", p.CycleTimeout(), p.PersistTimeout, p.StaleAfter)
	}
	if p.CycleTimeout() <= cfg.Analyzer.Timeout {
		t.Errorf("cycle %s leaves no room for the analyzer timeout %s", p.CycleTimeout(), cfg.Analyzer.Timeout)
	}
}

func TestLoad_AcceptsTightestStaleWindow(t *testing.T) {
	t.Setenv("ANALYZER_TIMEOUT", "10s")
	t.Setenv("PIPELINE_PERSIST_TIMEOUT", "10s")
	t.Setenv("PIPELINE_STALE_AFTER", "26s")
	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	t.Setenv("PIPELINE_STALE_AFTER", "25s")
	if _, err := Load(); err == nil {
		t.Fatal("expected a stale window equal to analyzer + persist + slack to be rejected")
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "debug"}.NewLogger()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("expected debug level enabled")
	}

	if _, err := (LogConfig{Level: "loud"}).NewLogger(); err == nil {
		t.Error("expected error for unknown level")
	}
}
