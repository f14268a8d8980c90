package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFormatInterval(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{time.Minute, "1m"},
		{5 * time.Minute, "5m"},
		{time.Hour, "1h"},
		{4 * time.Hour, "4h"},
		{24 * time.Hour, "1d"},
		{30 * time.Second, "30s"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatInterval(tt.in); got != tt.want {
				t.Errorf("FormatInterval(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTimeframeLabel(t *testing.T) {
	if got := TimeframeLabel(240); got != "4h" {
		t.Errorf("Expected 4h, got %s", got)
	}
	if got := TimeframeLabel(1440); got != "1d" {
		t.Errorf("Expected 1d, got %s", got)
	}
}

func TestParseIntervalDuration(t *testing.T) {
	d, err := ParseIntervalDuration("15m")
	if err != nil || d != 15*time.Minute {
		t.Errorf("Expected 15m, got %v (%v)", d, err)
	}

	for _, bad := range []string{"", "m", "0m", "5x", "am"} {
		if _, err := ParseIntervalDuration(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Gateway.ClientQueueSize != 1000 {
		t.Errorf("Expected client queue 1000, got %d", cfg.Gateway.ClientQueueSize)
	}
	if cfg.Persistence.CandlesPerFile != 100 || cfg.Persistence.TicksPerFile != 1000 {
		t.Errorf("Unexpected rotation defaults: %+v", cfg.Persistence)
	}
	if cfg.Reconnect.MaxAttempts != 3 || cfg.Reconnect.Window != time.Minute {
		t.Errorf("Unexpected reconnect defaults: %+v", cfg.Reconnect)
	}
	if cfg.Reconnect.BaseDelay != 5*time.Second {
		t.Errorf("Expected base delay 5s, got %v", cfg.Reconnect.BaseDelay)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  addr: "0.0.0.0:9000"
stream:
  default_timeframe: 5
reconnect:
  base_delay: 2s
persistence:
  enabled: true
  dir: /tmp/candles
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CSB_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("Expected addr from file, got %s", cfg.Server.Addr)
	}
	if cfg.Stream.DefaultTimeframe != 5 {
		t.Errorf("Expected timeframe 5, got %d", cfg.Stream.DefaultTimeframe)
	}
	if cfg.Reconnect.BaseDelay != 2*time.Second {
		t.Errorf("Expected base delay 2s, got %v", cfg.Reconnect.BaseDelay)
	}
	if !cfg.Persistence.Enabled || cfg.Persistence.Dir != "/tmp/candles" {
		t.Errorf("Unexpected persistence config: %+v", cfg.Persistence)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected env override for log level, got %s", cfg.Log.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	bad := *cfg
	bad.Stream.DefaultTimeframe = -1
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for negative timeframe")
	}

	bad = *cfg
	bad.Gateway.ClientQueueSize = 0
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for zero client queue")
	}
}
