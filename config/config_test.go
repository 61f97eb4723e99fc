package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig writes content to a temp file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "l2flow.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

const minimalConfig = `l2flow:
  name: "TestApp"
  version: "1.0"
source:
  okx:
    instruments: ["BTC-USDT-SWAP", "ETH-USDT-SWAP"]
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.L2flow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.L2flow.Name)
	}
	if len(cfg.Source.Okx.Instruments) != 2 {
		t.Errorf("unexpected instruments: %v", cfg.Source.Okx.Instruments)
	}
	if cfg.Writer.Cadence != 2*time.Second || cfg.Writer.Depth != 400 || cfg.Writer.Rotation != time.Hour {
		t.Errorf("writer defaults not applied: %+v", cfg.Writer)
	}
	if cfg.Checksum.Depth != 25 || !cfg.Checksum.Enabled {
		t.Errorf("checksum defaults not applied: %+v", cfg.Checksum)
	}
	if cfg.Source.Okx.PingInterval != 20*time.Second || cfg.Source.Okx.ReconnectDelay != 5*time.Second {
		t.Errorf("okx defaults not applied: %+v", cfg.Source.Okx)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig+`
writer:
  cadence: 500ms
  depth: 50
  format: parquet
recovery:
  max_retries: 2
`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Writer.Cadence != 500*time.Millisecond || cfg.Writer.Depth != 50 || cfg.Writer.Format != "parquet" {
		t.Errorf("writer overrides lost: %+v", cfg.Writer)
	}
	if cfg.Recovery.MaxRetries != 2 || cfg.Recovery.SnapshotTimeout != 10*time.Second {
		t.Errorf("recovery merge wrong: %+v", cfg.Recovery)
	}
}

func TestLoadConfigEnvInstruments(t *testing.T) {
	t.Setenv("OKX_INSTRUMENTS", "SOL-USDT-SWAP, XRP-USDT-SWAP")
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if strings.Join(cfg.Source.Okx.Instruments, ",") != "SOL-USDT-SWAP,XRP-USDT-SWAP" {
		t.Errorf("env override not applied: %v", cfg.Source.Okx.Instruments)
	}
}

func TestValidateConfigRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"no instruments":    func(c *Config) { c.Source.Okx.Instruments = nil },
		"dup instrument":    func(c *Config) { c.Source.Okx.Instruments = []string{"A", "A"} },
		"zero cadence":      func(c *Config) { c.Writer.Cadence = 0 },
		"bad format":        func(c *Config) { c.Writer.Format = "csv" },
		"odd rotation":      func(c *Config) { c.Writer.Rotation = 90 * time.Second },
		"no retries":        func(c *Config) { c.Recovery.MaxRetries = 0 },
		"max below base":    func(c *Config) { c.Recovery.MaxDelay = time.Millisecond },
		"checksum depth":    func(c *Config) { c.Checksum.Depth = 0 },
		"s3 without bucket": func(c *Config) { c.Storage.S3.Enabled = true; c.Storage.S3.Region = "us-east-1" },
		"kafka no brokers":  func(c *Config) { c.Storage.Kafka.Enabled = true },
		"raw buffer":        func(c *Config) { c.Channels.RawBuffer = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Source.Okx.Instruments = []string{"BTC-USDT-SWAP"}
			mutate(&cfg)
			if err := validateConfig(&cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestDefaultIsValidWithInstruments(t *testing.T) {
	cfg := Default()
	cfg.Source.Okx.Instruments = []string{"BTC-USDT-SWAP"}
	if err := validateConfig(&cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", "PROD")
	if got := AppEnvironment(); got != EnvironmentProduction {
		t.Fatalf("AppEnvironment() = %s", got)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Fatalf("production should be production-like")
	}
	t.Setenv("APP_ENV", "")
	if got := AppEnvironment(); got != EnvironmentDevelopment {
		t.Fatalf("AppEnvironment() = %s", got)
	}
}

func TestResolveConfigPathKeepsExplicitPath(t *testing.T) {
	if got := ResolveConfigPath("/etc/l2flow.yml"); got != "/etc/l2flow.yml" {
		t.Fatalf("ResolveConfigPath = %s", got)
	}
	if got := ResolveConfigPath(""); got != DefaultConfigPath {
		t.Fatalf("ResolveConfigPath = %s", got)
	}
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := LoadConfig("l2flow.yml")
	if err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
	if len(cfg.Source.Okx.Instruments) == 0 || !cfg.Dashboard.Enabled || cfg.Dashboard.EventHistory != 500 {
		t.Fatalf("unexpected sample config: %+v", cfg)
	}
}
