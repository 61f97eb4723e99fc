package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	L2flow    L2flowConfig    `yaml:"l2flow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Source    SourceConfig    `yaml:"source"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Checksum  ChecksumConfig  `yaml:"checksum"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Retention RetentionConfig `yaml:"retention"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

type L2flowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
	CloudWatch     bool          `yaml:"cloudwatch"`
	Namespace      string        `yaml:"namespace"`
	DashboardName  string        `yaml:"dashboard_name"`
}

type ChannelsConfig struct {
	// RawBuffer is the per-instrument buffer between the websocket reader
	// and the book processor.
	RawBuffer   int `yaml:"raw_buffer"`
	EventBuffer int `yaml:"event_buffer"`
}

type SourceConfig struct {
	Okx OkxSourceConfig `yaml:"okx"`
}

type OkxSourceConfig struct {
	URL            string        `yaml:"url"`
	Channel        string        `yaml:"channel"`
	Instruments    []string      `yaml:"instruments"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ResubscribeGap time.Duration `yaml:"resubscribe_gap"`
	// SubscribeRate bounds subscribe/unsubscribe ops per second.
	SubscribeRate  float64 `yaml:"subscribe_rate"`
	SubscribeBurst int     `yaml:"subscribe_burst"`
}

type RecoveryConfig struct {
	SnapshotTimeout   time.Duration `yaml:"snapshot_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	TickInterval      time.Duration `yaml:"tick_interval"`
}

type ChecksumConfig struct {
	Enabled bool `yaml:"enabled"`
	Depth   int  `yaml:"depth"`
}

type WriterConfig struct {
	Cadence  time.Duration `yaml:"cadence"`
	Depth    int           `yaml:"depth"`
	Rotation time.Duration `yaml:"rotation"`
	// Format selects the bucket sink: "jsonl" or "parquet".
	Format       string `yaml:"format"`
	NotionalTopK int    `yaml:"notional_top_k"`
}

type StorageConfig struct {
	Local LocalConfig `yaml:"local"`
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type LocalConfig struct {
	BaseDir string `yaml:"base_dir"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MetadataConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
	// RequestsPerSecond paces REST lookups.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type RetentionConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	UncompressedHours int           `yaml:"uncompressed_hours"`
	RetentionDays     int           `yaml:"retention_days"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
	EventHistory    int           `yaml:"event_history"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() Config {
	return Config{
		L2flow: L2flowConfig{Name: "l2flow", Version: "dev"},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			Output:    "stdout",
			Namespace: "L2Flow",
		},
		Channels: ChannelsConfig{RawBuffer: 4096, EventBuffer: 1024},
		Source: SourceConfig{Okx: OkxSourceConfig{
			URL:            "wss://ws.okx.com:8443/ws/v5/public",
			Channel:        "books",
			PingInterval:   20 * time.Second,
			ReconnectDelay: 5 * time.Second,
			ResubscribeGap: 500 * time.Millisecond,
			SubscribeRate:  3,
			SubscribeBurst: 3,
		}},
		Recovery: RecoveryConfig{
			SnapshotTimeout:   10 * time.Second,
			MaxRetries:        5,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
			TickInterval:      250 * time.Millisecond,
		},
		Checksum: ChecksumConfig{Enabled: true, Depth: 25},
		Writer: WriterConfig{
			Cadence:      2 * time.Second,
			Depth:        400,
			Rotation:     time.Hour,
			Format:       "jsonl",
			NotionalTopK: 400,
		},
		Storage: StorageConfig{
			Local: LocalConfig{BaseDir: "data/raw"},
			Kafka: KafkaConfig{Topic: "l2flow.snapshots"},
		},
		Metadata: MetadataConfig{
			Enabled:           true,
			URL:               "https://www.okx.com/api/v5/public/instruments",
			Dir:               "data/meta",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 5,
		},
		Retention: RetentionConfig{
			Interval:          time.Hour,
			UncompressedHours: 6,
			RetentionDays:     5,
		},
		Metrics: MetricsConfig{Enabled: true},
		Dashboard: DashboardConfig{
			Address:         ":8080",
			RefreshInterval: 5 * time.Second,
			LogHistory:      200,
			MetricsHistory:  200,
			EventHistory:    500,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.TrimSpace(v)
	}
	if v := os.Getenv("OKX_INSTRUMENTS"); v != "" {
		var inst []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				inst = append(inst, s)
			}
		}
		cfg.Source.Okx.Instruments = inst
	}
	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" && cfg.Storage.Kafka.Enabled {
		cfg.Storage.Kafka.Brokers = strings.Split(v, ",")
	}
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.L2flow.Name == "" {
		return fmt.Errorf("l2flow.name is required")
	}
	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	okx := cfg.Source.Okx
	if okx.URL == "" {
		return fmt.Errorf("source.okx.url is required")
	}
	if len(okx.Instruments) == 0 {
		return fmt.Errorf("source.okx.instruments must list at least one instrument")
	}
	seen := make(map[string]struct{}, len(okx.Instruments))
	for _, inst := range okx.Instruments {
		if strings.TrimSpace(inst) == "" {
			return fmt.Errorf("source.okx.instruments contains an empty entry")
		}
		if _, dup := seen[inst]; dup {
			return fmt.Errorf("source.okx.instruments lists %s twice", inst)
		}
		seen[inst] = struct{}{}
	}
	if okx.PingInterval <= 0 || okx.ReconnectDelay <= 0 {
		return fmt.Errorf("source.okx.ping_interval and reconnect_delay must be greater than 0")
	}
	if okx.SubscribeRate <= 0 || okx.SubscribeBurst <= 0 {
		return fmt.Errorf("source.okx.subscribe_rate and subscribe_burst must be greater than 0")
	}

	r := cfg.Recovery
	if r.SnapshotTimeout <= 0 {
		return fmt.Errorf("recovery.snapshot_timeout must be greater than 0")
	}
	if r.MaxRetries <= 0 {
		return fmt.Errorf("recovery.max_retries must be greater than 0")
	}
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("recovery.base_delay must be > 0 and <= recovery.max_delay")
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("recovery.backoff_multiplier must be at least 1")
	}
	if r.TickInterval <= 0 {
		return fmt.Errorf("recovery.tick_interval must be greater than 0")
	}

	if cfg.Checksum.Enabled && cfg.Checksum.Depth <= 0 {
		return fmt.Errorf("checksum.depth must be greater than 0")
	}

	w := cfg.Writer
	if w.Cadence <= 0 {
		return fmt.Errorf("writer.cadence must be greater than 0")
	}
	if w.Depth <= 0 {
		return fmt.Errorf("writer.depth must be greater than 0")
	}
	if w.Rotation < time.Minute || w.Rotation%time.Minute != 0 {
		return fmt.Errorf("writer.rotation must be a whole number of minutes")
	}
	switch w.Format {
	case "jsonl", "parquet":
	default:
		return fmt.Errorf("writer.format '%s' must be jsonl or parquet", w.Format)
	}
	if w.NotionalTopK < 0 {
		return fmt.Errorf("writer.notional_top_k must not be negative")
	}
	if cfg.Storage.Local.BaseDir == "" {
		return fmt.Errorf("storage.local.base_dir is required")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}
	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when Kafka is enabled")
		}
	}

	if cfg.Metadata.Enabled {
		if cfg.Metadata.URL == "" || cfg.Metadata.Dir == "" {
			return fmt.Errorf("metadata.url and metadata.dir are required when metadata is enabled")
		}
		if cfg.Metadata.RequestsPerSecond <= 0 {
			return fmt.Errorf("metadata.requests_per_second must be greater than 0")
		}
	}

	if cfg.Retention.Enabled {
		if cfg.Retention.Interval <= 0 {
			return fmt.Errorf("retention.interval must be greater than 0")
		}
		if cfg.Retention.UncompressedHours <= 0 || cfg.Retention.RetentionDays <= 0 {
			return fmt.Errorf("retention.uncompressed_hours and retention_days must be greater than 0")
		}
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Address == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
