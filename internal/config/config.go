// Package config loads and validates scanner configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Retention RetentionConfig `mapstructure:"retention"`
	Report    ReportConfig    `mapstructure:"report"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	SubmitRPS         float64       `mapstructure:"submit_rps"`
	SubmitBurst       int           `mapstructure:"submit_burst"`
	PaymentsAPIKey    string        `mapstructure:"payments_api_key"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	TrustForwardedFor bool          `mapstructure:"trust_forwarded_for"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// QueueConfig holds the lease and retry policy of the job queue.
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LeaseWindow  time.Duration `mapstructure:"lease_window"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
}

// ScanConfig tunes the audit pipeline.
type ScanConfig struct {
	MaxFindings        int           `mapstructure:"max_findings"`
	MaxFindingsPerPage int           `mapstructure:"max_findings_per_page"`
	LightTimeout       time.Duration `mapstructure:"light_timeout"`
	EstimateTimeout    time.Duration `mapstructure:"estimate_timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
	AxeScriptPath      string        `mapstructure:"axe_script_path"`
	HeadlessEnabled    bool          `mapstructure:"headless_enabled"`
	ChromePath         string        `mapstructure:"chrome_path"`
	NoSandbox          bool          `mapstructure:"no_sandbox"`
}

// SafetyConfig tunes the URL safety gate.
type SafetyConfig struct {
	DNSCacheTTL  time.Duration `mapstructure:"dns_cache_ttl"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// RetentionConfig bounds the retention sweep.
type RetentionConfig struct {
	Window      time.Duration `mapstructure:"window"`
	Batch       int           `mapstructure:"batch"`
	JobsPerScan int           `mapstructure:"jobs_per_scan"`
	Interval    time.Duration `mapstructure:"interval"`
}

// ReportConfig selects where rendered reports are stored.
type ReportConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig selects the scan lifecycle event sink.
type EventsConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Prefix    string `mapstructure:"prefix"`
	NATSURL   string `mapstructure:"nats_url"`
}

// Load builds a Config from an optional .env file, an optional config file and the environment.
// Environment variables use the A11Y_ prefix, e.g. A11Y_DB_DSN.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("A11Y")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.submit_rps", 0.2)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("server.payments_api_key", "")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.trust_forwarded_for", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("queue.poll_interval", 5*time.Second)
	v.SetDefault("queue.lease_window", 5*time.Minute)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", 30*time.Second)
	v.SetDefault("queue.backoff_max", 5*time.Minute)
	v.SetDefault("scan.max_findings", 500)
	v.SetDefault("scan.max_findings_per_page", 120)
	v.SetDefault("scan.light_timeout", 12*time.Second)
	v.SetDefault("scan.estimate_timeout", 8*time.Second)
	v.SetDefault("scan.user_agent", "a11y-scanner/0.1 (+https://a11y-scanner.example/bot)")
	v.SetDefault("scan.axe_script_path", "")
	v.SetDefault("scan.headless_enabled", true)
	v.SetDefault("scan.chrome_path", "")
	v.SetDefault("scan.no_sandbox", false)
	v.SetDefault("safety.dns_cache_ttl", 60*time.Second)
	v.SetDefault("safety.max_redirects", 5)
	v.SetDefault("safety.fetch_timeout", 15*time.Second)
	v.SetDefault("retention.window", 30*24*time.Hour)
	v.SetDefault("retention.batch", 500)
	v.SetDefault("retention.jobs_per_scan", 50)
	v.SetDefault("retention.interval", time.Hour)
	v.SetDefault("report.backend", "memory")
	v.SetDefault("report.local_dir", "reports")
	v.SetDefault("report.gcs_bucket", "")
	v.SetDefault("report.prefix", "reports")
	v.SetDefault("events.backend", "none")
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.prefix", "a11y")
	v.SetDefault("events.nats_url", "nats://127.0.0.1:4222")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Scan.MaxFindings <= 0 || c.Scan.MaxFindingsPerPage <= 0 {
		return fmt.Errorf("scan.max_findings and scan.max_findings_per_page must be > 0")
	}
	if c.Safety.MaxRedirects <= 0 || c.Safety.MaxRedirects > 5 {
		return fmt.Errorf("safety.max_redirects must be between 1 and 5")
	}
	if c.Retention.Window <= 0 {
		return fmt.Errorf("retention.window must be > 0")
	}
	switch c.Report.Backend {
	case "memory":
	case "local":
		if c.Report.LocalDir == "" {
			return fmt.Errorf("report.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Report.GCSBucket == "" {
			return fmt.Errorf("report.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("report.backend %q is not one of memory, local, gcs", c.Report.Backend)
	}
	switch c.Events.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Events.ProjectID == "" {
			return fmt.Errorf("events.project_id must be set for the pubsub backend")
		}
	case "nats":
		if c.Events.NATSURL == "" {
			return fmt.Errorf("events.nats_url must be set for the nats backend")
		}
	default:
		return fmt.Errorf("events.backend %q is not one of none, memory, pubsub, nats", c.Events.Backend)
	}
	return nil
}
