// Package config loads and validates tracker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/pagewatch/internal/logging"
	"github.com/JakeFAU/pagewatch/internal/tracker"
)

// Store backends accepted by store.backend.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
)

// DefaultUserAgent is a browser signature; some sites reject default automated-client agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Config captures all knobs for a run. It is built once at startup and passed by value.
type Config struct {
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Store    StoreConfig    `mapstructure:"store"`
	Events   EventsConfig   `mapstructure:"events"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Logging  logging.Config `mapstructure:"logging"`
}

// TrackerConfig lists the monitored pages and run-level behaviour.
type TrackerConfig struct {
	URLs            []string `mapstructure:"urls"`
	Concurrency     int      `mapstructure:"concurrency"`
	NotifyFirstSeen bool     `mapstructure:"notify_first_seen"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	PerHostRPS     float64       `mapstructure:"per_host_rps"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
}

// SMTPConfig holds the outbound mail credentials.
type SMTPConfig struct {
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Sender    string        `mapstructure:"sender"`
	Password  string        `mapstructure:"password"`
	Recipient string        `mapstructure:"recipient"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects and configures the digest store backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Dir      string         `mapstructure:"dir"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	GCS      GCSConfig      `mapstructure:"gcs"`
}

// RedisConfig configures the redis digest store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// PostgresConfig configures the postgres digest store.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// GCSConfig configures the Cloud Storage digest store.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// EventsConfig holds metadata for change event publication.
type EventsConfig struct {
	PubSub PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig names the topic change events go to. Empty topic disables publication.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig controls the Pushgateway export at the end of a run.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// ScheduleConfig drives the in-process scheduler.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// legacyEnv maps config keys to the environment variable names the tracker has always read.
var legacyEnv = map[string]string{
	"tracker.urls":   "TRACKED_URLS",
	"smtp.sender":    "SENDER_EMAIL",
	"smtp.password":  "SENDER_PASSWORD",
	"smtp.recipient": "RECIPIENT_EMAIL",
	"smtp.host":      "SMTP_SERVER",
	"smtp.port":      "SMTP_PORT",
}

// Load builds a Config from disk/environment and validates it.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if err := readConfigFile(v, path); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg = cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readConfigFile reads path when given. Otherwise pagewatch.{yaml,json,toml} is
// looked up in the working directory, /etc/pagewatch and $HOME/.pagewatch; a
// missing file there is not an error.
func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}
	v.SetConfigName("pagewatch")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pagewatch/")
	v.AddConfigPath("$HOME/.pagewatch")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tracker.urls", []string{})
	v.SetDefault("tracker.concurrency", 4)
	v.SetDefault("tracker.notify_first_seen", true)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", DefaultUserAgent)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial", 500*time.Millisecond)
	v.SetDefault("http.backoff_max", 5*time.Second)
	v.SetDefault("http.per_host_rps", 0)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.timeout", 30*time.Second)
	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("store.dir", "snapshots")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.prefix", "pagewatch:digest:")
	v.SetDefault("store.postgres.table", "page_digests")
	v.SetDefault("store.postgres.ensure_schema", true)
	v.SetDefault("store.gcs.prefix", "snapshots")
	v.SetDefault("metrics.job", "pagewatch")
	v.SetDefault("schedule.cron", "0 */6 * * *")
	v.SetDefault("logging.development", false)
}

func bindEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		prefixed := "PAGEWATCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// normalize trims list entries, drops empties and applies derived defaults.
func (c Config) normalize() Config {
	urls := make([]string, 0, len(c.Tracker.URLs))
	for _, raw := range c.Tracker.URLs {
		for _, part := range strings.Split(raw, ",") {
			if u := strings.TrimSpace(part); u != "" {
				urls = append(urls, u)
			}
		}
	}
	c.Tracker.URLs = urls
	c.SMTP.Sender = strings.TrimSpace(c.SMTP.Sender)
	c.SMTP.Recipient = strings.TrimSpace(c.SMTP.Recipient)
	if c.SMTP.Recipient == "" {
		c.SMTP.Recipient = c.SMTP.Sender
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	return c
}

// Validate enforces required values. Every failure is a *tracker.ConfigError.
func (c Config) Validate() error {
	if len(c.Tracker.URLs) == 0 {
		return &tracker.ConfigError{Field: "tracker.urls", Reason: "must list at least one URL (TRACKED_URLS)"}
	}
	for _, raw := range c.Tracker.URLs {
		if err := validateURL(raw); err != nil {
			return &tracker.ConfigError{Field: "tracker.urls", Reason: err.Error()}
		}
	}
	if c.SMTP.Sender == "" {
		return &tracker.ConfigError{Field: "smtp.sender", Reason: "is required (SENDER_EMAIL)"}
	}
	if c.SMTP.Password == "" {
		return &tracker.ConfigError{Field: "smtp.password", Reason: "is required (SENDER_PASSWORD)"}
	}
	if c.SMTP.Host == "" {
		return &tracker.ConfigError{Field: "smtp.host", Reason: "must not be empty"}
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		return &tracker.ConfigError{Field: "smtp.port", Reason: "must be between 1 and 65535"}
	}
	if c.Tracker.Concurrency <= 0 {
		return &tracker.ConfigError{Field: "tracker.concurrency", Reason: "must be > 0"}
	}
	if c.HTTP.Timeout <= 0 {
		return &tracker.ConfigError{Field: "http.timeout", Reason: "must be > 0"}
	}
	if c.HTTP.MaxRetries < 0 {
		return &tracker.ConfigError{Field: "http.max_retries", Reason: "must be >= 0"}
	}
	return c.validateStore()
}

func (c Config) validateStore() error {
	switch c.Store.Backend {
	case BackendFile:
		if strings.TrimSpace(c.Store.Dir) == "" {
			return &tracker.ConfigError{Field: "store.dir", Reason: "is required for the file backend"}
		}
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return &tracker.ConfigError{Field: "store.redis.addr", Reason: "is required for the redis backend"}
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return &tracker.ConfigError{Field: "store.postgres.dsn", Reason: "is required for the postgres backend"}
		}
	case BackendGCS:
		if c.Store.GCS.Bucket == "" {
			return &tracker.ConfigError{Field: "store.gcs.bucket", Reason: "is required for the gcs backend"}
		}
	default:
		return &tracker.ConfigError{Field: "store.backend", Reason: fmt.Sprintf("unknown backend %q", c.Store.Backend)}
	}
	if c.Events.PubSub.Topic != "" && c.Events.PubSub.ProjectID == "" {
		return &tracker.ConfigError{Field: "events.pubsub.project_id", Reason: "must be set when a topic is configured"}
	}
	return nil
}

// validateURL accepts absolute http(s) URLs with a host.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	return nil
}

// TrackedURLs returns the configured URL list as tracker values.
func (c Config) TrackedURLs() []tracker.TrackedURL {
	out := make([]tracker.TrackedURL, 0, len(c.Tracker.URLs))
	for _, u := range c.Tracker.URLs {
		out = append(out, tracker.TrackedURL(u))
	}
	return out
}
