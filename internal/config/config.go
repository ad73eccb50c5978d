// Package config loads the monitor configuration from a YAML file, a .env
// file and SCRIPTWATCH_* environment variables, in that order of precedence
// from lowest to highest.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/git-pkgs/scriptwatch"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SCRIPTWATCH_"

var validate = validator.New()

// Config is the full monitor configuration.
type Config struct {
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=json console text"`

	Registry  RegistryConfig  `yaml:"registry"`
	Feed      FeedConfig      `yaml:"feed"`
	Queue     QueueConfig     `yaml:"queue"`
	Allowlist AllowlistConfig `yaml:"allowlist"`
	Store     StoreConfig     `yaml:"store"`

	// Scripts overrides the watched lifecycle scripts.
	Scripts []string `yaml:"scripts" validate:"dive,required"`

	AlertOnFirstPublish bool `yaml:"alert_on_first_publish"`

	Sinks       []scriptwatch.SinkConfig `yaml:"sinks" validate:"dive"`
	SinkTimeout time.Duration            `yaml:"sink_timeout" validate:"gte=0"`
}

type RegistryConfig struct {
	URL       string        `yaml:"url" validate:"required,url"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
}

type FeedConfig struct {
	ChangesURL   string        `yaml:"changes_url" validate:"required,url"`
	ReplicateURL string        `yaml:"replicate_url" validate:"required,url"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	BatchSize    int           `yaml:"batch_size" validate:"min=1,max=10000"`
	Resume       bool          `yaml:"resume"`
}

type QueueConfig struct {
	Delay          time.Duration `yaml:"delay" validate:"gte=0"`
	Capacity       int           `yaml:"capacity" validate:"gte=0"`
	Concurrency    int           `yaml:"concurrency" validate:"min=1,max=256"`
	MaxPerSecond   float64       `yaml:"max_per_second" validate:"gte=0"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" validate:"gt=0"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" validate:"gt=0"`
}

type AllowlistConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type StoreConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`
	Backend string `yaml:"backend" validate:"oneof=json sqlite"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	o := scriptwatch.DefaultOptions()
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Registry: RegistryConfig{
			URL:     o.RegistryURL,
			Timeout: o.RequestTimeout,
		},
		Feed: FeedConfig{
			ChangesURL:   o.ChangesURL,
			ReplicateURL: o.ReplicateURL,
			PollInterval: o.PollInterval,
			BatchSize:    o.BatchSize,
			Resume:       o.Resume,
		},
		Queue: QueueConfig{
			Delay:          o.QueueDelay,
			Capacity:       o.QueueCapacity,
			Concurrency:    o.Concurrency,
			MaxAttempts:    o.MaxAttempts,
			RetryBaseDelay: o.RetryBaseDelay,
			ShutdownGrace:  o.ShutdownGrace,
		},
		Store: StoreConfig{
			DataDir: o.DataDir,
			Backend: o.FindingsBackend,
		},
		AlertOnFirstPublish: true,
		SinkTimeout:         o.SinkTimeout,
	}
}

// Load builds the configuration. path may be empty, in which case only the
// defaults, .env and the environment apply. A missing .env is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	_ = godotenv.Load(".env")

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs error
	str := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	str("REGISTRY_URL", &c.Registry.URL)
	str("USER_AGENT", &c.Registry.UserAgent)
	duration("REQUEST_TIMEOUT", &c.Registry.Timeout)

	str("CHANGES_URL", &c.Feed.ChangesURL)
	str("REPLICATE_URL", &c.Feed.ReplicateURL)
	duration("POLL_INTERVAL", &c.Feed.PollInterval)
	num("BATCH_SIZE", &c.Feed.BatchSize)
	boolean("RESUME", &c.Feed.Resume)

	duration("QUEUE_DELAY", &c.Queue.Delay)
	num("QUEUE_CAPACITY", &c.Queue.Capacity)
	num("CONCURRENCY", &c.Queue.Concurrency)
	float("MAX_PER_SECOND", &c.Queue.MaxPerSecond)
	num("MAX_ATTEMPTS", &c.Queue.MaxAttempts)
	duration("RETRY_BASE_DELAY", &c.Queue.RetryBaseDelay)
	duration("SHUTDOWN_GRACE", &c.Queue.ShutdownGrace)

	str("ALLOWLIST", &c.Allowlist.Path)
	boolean("WATCH_ALLOWLIST", &c.Allowlist.Watch)

	str("DATA_DIR", &c.Store.DataDir)
	str("FINDINGS_BACKEND", &c.Store.Backend)

	boolean("ALERT_ON_FIRST_PUBLISH", &c.AlertOnFirstPublish)
	duration("SINK_TIMEOUT", &c.SinkTimeout)

	if v := os.Getenv(EnvPrefix + "SCRIPTS"); v != "" {
		c.Scripts = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Scripts = append(c.Scripts, s)
			}
		}
	}

	c.applySinkEnv()
	return errs
}

// sinkEnv maps sink credentials in the environment onto sink fields.
var sinkEnv = []struct {
	kind, key string
	field     func(*scriptwatch.SinkConfig) *string
}{
	{"chatbot", "CHATBOT_TOKEN", func(s *scriptwatch.SinkConfig) *string { return &s.Token }},
	{"chatbot", "CHATBOT_CHAT_ID", func(s *scriptwatch.SinkConfig) *string { return &s.ChatID }},
	{"webhook", "WEBHOOK_URL", func(s *scriptwatch.SinkConfig) *string { return &s.URL }},
	{"github", "GITHUB_TOKEN", func(s *scriptwatch.SinkConfig) *string { return &s.Token }},
	{"github", "GITHUB_REPO", func(s *scriptwatch.SinkConfig) *string { return &s.Repo }},
}

// applySinkEnv fills empty credentials of configured sinks. A kind with
// credentials in the environment but no configured sink gets one.
func (c *Config) applySinkEnv() {
	for _, e := range sinkEnv {
		v := os.Getenv(EnvPrefix + e.key)
		if v == "" {
			continue
		}
		found := false
		for i := range c.Sinks {
			if c.Sinks[i].Kind != e.kind {
				continue
			}
			found = true
			if f := e.field(&c.Sinks[i]); *f == "" {
				*f = v
			}
		}
		if !found {
			s := scriptwatch.SinkConfig{Kind: e.kind}
			*e.field(&s) = v
			c.Sinks = append(c.Sinks, s)
		}
	}
}

// ValidationError lists every invalid field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	msgs := make([]string, len(names))
	for i, name := range names {
		msgs[i] = e.Fields[name]
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "required":
			fields[name] = fmt.Sprintf("%s is required", name)
		case "oneof":
			fields[name] = fmt.Sprintf("%s must be one of: %s", name, fe.Param())
		case "url":
			fields[name] = fmt.Sprintf("%s must be a URL", name)
		case "min", "gte":
			fields[name] = fmt.Sprintf("%s must be at least %s", name, fe.Param())
		case "max":
			fields[name] = fmt.Sprintf("%s must be at most %s", name, fe.Param())
		case "gt":
			fields[name] = fmt.Sprintf("%s must be greater than %s", name, fe.Param())
		default:
			fields[name] = fmt.Sprintf("%s failed on '%s'", name, fe.Tag())
		}
	}
	return &ValidationError{Fields: fields}
}

// MonitorOptions converts the configuration to scriptwatch.Options.
func (c *Config) MonitorOptions() scriptwatch.Options {
	return scriptwatch.Options{
		RegistryURL:      c.Registry.URL,
		ChangesURL:       c.Feed.ChangesURL,
		ReplicateURL:     c.Feed.ReplicateURL,
		UserAgent:        c.Registry.UserAgent,
		RequestTimeout:   c.Registry.Timeout,
		PollInterval:     c.Feed.PollInterval,
		BatchSize:        c.Feed.BatchSize,
		Resume:           c.Feed.Resume,
		QueueDelay:       c.Queue.Delay,
		QueueCapacity:    c.Queue.Capacity,
		Concurrency:      c.Queue.Concurrency,
		MaxPerSecond:     c.Queue.MaxPerSecond,
		MaxAttempts:      c.Queue.MaxAttempts,
		RetryBaseDelay:   c.Queue.RetryBaseDelay,
		ShutdownGrace:    c.Queue.ShutdownGrace,
		Scripts:          c.Scripts,
		AllowlistPath:    c.Allowlist.Path,
		WatchAllowlist:   c.Allowlist.Watch,
		SkipFirstPublish: !c.AlertOnFirstPublish,
		Sinks:            c.Sinks,
		SinkTimeout:      c.SinkTimeout,
		DataDir:          c.Store.DataDir,
		FindingsBackend:  c.Store.Backend,
	}
}
