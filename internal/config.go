package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gitslack/pkg/worker"
)

// Run modes of the binary.
const (
	ModeAll     = "all"
	ModeIngress = "ingress"
	ModeWorker  = "worker"
)

// DefaultTopic is the broker topic push events are published to.
const DefaultTopic = "git.push"

// AppConfig is everything in the config file except the rules.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	// Watermill is shared by ingress (publishing) and worker (subscribing).
	Watermill WatermillConfig `yaml:"watermill"`
	// Topic carries normalized push events.
	Topic  string       `yaml:"topic"`
	Worker WorkerConfig `yaml:"worker"`
	Slack  SlackConfig  `yaml:"slack"`
	Log    LogConfig    `yaml:"log"`
}

// Config is the loaded config file with inline and file rules merged.
type Config struct {
	AppConfig `yaml:",inline"`
	Rules     []Rule `yaml:"rules"`
	RulesFile string `yaml:"rules_file"`
}

// ServerConfig configures the HTTP listener serving webhooks and metrics.
// Durations are in milliseconds.
type ServerConfig struct {
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
	WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
	ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
	ShutdownMS     int64  `yaml:"shutdown_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	RateLimitRPS   int64  `yaml:"rate_limit_rps"`
	RateLimitBurst int64  `yaml:"rate_limit_burst"`
	RateLimitTTLMS int64  `yaml:"rate_limit_ttl_ms"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPath    string `yaml:"metrics_path"`
}

// ProvidersConfig holds one webhook endpoint per provider.
type ProvidersConfig struct {
	GitHub    ProviderConfig `yaml:"github"`
	GitLab    ProviderConfig `yaml:"gitlab"`
	Bitbucket ProviderConfig `yaml:"bitbucket"`
}

func (p ProvidersConfig) anyEnabled() bool {
	return p.GitHub.Enabled || p.GitLab.Enabled || p.Bitbucket.Enabled
}

// ProviderConfig is a single webhook endpoint. Secret is the GitHub HMAC key,
// the GitLab token or the Bitbucket hook UUID.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Secret  string `yaml:"secret"`
}

// WatermillConfig selects and configures the brokers. Driver and Drivers are
// merged; every listed driver receives each push.
type WatermillConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
}

type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig targets a NATS Streaming cluster.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

// AMQPConfig takes a topology name understood by worker.AMQPConfigFromMode.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig names a database/sql driver ("postgres" or "mysql") and the
// matching watermill dialect.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig forwards pushes over HTTP. Mode "topic_url" treats the topic as
// the target URL; "base_url" appends the topic to BaseURL.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// WorkerConfig holds the consumer side settings of the broker.
type WorkerConfig struct {
	Concurrency   int    `yaml:"concurrency"`
	ConsumerGroup string `yaml:"consumer_group"`
	Durable       string `yaml:"durable"`
	ClientSuffix  string `yaml:"client_id_suffix"`
}

// SlackConfig configures the outbound incoming-webhook delivery.
type SlackConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Username        string `yaml:"username"`
	Channel         string `yaml:"channel"`
	MinPostDelayMS  int64  `yaml:"min_post_delay_ms"`
	TimeoutMS       int64  `yaml:"timeout_ms"`
	ContinueOnError bool   `yaml:"continue_on_error"`
}

// MinPostDelay returns the configured pacing delay.
func (c SlackConfig) MinPostDelay() time.Duration {
	return time.Duration(c.MinPostDelayMS) * time.Millisecond
}

// Timeout returns the configured per-request timeout.
func (c SlackConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads the full application configuration from a YAML file.
// A .env file in the working directory is loaded first when present, then
// environment variables are expanded and defaults applied. Rules from
// rules_file are appended after the inline rules.
func LoadConfig(path string) (Config, error) {
	if err := loadDotEnv(dotEnvFile); err != nil {
		logger := NewLogger("info", "json", "config")
		logger.Warn().Err(err).Str("path", dotEnvFile).Msg("ignoring unreadable .env file")
	}

	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(&cfg.AppConfig)

	if cfg.RulesFile != "" {
		rulesPath := cfg.RulesFile
		if !filepath.IsAbs(rulesPath) {
			rulesPath = filepath.Join(filepath.Dir(path), rulesPath)
		}
		rules, err := LoadRules(rulesPath)
		if err != nil {
			return cfg, err
		}
		cfg.Rules = append(cfg.Rules, rules...)
	}
	return cfg, nil
}

// dotEnvFile is read from the working directory before the config file.
const dotEnvFile = ".env"

// loadDotEnv loads path into the environment. A missing file is not an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// LoadRules loads an ordered rule list from a YAML file. The file holds either
// a bare list or a document with a top-level rules key.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err == nil {
		return rules, nil
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return doc.Rules, nil
}

// Validate checks the settings required by the given run mode.
func (c Config) Validate(mode string) error {
	var errs []error
	switch mode {
	case ModeAll, ModeIngress, ModeWorker:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", mode))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if mode != ModeIngress && c.Slack.Endpoint == "" {
		errs = append(errs, errors.New("slack.endpoint is required"))
	}
	if mode != ModeWorker && !c.Providers.anyEnabled() {
		errs = append(errs, errors.New("at least one provider must be enabled"))
	}
	if c.Slack.MinPostDelayMS < 0 {
		errs = append(errs, errors.New("slack.min_post_delay_ms must not be negative"))
	}
	return errors.Join(errs...)
}

// SubscriberConfig derives the worker subscriber settings from the shared
// broker configuration.
func (c Config) SubscriberConfig() worker.SubscriberConfig {
	w := c.Watermill
	return worker.SubscriberConfig{
		Driver:  w.Driver,
		Drivers: w.Drivers,
		GoChannel: worker.GoChannelConfig{
			OutputChannelBuffer:            w.GoChannel.OutputChannelBuffer,
			Persistent:                     w.GoChannel.Persistent,
			BlockPublishUntilSubscriberAck: w.GoChannel.BlockPublishUntilSubscriberAck,
		},
		Kafka: worker.KafkaConfig{
			Brokers:       w.Kafka.Brokers,
			ConsumerGroup: c.Worker.ConsumerGroup,
		},
		NATS: worker.NATSConfig{
			ClusterID:      w.NATS.ClusterID,
			ClientID:       w.NATS.ClientID,
			ClientIDSuffix: c.Worker.ClientSuffix,
			URL:            w.NATS.URL,
			Durable:        c.Worker.Durable,
		},
		AMQP: worker.AMQPConfig{
			URL:         w.AMQP.URL,
			Mode:        w.AMQP.Mode,
			QueueSuffix: c.Worker.ConsumerGroup,
		},
		SQL: worker.SQLConfig{
			Driver:           w.SQL.Driver,
			DSN:              w.SQL.DSN,
			Dialect:          w.SQL.Dialect,
			ConsumerGroup:    c.Worker.ConsumerGroup,
			InitializeSchema: w.SQL.InitializeSchema || w.SQL.AutoInitializeSchema,
		},
	}
}

// orDefault sets *v to def when *v is the zero value.
func orDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

func applyDefaults(cfg *AppConfig) {
	srv := &cfg.Server
	orDefault(&srv.Port, 8080)
	orDefault(&srv.ReadTimeoutMS, 5000)
	orDefault(&srv.WriteTimeoutMS, 10000)
	orDefault(&srv.IdleTimeoutMS, 60000)
	orDefault(&srv.ReadHeaderMS, 5000)
	orDefault(&srv.ShutdownMS, 10000)
	orDefault(&srv.MaxBodyBytes, 1<<20)
	orDefault(&srv.RateLimitTTLMS, int64(10*time.Minute/time.Millisecond))
	orDefault(&srv.MetricsPath, "/metrics")

	orDefault(&cfg.Providers.GitHub.Path, "/webhooks/github")
	orDefault(&cfg.Providers.GitLab.Path, "/webhooks/gitlab")
	orDefault(&cfg.Providers.Bitbucket.Path, "/webhooks/bitbucket")

	wm := &cfg.Watermill
	if len(wm.Drivers) == 0 {
		orDefault(&wm.Driver, "gochannel")
	}
	orDefault(&wm.GoChannel.OutputChannelBuffer, 64)
	orDefault(&wm.HTTP.Mode, "topic_url")
	orDefault(&wm.PublishRetry.Attempts, 3)
	orDefault(&wm.PublishRetry.DelayMS, 500)

	orDefault(&cfg.Topic, DefaultTopic)
	orDefault(&cfg.Worker.Concurrency, 1)
	orDefault(&cfg.Worker.ConsumerGroup, "gitslack")
	orDefault(&cfg.Slack.MinPostDelayMS, 6000)
	orDefault(&cfg.Slack.TimeoutMS, 10000)

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	orDefault(&cfg.Log.Level, "info")
	orDefault(&cfg.Log.Format, "json")
}
