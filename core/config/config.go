// Package config loads the operator configuration for portero.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const DefaultPath = ".portero/config.yaml"

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendJSONL    = "jsonl"
	BackendStatic   = "static"

	NotifierWebhook = "webhook"
	NotifierLark    = "lark"
	NotifierInbox   = "inbox"
)

type Config struct {
	Engine     EngineDefaults     `yaml:"engine"`
	Checkpoint CheckpointDefaults `yaml:"checkpoint"`
	AccessLog  AccessLogDefaults  `yaml:"access_log"`
	Ports      PortsDefaults      `yaml:"ports"`
	Server     ServerDefaults     `yaml:"server"`
	Telemetry  TelemetryDefaults  `yaml:"telemetry"`
	Logging    LoggingDefaults    `yaml:"logging"`
	Replies    Replies            `yaml:"replies"`
}

type EngineDefaults struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	PlateDeadline       string  `yaml:"plate_deadline"`
	DocumentDeadline    string  `yaml:"document_deadline"`
	LookupDeadline      string  `yaml:"lookup_deadline"`
	NotifyDeadline      string  `yaml:"notify_deadline"`
	DefaultMaxWait      string  `yaml:"default_max_wait"`
	CallCeiling         string  `yaml:"call_ceiling"`
	ActuationTimeout    string  `yaml:"actuation_timeout"`
	LogTimeout          string  `yaml:"log_timeout"`
	SaveTimeout         string  `yaml:"save_timeout"`
	IntakeWait          string  `yaml:"intake_wait"`
}

type CheckpointDefaults struct {
	Backend        string `yaml:"backend"`
	Dir            string `yaml:"dir"`
	RedisURLEnv    string `yaml:"redis_url_env"`
	RedisPrefix    string `yaml:"redis_prefix"`
	PostgresDSNEnv string `yaml:"postgres_dsn_env"`
	Retention      string `yaml:"retention"`
	SweepInterval  string `yaml:"sweep_interval"`
}

type AccessLogDefaults struct {
	Backend        string        `yaml:"backend"`
	Path           string        `yaml:"path"`
	PostgresDSNEnv string        `yaml:"postgres_dsn_env"`
	Kafka          KafkaDefaults `yaml:"kafka"`
}

type KafkaDefaults struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type PortsDefaults struct {
	OCR       EndpointDefaults  `yaml:"ocr"`
	Relay     EndpointDefaults  `yaml:"relay"`
	Notifier  NotifierDefaults  `yaml:"notifier"`
	Directory DirectoryDefaults `yaml:"directory"`
}

type EndpointDefaults struct {
	URL      string `yaml:"url"`
	TokenEnv string `yaml:"token_env"`
}

type NotifierDefaults struct {
	Mode             string `yaml:"mode"`
	WebhookURL       string `yaml:"webhook_url"`
	WebhookTokenEnv  string `yaml:"webhook_token_env"`
	LarkAppIDEnv     string `yaml:"lark_app_id_env"`
	LarkAppSecretEnv string `yaml:"lark_app_secret_env"`
	LarkReceiveType  string `yaml:"lark_receive_id_type"`
}

type DirectoryDefaults struct {
	Backend        string `yaml:"backend"`
	FixturePath    string `yaml:"fixture_path"`
	PostgresDSNEnv string `yaml:"postgres_dsn_env"`
}

type ServerDefaults struct {
	Listen          string   `yaml:"listen"`
	MaxRequestBytes int64    `yaml:"max_request_bytes"`
	TokenEnv        string   `yaml:"token_env"`
	OriginPatterns  []string `yaml:"origin_patterns"`
}

type TelemetryDefaults struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

type LoggingDefaults struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Replies holds the spoken texts sent to the caller channel.
type Replies struct {
	Welcome          string `yaml:"welcome"`
	PleaseWait       string `yaml:"please_wait"`
	Granted          string `yaml:"granted"`
	Denied           string `yaml:"denied"`
	TechnicalProblem string `yaml:"technical_problem"`
	GateError        string `yaml:"gate_error"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("config path is required")
	}

	// #nosec G304 -- config path is explicit local operator input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Default(), nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	configuration.normalize()
	configuration.applyDefaults()
	if err := configuration.Validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

func Default() Config {
	var configuration Config
	configuration.applyDefaults()
	return configuration
}

// ApplyEnv overrides selected settings from PORTERO_* variables.
func (configuration *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if value, ok := lookup("PORTERO_LISTEN"); ok && strings.TrimSpace(value) != "" {
		configuration.Server.Listen = strings.TrimSpace(value)
	}
	if value, ok := lookup("PORTERO_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		configuration.Logging.Level = strings.ToLower(strings.TrimSpace(value))
	}
	if value, ok := lookup("PORTERO_LOG_FORMAT"); ok && strings.TrimSpace(value) != "" {
		configuration.Logging.Format = strings.ToLower(strings.TrimSpace(value))
	}
	if value, ok := lookup("PORTERO_CHECKPOINT_BACKEND"); ok && strings.TrimSpace(value) != "" {
		configuration.Checkpoint.Backend = strings.ToLower(strings.TrimSpace(value))
	}
	if value, ok := lookup("PORTERO_OTEL_ENDPOINT"); ok && strings.TrimSpace(value) != "" {
		configuration.Telemetry.Endpoint = strings.TrimSpace(value)
		configuration.Telemetry.Enabled = true
	}
	if value, ok := lookup("PORTERO_CONFIDENCE_THRESHOLD"); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("parse PORTERO_CONFIDENCE_THRESHOLD: %w", err)
		}
		configuration.Engine.ConfidenceThreshold = parsed
	}
	return configuration.Validate()
}

// Secret resolves the value of an *_env setting. An empty env name yields
// an empty secret.
func Secret(envName string) string {
	name := strings.TrimSpace(envName)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

func (configuration Config) Validate() error {
	if threshold := configuration.Engine.ConfidenceThreshold; threshold <= 0 || threshold > 1 {
		return fmt.Errorf("engine.confidence_threshold must be in (0,1], got %v", threshold)
	}
	durations := map[string]string{
		"engine.plate_deadline":     configuration.Engine.PlateDeadline,
		"engine.document_deadline":  configuration.Engine.DocumentDeadline,
		"engine.lookup_deadline":    configuration.Engine.LookupDeadline,
		"engine.notify_deadline":    configuration.Engine.NotifyDeadline,
		"engine.default_max_wait":   configuration.Engine.DefaultMaxWait,
		"engine.call_ceiling":       configuration.Engine.CallCeiling,
		"engine.actuation_timeout":  configuration.Engine.ActuationTimeout,
		"engine.log_timeout":        configuration.Engine.LogTimeout,
		"engine.save_timeout":       configuration.Engine.SaveTimeout,
		"engine.intake_wait":        configuration.Engine.IntakeWait,
		"checkpoint.retention":      configuration.Checkpoint.Retention,
		"checkpoint.sweep_interval": configuration.Checkpoint.SweepInterval,
	}
	for field, value := range durations {
		if _, err := ParseDuration(field, value); err != nil {
			return err
		}
	}
	switch configuration.Checkpoint.Backend {
	case BackendMemory, BackendFile, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unsupported checkpoint.backend %q", configuration.Checkpoint.Backend)
	}
	switch configuration.AccessLog.Backend {
	case BackendJSONL, BackendPostgres:
	default:
		return fmt.Errorf("unsupported access_log.backend %q", configuration.AccessLog.Backend)
	}
	if len(configuration.AccessLog.Kafka.Brokers) > 0 && configuration.AccessLog.Kafka.Topic == "" {
		return fmt.Errorf("access_log.kafka.topic is required when brokers are set")
	}
	switch configuration.Ports.Notifier.Mode {
	case NotifierInbox:
	case NotifierWebhook:
		if configuration.Ports.Notifier.WebhookURL == "" {
			return fmt.Errorf("ports.notifier.webhook_url is required for webhook mode")
		}
	case NotifierLark:
		if configuration.Ports.Notifier.LarkAppIDEnv == "" || configuration.Ports.Notifier.LarkAppSecretEnv == "" {
			return fmt.Errorf("ports.notifier lark mode requires lark_app_id_env and lark_app_secret_env")
		}
	default:
		return fmt.Errorf("unsupported ports.notifier.mode %q", configuration.Ports.Notifier.Mode)
	}
	switch configuration.Ports.Directory.Backend {
	case BackendStatic, BackendPostgres:
	default:
		return fmt.Errorf("unsupported ports.directory.backend %q", configuration.Ports.Directory.Backend)
	}
	switch configuration.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported logging.format %q", configuration.Logging.Format)
	}
	if configuration.Server.MaxRequestBytes <= 0 {
		return fmt.Errorf("server.max_request_bytes must be positive")
	}
	return nil
}

// ParseDuration parses a duration setting and rejects non-positive values.
func ParseDuration(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return parsed, nil
}

// MustDuration is for values that already passed Validate.
func MustDuration(value string) time.Duration {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		panic(err)
	}
	return parsed
}

func (configuration *Config) applyDefaults() {
	engine := &configuration.Engine
	if engine.ConfidenceThreshold == 0 {
		engine.ConfidenceThreshold = 0.85
	}
	setDefault(&engine.PlateDeadline, "500ms")
	setDefault(&engine.DocumentDeadline, "1s")
	setDefault(&engine.LookupDeadline, "750ms")
	setDefault(&engine.NotifyDeadline, "3s")
	setDefault(&engine.DefaultMaxWait, "60s")
	setDefault(&engine.CallCeiling, "5m")
	setDefault(&engine.ActuationTimeout, "5s")
	setDefault(&engine.LogTimeout, "5s")
	setDefault(&engine.SaveTimeout, "2s")
	setDefault(&engine.IntakeWait, "15s")

	checkpoint := &configuration.Checkpoint
	setDefault(&checkpoint.Backend, BackendFile)
	setDefault(&checkpoint.Dir, "./portero-out/checkpoints")
	setDefault(&checkpoint.RedisURLEnv, "PORTERO_REDIS_URL")
	setDefault(&checkpoint.RedisPrefix, "portero:checkpoint")
	setDefault(&checkpoint.PostgresDSNEnv, "PORTERO_POSTGRES_DSN")
	setDefault(&checkpoint.Retention, "24h")
	setDefault(&checkpoint.SweepInterval, "10m")

	accessLog := &configuration.AccessLog
	setDefault(&accessLog.Backend, BackendJSONL)
	setDefault(&accessLog.Path, "./portero-out/access.jsonl")
	setDefault(&accessLog.PostgresDSNEnv, "PORTERO_POSTGRES_DSN")

	notifier := &configuration.Ports.Notifier
	setDefault(&notifier.Mode, NotifierInbox)
	setDefault(&notifier.LarkReceiveType, "open_id")
	directory := &configuration.Ports.Directory
	setDefault(&directory.Backend, BackendStatic)
	setDefault(&directory.FixturePath, "./.portero/directory.yaml")
	setDefault(&directory.PostgresDSNEnv, "PORTERO_POSTGRES_DSN")

	setDefault(&configuration.Server.Listen, "127.0.0.1:8080")
	setDefault(&configuration.Server.TokenEnv, "PORTERO_API_TOKEN")
	if configuration.Server.MaxRequestBytes == 0 {
		configuration.Server.MaxRequestBytes = 64 * 1024
	}
	setDefault(&configuration.Telemetry.ServiceName, "portero")
	setDefault(&configuration.Logging.Format, "json")
	setDefault(&configuration.Logging.Level, "info")

	replies := &configuration.Replies
	setDefault(&replies.Welcome, "Welcome. Please state your name and who you are visiting.")
	setDefault(&replies.PleaseWait, "Please wait while we contact the resident.")
	setDefault(&replies.Granted, "Access granted.")
	setDefault(&replies.Denied, "Access denied.")
	setDefault(&replies.TechnicalProblem, "There is a technical problem, please contact security.")
	setDefault(&replies.GateError, "There was an error with the gate, please contact security.")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func (configuration *Config) normalize() {
	trim := func(fields ...*string) {
		for _, field := range fields {
			*field = strings.TrimSpace(*field)
		}
	}
	lower := func(fields ...*string) {
		for _, field := range fields {
			*field = strings.ToLower(strings.TrimSpace(*field))
		}
	}
	engine := &configuration.Engine
	trim(&engine.PlateDeadline, &engine.DocumentDeadline, &engine.LookupDeadline, &engine.NotifyDeadline,
		&engine.DefaultMaxWait, &engine.CallCeiling, &engine.ActuationTimeout, &engine.LogTimeout, &engine.SaveTimeout,
		&engine.IntakeWait)
	checkpoint := &configuration.Checkpoint
	lower(&checkpoint.Backend)
	trim(&checkpoint.Dir, &checkpoint.RedisURLEnv, &checkpoint.RedisPrefix, &checkpoint.PostgresDSNEnv,
		&checkpoint.Retention, &checkpoint.SweepInterval)
	accessLog := &configuration.AccessLog
	lower(&accessLog.Backend)
	trim(&accessLog.Path, &accessLog.PostgresDSNEnv, &accessLog.Kafka.Topic)
	brokers := accessLog.Kafka.Brokers[:0]
	for _, broker := range accessLog.Kafka.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	accessLog.Kafka.Brokers = brokers
	ports := &configuration.Ports
	trim(&ports.OCR.URL, &ports.OCR.TokenEnv, &ports.Relay.URL, &ports.Relay.TokenEnv)
	lower(&ports.Notifier.Mode, &ports.Notifier.LarkReceiveType, &ports.Directory.Backend)
	trim(&ports.Notifier.WebhookURL, &ports.Notifier.WebhookTokenEnv, &ports.Notifier.LarkAppIDEnv,
		&ports.Notifier.LarkAppSecretEnv, &ports.Directory.FixturePath, &ports.Directory.PostgresDSNEnv)
	trim(&configuration.Server.Listen, &configuration.Server.TokenEnv, &configuration.Telemetry.Endpoint, &configuration.Telemetry.ServiceName)
	lower(&configuration.Logging.Format, &configuration.Logging.Level)
	replies := &configuration.Replies
	trim(&replies.Welcome, &replies.PleaseWait, &replies.Granted, &replies.Denied, &replies.TechnicalProblem, &replies.GateError)
}
