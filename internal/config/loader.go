package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the config file.
const (
	EnvEmail       = "OCTOPUS_EMAIL"
	EnvPassword    = "OCTOPUS_PASSWORD"
	EnvGraphQLURL  = "OCTOPUS_GRAPHQL_URL"
	EnvConfigFile  = "OCTOPUS_CONFIG_FILE"
	EnvHTTPPort    = "HTTP_PORT"
	EnvMQTTBroker  = "MQTT_BROKER"
	EnvKafkaBroker = "KAFKA_BROKERS"
)

// Duration is a time.Duration written as "5m" or "1h" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// OctopusConfig holds the account credentials and API settings.
type OctopusConfig struct {
	Email             string   `yaml:"email"`
	Password          string   `yaml:"password"`
	GraphQLURL        string   `yaml:"graphql_url"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

// RefreshConfig holds the polling intervals.
type RefreshConfig struct {
	Devices     Duration `yaml:"devices"`
	Billing     Duration `yaml:"billing"`
	PassTimeout Duration `yaml:"pass_timeout"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	Port int  `yaml:"port"`
	Gzip bool `yaml:"gzip"`
}

// MQTTConfig configures the MQTT publisher. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// KafkaConfig configures the change-event sink. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Config is the complete service configuration.
type Config struct {
	Octopus OctopusConfig `yaml:"octopus"`
	Refresh RefreshConfig `yaml:"refresh"`
	HTTP    HTTPConfig    `yaml:"http"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Octopus: OctopusConfig{
			GraphQLURL:        "https://api.oees-kraken.energy/v1/graphql/",
			Timeout:           Duration(30 * time.Second),
			RequestsPerSecond: 2,
		},
		Refresh: RefreshConfig{
			Devices:     Duration(5 * time.Minute),
			Billing:     Duration(time.Hour),
			PassTimeout: Duration(2 * time.Minute),
		},
		HTTP: HTTPConfig{Port: 8080, Gzip: true},
		MQTT: MQTTConfig{
			ClientID:    "octopus-spain",
			TopicPrefix: "octopus_spain",
		},
		Kafka: KafkaConfig{Topic: "octopus-spain.events"},
	}
}

// Loader reads the configuration from an optional YAML file and the
// environment.
type Loader struct {
	path      string
	logger    *zap.Logger
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader. An empty path skips the file.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:      path,
		logger:    logger,
		lookupEnv: os.LookupEnv,
	}
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		l.logger.Debug("Loading config file", zap.String("path", l.path))
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.logger.Info("Configuration loaded",
		zap.String("graphql_url", cfg.Octopus.GraphQLURL),
		zap.Duration("devices_interval", time.Duration(cfg.Refresh.Devices)),
		zap.Duration("billing_interval", time.Duration(cfg.Refresh.Billing)),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Bool("mqtt", cfg.MQTT.Broker != ""),
		zap.Bool("kafka", len(cfg.Kafka.Brokers) > 0))
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	if v, ok := l.lookupEnv(EnvEmail); ok {
		cfg.Octopus.Email = v
	}
	if v, ok := l.lookupEnv(EnvPassword); ok {
		cfg.Octopus.Password = v
	}
	if v, ok := l.lookupEnv(EnvGraphQLURL); ok && v != "" {
		cfg.Octopus.GraphQLURL = v
	}
	if v, ok := l.lookupEnv(EnvHTTPPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvHTTPPort, v, err)
		}
		cfg.HTTP.Port = port
	}
	if v, ok := l.lookupEnv(EnvMQTTBroker); ok {
		cfg.MQTT.Broker = v
	}
	if v, ok := l.lookupEnv(EnvKafkaBroker); ok {
		cfg.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
	}
	return nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	var err error
	if strings.TrimSpace(c.Octopus.Email) == "" {
		err = multierr.Append(err, errors.New("octopus email is required"))
	}
	if c.Octopus.Password == "" {
		err = multierr.Append(err, errors.New("octopus password is required"))
	}
	if c.Refresh.Devices <= 0 || c.Refresh.Billing <= 0 {
		err = multierr.Append(err, errors.New("refresh intervals must be positive"))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("http port %d out of range", c.HTTP.Port))
	}
	if c.MQTT.QoS > 2 {
		err = multierr.Append(err, fmt.Errorf("mqtt qos %d out of range", c.MQTT.QoS))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		err = multierr.Append(err, errors.New("kafka topic is required when brokers are set"))
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
