package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/mrliuli/hellomq/messaging"
	"github.com/mrliuli/hellomq/selector"
)

// EnvPrefix prefixes every environment override, e.g. HELLOMQ_BROKER_URL.
const EnvPrefix = "HELLOMQ"

// Config represents the client configuration
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Producer ProducerConfig `yaml:"producer"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Log      LogConfig      `yaml:"log"`
}

// BrokerConfig represents how to reach the broker
type BrokerConfig struct {
	URL            string        `yaml:"url" split_words:"true"`
	User           string        `yaml:"user" split_words:"true"`
	Password       string        `yaml:"password" split_words:"true"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" split_words:"true"`
	ConnectRetries int           `yaml:"connect_retries" split_words:"true"`
}

// ProducerConfig represents the send side of the hello-world flow
type ProducerConfig struct {
	Queue      string        `yaml:"queue" split_words:"true"`
	Count      int           `yaml:"count" split_words:"true"`
	Transacted bool          `yaml:"transacted" split_words:"true"`
	Persistent bool          `yaml:"persistent" split_words:"true"`
	Priority   int           `yaml:"priority" split_words:"true"`
	TimeToLive time.Duration `yaml:"time_to_live" split_words:"true"`
}

// ConsumerConfig represents the receive side of the hello-world flow
type ConsumerConfig struct {
	Queue          string        `yaml:"queue" split_words:"true"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout" split_words:"true"`
	AckMode        string        `yaml:"ack_mode" split_words:"true"`
	Selector       string        `yaml:"selector" split_words:"true"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
}

// Default returns the configuration of a local broker with guest access.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:            "amqp://localhost:5672/",
			User:           "guest",
			Password:       "guest",
			ConnectTimeout: 30 * time.Second,
			ConnectRetries: 3,
		},
		Producer: ProducerConfig{
			Queue:      "HelloWorld",
			Count:      10,
			Transacted: true,
			Persistent: true,
			Priority:   messaging.DefaultPriority,
		},
		Consumer: ConsumerConfig{
			Queue:          "HelloWorld",
			ReceiveTimeout: 5 * time.Second,
			AckMode:        "auto",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from an optional YAML file, applies HELLOMQ_*
// environment overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("%w: load config file: %w", messaging.ErrConfiguration, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("%w: process environment: %w", messaging.ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration. Every failure wraps messaging.ErrConfiguration.
func (c *Config) Validate() error {
	var errs []error

	if c.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required"))
	} else if u, err := url.Parse(c.Broker.URL); err != nil {
		errs = append(errs, fmt.Errorf("broker.url: %w", err))
	} else {
		switch u.Scheme {
		case "amqp", "amqps", "vm":
		default:
			errs = append(errs, fmt.Errorf("broker.url: unsupported scheme %q", u.Scheme))
		}
	}
	if c.Broker.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("broker.connect_timeout must be positive"))
	}
	if c.Broker.ConnectRetries < 0 {
		errs = append(errs, errors.New("broker.connect_retries must not be negative"))
	}

	if c.Producer.Queue == "" {
		errs = append(errs, errors.New("producer.queue is required"))
	}
	if c.Producer.Count < 0 {
		errs = append(errs, errors.New("producer.count must not be negative"))
	}
	if c.Producer.Priority < 0 || c.Producer.Priority > messaging.MaxPriority {
		errs = append(errs, fmt.Errorf("producer.priority must be between 0 and %d", messaging.MaxPriority))
	}
	if c.Producer.TimeToLive < 0 {
		errs = append(errs, errors.New("producer.time_to_live must not be negative"))
	}

	if c.Consumer.Queue == "" {
		errs = append(errs, errors.New("consumer.queue is required"))
	}
	if c.Consumer.ReceiveTimeout <= 0 {
		errs = append(errs, errors.New("consumer.receive_timeout must be positive"))
	}
	if _, err := c.Consumer.AcknowledgeMode(); err != nil {
		errs = append(errs, fmt.Errorf("consumer.ack_mode: %w", err))
	}
	if _, err := selector.Compile(c.Consumer.Selector); err != nil {
		errs = append(errs, fmt.Errorf("consumer.selector: %w", err))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", messaging.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// AcknowledgeMode parses AckMode
func (c ConsumerConfig) AcknowledgeMode() (messaging.AcknowledgeMode, error) {
	return messaging.ParseAcknowledgeMode(strings.ToLower(c.AckMode))
}

// DeliveryMode maps Persistent onto the message delivery mode
func (c ProducerConfig) DeliveryMode() messaging.DeliveryMode {
	if c.Persistent {
		return messaging.Persistent
	}
	return messaging.NonPersistent
}
