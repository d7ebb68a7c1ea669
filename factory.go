// Copyright 2024 HelloMQ Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hellomq

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/mrliuli/hellomq/config"
	"github.com/mrliuli/hellomq/internal/rabbitmq"
	"github.com/mrliuli/hellomq/messaging"
	"github.com/mrliuli/hellomq/transports/memory"
	rabbitmqTransport "github.com/mrliuli/hellomq/transports/rabbitmq"
)

// ConnectionFactory creates connections to the broker named by a
// configuration. amqp:// and amqps:// URLs reach RabbitMQ; vm://name
// reaches the in-process broker registered under name.
type ConnectionFactory struct {
	broker   config.BrokerConfig
	producer config.ProducerConfig
	logger   *slog.Logger
	clientID string

	connectionOptions []messaging.ConnectionOption
	transportOptions  []rabbitmqTransport.TransportOption
}

type factoryConfig struct {
	logger            *slog.Logger
	clientID          string
	connectionOptions []messaging.ConnectionOption
	transportOptions  []rabbitmqTransport.TransportOption
}

// FactoryOption configures the factory
type FactoryOption func(*factoryConfig)

// WithLogger sets the logger handed to every connection and transport
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(c *factoryConfig) {
		c.logger = logger
	}
}

// WithDefaultLogger uses slog.Default()
func WithDefaultLogger() FactoryOption {
	return func(c *factoryConfig) {
		c.logger = slog.Default()
	}
}

// WithClientID pins the client identifier of created connections
func WithClientID(id string) FactoryOption {
	return func(c *factoryConfig) {
		c.clientID = id
	}
}

// WithConnectionOptions appends options applied to every created connection
func WithConnectionOptions(opts ...messaging.ConnectionOption) FactoryOption {
	return func(c *factoryConfig) {
		c.connectionOptions = append(c.connectionOptions, opts...)
	}
}

// WithRabbitMQOptions appends options for the RabbitMQ transport
func WithRabbitMQOptions(opts ...rabbitmqTransport.TransportOption) FactoryOption {
	return func(c *factoryConfig) {
		c.transportOptions = append(c.transportOptions, opts...)
	}
}

// NewConnectionFactory creates a factory. A nil cfg means config.Default().
// No I/O happens here; the broker URL is checked by CreateConnection.
func NewConnectionFactory(cfg *config.Config, options ...FactoryOption) *ConnectionFactory {
	if cfg == nil {
		cfg = config.Default()
	}

	fc := &factoryConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(fc)
	}

	return &ConnectionFactory{
		broker:            cfg.Broker,
		producer:          cfg.Producer,
		logger:            fc.logger,
		clientID:          fc.clientID,
		connectionOptions: fc.connectionOptions,
		transportOptions:  fc.transportOptions,
	}
}

// BrokerURL returns the configured broker URL with any password redacted
func (f *ConnectionFactory) BrokerURL() string {
	return rabbitmq.SanitizeURL(f.broker.URL)
}

// CreateConnection builds an unstarted connection. It fails with
// messaging.ErrConfiguration when the broker URL is malformed or uses an
// unsupported scheme.
func (f *ConnectionFactory) CreateConnection() (*messaging.Connection, error) {
	transport, err := f.newTransport()
	if err != nil {
		return nil, &messaging.Error{Op: "create connection", Kind: messaging.ErrConfiguration, Err: err}
	}

	opts := []messaging.ConnectionOption{
		messaging.WithLogger(f.logger),
		messaging.WithDeliveryMode(f.producer.DeliveryMode()),
		messaging.WithPriority(f.producer.Priority),
		messaging.WithTimeToLive(f.producer.TimeToLive),
	}
	if f.clientID != "" {
		opts = append(opts, messaging.WithClientID(f.clientID))
	}
	opts = append(opts, f.connectionOptions...)

	return messaging.NewConnection(transport, opts...)
}

func (f *ConnectionFactory) newTransport() (messaging.Transport, error) {
	if f.broker.URL == "" {
		return nil, errors.New("broker URL is empty")
	}
	u, err := url.Parse(f.broker.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker URL %s: %w", rabbitmq.SanitizeURL(f.broker.URL), err)
	}

	// Credentials in the URL take precedence over the configured ones.
	user, password := f.broker.User, f.broker.Password
	if u.User != nil {
		user = u.User.Username()
		password, _ = u.User.Password()
	}

	switch u.Scheme {
	case "amqp", "amqps":
		opts := []rabbitmqTransport.TransportOption{
			rabbitmqTransport.WithLogger(f.logger),
			rabbitmqTransport.WithCredentials(user, password),
			rabbitmqTransport.WithConnectionOptions(
				rabbitmq.WithLogger(f.logger),
				rabbitmq.WithMaxRetries(f.broker.ConnectRetries),
			),
		}
		if f.broker.ConnectTimeout > 0 {
			opts = append(opts, rabbitmqTransport.WithConnectionOptions(rabbitmq.WithConnectTimeout(f.broker.ConnectTimeout)))
		}
		opts = append(opts, f.transportOptions...)
		t, err := rabbitmqTransport.NewTransport(f.broker.URL, opts...)
		if err != nil {
			return nil, err
		}
		return t, nil

	case "vm":
		if u.Host == "" {
			return nil, fmt.Errorf("vm broker URL %s has no broker name", f.broker.URL)
		}
		return memory.NewTransport(
			memory.Lookup(u.Host),
			memory.WithCredentials(user, password),
			memory.WithLogger(f.logger),
		), nil

	default:
		return nil, fmt.Errorf("unsupported broker URL scheme %q", u.Scheme)
	}
}
