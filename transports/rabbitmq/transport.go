package rabbitmq

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mrliuli/hellomq/internal/rabbitmq"
	"github.com/mrliuli/hellomq/messaging"
)

const topicExchange = rabbitmq.TopicExchange

// Transport implements messaging.Transport for RabbitMQ. Each session gets
// its own AMQP channel: transacted sessions put it in tx mode, the others
// in confirm mode.
type Transport struct {
	url            string
	manager        *rabbitmq.ConnectionManager
	topology       *rabbitmq.TopologyManager
	logger         *slog.Logger
	prefetch       int
	confirmTimeout time.Duration

	mu       sync.Mutex
	declared map[string]struct{}
	onClose  []func(error)
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	User              string
	Password          string
	Prefetch          int
	ConfirmTimeout    time.Duration
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithCredentials overrides the user and password carried by the URL
func WithCredentials(user, password string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.User = user
		cfg.Password = password
	}
}

// WithPrefetch sets how many unacknowledged deliveries a channel may hold.
// Sessions that ack at commit or Acknowledge stall once the window is full,
// so zero (no limit) is the default.
func WithPrefetch(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Prefetch = n
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConfirmTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a RabbitMQ transport for an amqp:// or amqps:// URL.
// It does not connect.
func NewTransport(url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		ConfirmTimeout: 5 * time.Second,
		Logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	uri, err := amqp.ParseURI(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %w", messaging.ErrConfiguration, rabbitmq.ErrInvalidConfiguration, err)
	}
	if cfg.Prefetch < 0 {
		return nil, fmt.Errorf("%w: prefetch must not be negative", messaging.ErrConfiguration)
	}

	user, password := uri.Username, uri.Password
	if cfg.User != "" {
		user, password = cfg.User, cfg.Password
	}

	amqpConfig := amqp.Config{
		SASL:      []amqp.Authentication{&amqp.PlainAuth{Username: user, Password: password}},
		Vhost:     uri.Vhost,
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "hellomq",
		},
	}
	if uri.Scheme == "amqps" {
		amqpConfig.TLSClientConfig = &tls.Config{ServerName: uri.Host, MinVersion: tls.VersionTLS12}
	}

	connOpts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.Logger),
		rabbitmq.WithAMQPConfig(amqpConfig),
	}, cfg.ConnectionOptions...)

	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	t := &Transport{
		url:            url,
		manager:        manager,
		topology:       rabbitmq.NewTopologyManager(manager),
		logger:         cfg.Logger.With("transport", "rabbitmq"),
		prefetch:       cfg.Prefetch,
		confirmTimeout: cfg.ConfirmTimeout,
		declared:       make(map[string]struct{}),
	}
	manager.AddStateListener(t)
	return t, nil
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.manager.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", messaging.ErrConnection, err)
	}
	return nil
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// NotifyClose implements messaging.Transport
func (t *Transport) NotifyClose(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnConnected() {}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	t.mu.Lock()
	listeners := t.onClose
	t.onClose = nil
	t.declared = make(map[string]struct{})
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	t.onClose = nil
	t.mu.Unlock()

	t.manager.RemoveStateListener(t)
	return t.manager.Close()
}

// OpenChannel implements messaging.Transport
func (t *Transport) OpenChannel(ctx context.Context, transacted bool) (messaging.TransportChannel, error) {
	if !t.manager.IsConnected() {
		return nil, fmt.Errorf("%w: %w", messaging.ErrConnection, rabbitmq.ErrConnectionNotReady)
	}

	ch, err := t.manager.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", messaging.ErrConnection, err)
	}

	c := &channel{
		transport:  t,
		ch:         ch,
		id:         uuid.New().String(),
		transacted: transacted,
		handed:     make(map[uint64]*delivery),
		subs:       make(map[*subscription]struct{}),
		logger:     t.logger,
	}

	if transacted {
		if err := ch.Tx(); err != nil {
			ch.Close()
			return nil, c.channelError("enable transactions", err)
		}
	} else {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, c.channelError("enable confirms", err)
		}
		c.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}
	c.returns = ch.NotifyReturn(make(chan amqp.Return, returnBuffer))

	if t.prefetch > 0 {
		if err := ch.Qos(t.prefetch, 0, false); err != nil {
			ch.Close()
			return nil, c.channelError("set qos", err)
		}
	}

	return c, nil
}

// CreateTemporaryQueue implements messaging.Transport
func (t *Transport) CreateTemporaryQueue(ctx context.Context) (messaging.Destination, error) {
	dest := messaging.NewQueue(messaging.TemporaryPrefix + uuid.New().String())

	if _, err := t.topology.DeclareQueue(ctx, rabbitmq.TemporaryQueue(dest.Name)); err != nil {
		return messaging.Destination{}, t.classify(err)
	}

	t.markDeclared(dest.Name)
	t.logger.Debug("temporary queue declared", "queue", dest.Name)
	return dest, nil
}

// DeleteDestination implements messaging.Transport. Topics are not
// broker objects and deleting one is a no-op.
func (t *Transport) DeleteDestination(ctx context.Context, dest messaging.Destination) error {
	if dest.IsTopic() {
		return nil
	}

	if err := t.topology.DeleteQueue(ctx, dest.Name); err != nil {
		return t.classify(err)
	}

	t.mu.Lock()
	delete(t.declared, dest.Name)
	t.mu.Unlock()
	return nil
}

// ensureSendable prepares a queue for publishing. Any connection may send
// to a temporary queue; it is never declared here, and the mandatory flag
// turns a missing one into a returned message.
func (t *Transport) ensureSendable(ctx context.Context, dest messaging.Destination) error {
	if dest.Temporary {
		return nil
	}
	return t.ensureQueue(ctx, dest)
}

// ensureQueue declares a named queue the first time it is used. Temporary
// queues are only ever declared by CreateTemporaryQueue, and only the
// connection that created one may consume from it.
func (t *Transport) ensureQueue(ctx context.Context, dest messaging.Destination) error {
	t.mu.Lock()
	_, ok := t.declared[dest.Name]
	t.mu.Unlock()
	if ok {
		return nil
	}

	if dest.Temporary {
		return fmt.Errorf("%w: temporary queue %s does not belong to this connection", messaging.ErrInvalidDestination, dest.Name)
	}

	if _, err := t.topology.DeclareQueue(ctx, rabbitmq.DurableQueue(dest.Name)); err != nil {
		return t.classify(err)
	}
	t.markDeclared(dest.Name)
	return nil
}

func (t *Transport) markDeclared(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.declared[name] = struct{}{}
}

// classify maps broker failures onto the messaging error kinds
func (t *Transport) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case rabbitmq.IsNotFound(err):
		return fmt.Errorf("%w: %w", messaging.ErrInvalidDestination, err)
	case !t.manager.IsConnected():
		return fmt.Errorf("%w: %w", messaging.ErrConnection, err)
	default:
		return err
	}
}
