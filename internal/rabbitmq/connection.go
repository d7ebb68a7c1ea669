package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns the AMQP connection. It retries the initial dial
// with exponential backoff but does not reconnect a dropped link: sessions
// bound to the old connection cannot be resumed, so loss is reported to
// the state listeners instead.
type ConnectionManager struct {
	url            string
	config         amqp.Config
	conn           *amqp.Connection
	mu             sync.RWMutex
	connectTimeout time.Duration
	retryDelay     time.Duration
	maxRetries     int
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
	dial           func(url string, cfg amqp.Config) (*amqp.Connection, error)
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectTimeout bounds each dial attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithRetryDelay sets the base delay between dial attempts
func WithRetryDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryDelay = delay
	}
}

// WithMaxRetries sets how many times a failed dial is retried
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithAMQPConfig sets the dial configuration (SASL, vhost, heartbeat)
func WithAMQPConfig(cfg amqp.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config = cfg
	}
}

// NewConnectionManager creates a new connection manager. It does not dial.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		connectTimeout: 30 * time.Second,
		retryDelay:     time.Second,
		maxRetries:     0,
		logger:         slog.Default(),
		done:           make(chan struct{}),
		dial:           amqp.DialConfig,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection, retrying retryable failures
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= cm.maxRetries; attempt++ {
		if attempt > 0 {
			delay := cm.calculateBackoff(attempt - 1)
			cm.logger.Info("retrying connection",
				"attempt", attempt+1,
				"maxRetries", cm.maxRetries,
				"delay", delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &ConnectionError{
					Op:       "connect",
					URL:      SanitizeURL(cm.url),
					Err:      ctx.Err(),
					Attempts: attempt,
				}
			}
		}

		conn, err := cm.dialWithTimeout(ctx)
		if err == nil {
			cm.conn = conn
			cm.isConnected = true
			cm.notifyClose = make(chan *amqp.Error, 1)
			cm.conn.NotifyClose(cm.notifyClose)

			cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

			cm.notifyConnected()
			go cm.watch(cm.notifyClose)
			return nil
		}

		lastErr = err
		cm.logger.Warn("connection attempt failed", "attempt", attempt+1, "error", err)
		if !IsRetryable(err) {
			return &ConnectionError{
				Op:       "connect",
				URL:      SanitizeURL(cm.url),
				Err:      err,
				Attempts: attempt + 1,
			}
		}
	}

	return &ConnectionError{
		Op:       "connect",
		URL:      SanitizeURL(cm.url),
		Err:      lastErr,
		Attempts: cm.maxRetries + 1,
	}
}

// dialWithTimeout runs the blocking dial so ctx and the connect timeout
// can abandon it
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url, cm.config)
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case r := <-resultChan:
		return r.conn, r.err
	case <-connCtx.Done():
		// Close the connection if the dial completes after we gave up
		go func() {
			if r := <-resultChan; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: "new",
			Err:       err,
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: "new",
			Err:       errors.Join(ErrChannelCreationFailed, err),
		}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}

	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}

	return nil
}

// watch reports an unexpected connection loss to the listeners
func (cm *ConnectionManager) watch(notifyClose chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		if !ok || amqpErr == nil {
			return
		}
		cm.logger.Error("connection closed by broker", "error", amqpErr)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(amqpErr)

	case <-cm.done:
		cm.logger.Debug("connection manager shutting down")
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

// calculateBackoff calculates the backoff duration with jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.retryDelay
	if base <= 0 {
		base = time.Second
	}

	maxDelay := time.Minute

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	// ±12.5% jitter
	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))
	}

	return delay
}
