package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

const (
	ConnectionCreated ConnectionState = iota
	ConnectionStarted
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionCreated:
		return "created"
	case ConnectionStarted:
		return "started"
	case ConnectionClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// ExceptionListener is told when the transport is lost underneath a
// started connection.
type ExceptionListener func(err error)

// Connection is a single logical link to a broker. It owns every Session
// created from it.
type Connection struct {
	transport    Transport
	clientID     string
	logger       *slog.Logger
	closeTimeout time.Duration
	dupsOKBatch  int
	defaults     producerDefaults

	mu                sync.Mutex
	state             ConnectionState
	sessions          map[*Session]struct{}
	temporary         map[string]Destination
	deleted           map[string]struct{}
	exceptionListener ExceptionListener

	ctx    context.Context
	cancel context.CancelFunc
}

type producerDefaults struct {
	deliveryMode DeliveryMode
	priority     int
	timeToLive   time.Duration
}

// ConnectionOption configures a Connection
type ConnectionOption func(*Connection)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithClientID overrides the generated client identifier
func WithClientID(id string) ConnectionOption {
	return func(c *Connection) {
		c.clientID = id
	}
}

// WithDeliveryMode sets the default delivery mode for new producers
func WithDeliveryMode(mode DeliveryMode) ConnectionOption {
	return func(c *Connection) {
		c.defaults.deliveryMode = mode
	}
}

// WithPriority sets the default priority for new producers
func WithPriority(priority int) ConnectionOption {
	return func(c *Connection) {
		c.defaults.priority = priority
	}
}

// WithTimeToLive sets the default time-to-live for new producers
func WithTimeToLive(ttl time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.defaults.timeToLive = ttl
	}
}

// WithCloseTimeout bounds the broker round-trips made while closing
func WithCloseTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.closeTimeout = timeout
	}
}

// WithDupsOKBatch sets how many deliveries a DupsOKAcknowledge session
// holds before acknowledging them together
func WithDupsOKBatch(n int) ConnectionOption {
	return func(c *Connection) {
		c.dupsOKBatch = n
	}
}

// NewConnection creates a connection over transport. No I/O happens until Start.
func NewConnection(transport Transport, options ...ConnectionOption) (*Connection, error) {
	if transport == nil {
		return nil, newError("create connection", ErrConfiguration, errors.New("transport is nil"))
	}

	c := &Connection{
		transport:    transport,
		clientID:     uuid.New().String(),
		logger:       slog.Default(),
		closeTimeout: 5 * time.Second,
		dupsOKBatch:  10,
		defaults: producerDefaults{
			deliveryMode: Persistent,
			priority:     DefaultPriority,
		},
		sessions:  make(map[*Session]struct{}),
		temporary: make(map[string]Destination),
		deleted:   make(map[string]struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.defaults.priority < 0 || c.defaults.priority > MaxPriority {
		return nil, newError("create connection", ErrConfiguration,
			fmt.Errorf("priority %d out of range 0-%d", c.defaults.priority, MaxPriority))
	}
	if c.dupsOKBatch < 1 {
		return nil, newError("create connection", ErrConfiguration, errors.New("dups-ok batch must be at least 1"))
	}

	c.logger = c.logger.With("clientID", c.clientID)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	return c, nil
}

// ClientID returns the identifier stamped on every message this connection sends
func (c *Connection) ClientID() string {
	return c.clientID
}

// State returns the lifecycle state
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetExceptionListener registers fn for asynchronous transport failures
func (c *Connection) SetExceptionListener(fn ExceptionListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exceptionListener = fn
}

// Start establishes the transport. Starting a started connection is a no-op.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case ConnectionStarted:
		return nil
	case ConnectionClosed:
		return illegalState("start connection", "connection is closed")
	}

	if err := c.transport.Connect(ctx); err != nil {
		if errors.Is(err, ErrConfiguration) {
			return classify("start connection", err)
		}
		return newError("start connection", ErrConnection, err)
	}
	c.transport.NotifyClose(c.onTransportLost)

	c.state = ConnectionStarted
	c.logger.Info("connection started")
	return nil
}

// Close force-closes all sessions, deletes temporary destinations and
// releases the transport. It is safe to call more than once and on a
// connection that was never started.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == ConnectionClosed {
		c.mu.Unlock()
		return nil
	}
	wasStarted := c.state == ConnectionStarted
	c.state = ConnectionClosed
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[*Session]struct{})
	temporary := make([]Destination, 0, len(c.temporary))
	for _, d := range c.temporary {
		temporary = append(temporary, d)
	}
	c.temporary = make(map[string]Destination)
	c.mu.Unlock()

	c.cancel()

	var errs []error
	for _, s := range sessions {
		if err := s.close(false); err != nil {
			c.logger.Error("failed to close session", "session", s.id, "error", err)
			errs = append(errs, err)
		}
	}

	if wasStarted {
		ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
		for _, d := range temporary {
			if err := c.transport.DeleteDestination(ctx, d); err != nil {
				c.logger.Warn("failed to delete temporary destination", "destination", d.String(), "error", err)
				errs = append(errs, err)
			}
			c.markDeleted(d)
		}
		cancel()

		if err := c.transport.Close(); err != nil {
			c.logger.Error("failed to close transport", "error", err)
			errs = append(errs, err)
		}
	}

	c.logger.Info("connection closed", "sessions", len(sessions))
	if len(errs) > 0 {
		return newError("close connection", ErrMessaging, errors.Join(errs...))
	}
	return nil
}

// CreateSession opens a session. ackMode is ignored when transacted is true.
func (c *Connection) CreateSession(ctx context.Context, transacted bool, ackMode AcknowledgeMode) (*Session, error) {
	if !transacted && !ackMode.valid() {
		return nil, newError("create session", ErrConfiguration, fmt.Errorf("unknown acknowledge mode %d", int(ackMode)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ConnectionStarted {
		return nil, illegalState("create session", "connection is "+c.state.String())
	}

	channel, err := c.transport.OpenChannel(ctx, transacted)
	if err != nil {
		return nil, classify("create session", err)
	}

	s := newSession(c, channel, transacted, ackMode)
	c.sessions[s] = struct{}{}

	s.logger.Debug("session created", "transacted", transacted, "ackMode", s.AcknowledgeMode().String())
	return s, nil
}

// DeleteTemporaryQueue removes a temporary queue created by this
// connection. Later sends to it fail with ErrInvalidDestination.
func (c *Connection) DeleteTemporaryQueue(ctx context.Context, dest Destination) error {
	c.mu.Lock()
	if c.state != ConnectionStarted {
		c.mu.Unlock()
		return illegalState("delete temporary queue", "connection is "+c.state.String())
	}
	if _, ok := c.temporary[dest.Name]; !ok {
		c.mu.Unlock()
		return newError("delete temporary queue", ErrInvalidDestination,
			fmt.Errorf("%s was not created by this connection", dest))
	}
	delete(c.temporary, dest.Name)
	c.mu.Unlock()

	if err := c.transport.DeleteDestination(ctx, dest); err != nil {
		return classify("delete temporary queue", err)
	}
	c.markDeleted(dest)
	return nil
}

func (c *Connection) createTemporaryQueue(ctx context.Context) (Destination, error) {
	dest, err := c.transport.CreateTemporaryQueue(ctx)
	if err != nil {
		return Destination{}, classify("create temporary queue", err)
	}

	c.mu.Lock()
	c.temporary[dest.Name] = dest
	c.mu.Unlock()
	return dest, nil
}

func (c *Connection) markDeleted(dest Destination) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted[dest.String()] = struct{}{}
}

func (c *Connection) isDeleted(dest Destination) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.deleted[dest.String()]
	return ok
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ConnectionClosed
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

// onTransportLost reports a dropped link to the exception listener
func (c *Connection) onTransportLost(err error) {
	c.mu.Lock()
	listener := c.exceptionListener
	closed := c.state == ConnectionClosed
	c.mu.Unlock()

	if closed {
		return
	}

	c.logger.Error("transport lost", "error", err)
	if listener != nil {
		go listener(newError("transport lost", ErrConnection, err))
	}
}
