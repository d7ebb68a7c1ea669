package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mrliuli/hellomq/selector"
)

// AcknowledgeMode governs when a non-transacted session confirms receipt
// of consumed messages.
type AcknowledgeMode int

const (
	// SessionTransacted is reported by transacted sessions; acknowledgment
	// happens at Commit.
	SessionTransacted AcknowledgeMode = iota
	// AutoAcknowledge acknowledges each message before Receive returns.
	AutoAcknowledge
	// ClientAcknowledge waits for Message.Acknowledge or Session.Acknowledge.
	ClientAcknowledge
	// DupsOKAcknowledge acknowledges lazily in batches; a redelivery after a
	// failure is tolerated.
	DupsOKAcknowledge
)

func (m AcknowledgeMode) String() string {
	switch m {
	case SessionTransacted:
		return "transacted"
	case AutoAcknowledge:
		return "auto"
	case ClientAcknowledge:
		return "client"
	case DupsOKAcknowledge:
		return "dups-ok"
	default:
		return fmt.Sprintf("AcknowledgeMode(%d)", int(m))
	}
}

// ParseAcknowledgeMode maps "auto", "client", "dups-ok" and "transacted"
// to a mode.
func ParseAcknowledgeMode(s string) (AcknowledgeMode, error) {
	switch s {
	case "", "auto":
		return AutoAcknowledge, nil
	case "client":
		return ClientAcknowledge, nil
	case "dups-ok", "dups_ok":
		return DupsOKAcknowledge, nil
	case "transacted":
		return SessionTransacted, nil
	default:
		return 0, newError("parse acknowledge mode", ErrConfiguration, fmt.Errorf("unknown mode %q", s))
	}
}

func (m AcknowledgeMode) valid() bool {
	return m >= AutoAcknowledge && m <= DupsOKAcknowledge
}

// Session groups sends and receives into one transactional and
// acknowledgment scope. A Session must not be used by more than one
// goroutine at a time; Close may be called from any goroutine.
type Session struct {
	id         string
	conn       *Connection
	channel    TransportChannel
	transacted bool
	ackMode    AcknowledgeMode
	logger     *slog.Logger

	mu        sync.Mutex
	closed    bool
	dirty     bool // transacted work since the last commit or rollback
	unacked   []TransportDelivery
	producers map[*Producer]struct{}
	consumers map[*Consumer]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(conn *Connection, channel TransportChannel, transacted bool, ackMode AcknowledgeMode) *Session {
	if transacted {
		ackMode = SessionTransacted
	}
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(conn.ctx)
	return &Session{
		id:         id,
		conn:       conn,
		channel:    channel,
		transacted: transacted,
		ackMode:    ackMode,
		logger:     conn.logger.With("session", id),
		producers:  make(map[*Producer]struct{}),
		consumers:  make(map[*Consumer]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Transacted reports whether the session is transacted
func (s *Session) Transacted() bool { return s.transacted }

// AcknowledgeMode returns the acknowledge mode, SessionTransacted for
// transacted sessions
func (s *Session) AcknowledgeMode() AcknowledgeMode { return s.ackMode }

// Closed reports whether the session has been closed
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CreateQueue resolves a queue by name. No broker round-trip is made.
func (s *Session) CreateQueue(name string) (Destination, error) {
	if err := s.ensureOpen("create queue"); err != nil {
		return Destination{}, err
	}
	d := NewQueue(name)
	if err := d.validate(); err != nil {
		return Destination{}, err
	}
	return d, nil
}

// CreateTopic resolves a topic by name. No broker round-trip is made.
func (s *Session) CreateTopic(name string) (Destination, error) {
	if err := s.ensureOpen("create topic"); err != nil {
		return Destination{}, err
	}
	d := NewTopic(name)
	if err := d.validate(); err != nil {
		return Destination{}, err
	}
	return d, nil
}

// CreateTemporaryQueue asks the broker for a queue that is deleted when the
// connection closes.
func (s *Session) CreateTemporaryQueue(ctx context.Context) (Destination, error) {
	if err := s.ensureOpen("create temporary queue"); err != nil {
		return Destination{}, err
	}
	return s.conn.createTemporaryQueue(ctx)
}

// CreateProducer returns a producer bound to dest.
func (s *Session) CreateProducer(dest Destination) (*Producer, error) {
	if err := dest.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, illegalState("create producer", "session is closed")
	}

	p := newProducer(s, dest)
	s.producers[p] = struct{}{}
	return p, nil
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	selector string
	noLocal  bool
}

// WithSelector restricts delivery to messages matching expr
func WithSelector(expr string) ConsumerOption {
	return func(c *consumerConfig) {
		c.selector = expr
	}
}

// WithNoLocal suppresses messages sent by this connection. It only affects
// topic subscriptions.
func WithNoLocal(noLocal bool) ConsumerOption {
	return func(c *consumerConfig) {
		c.noLocal = noLocal
	}
}

// CreateConsumer subscribes to dest.
func (s *Session) CreateConsumer(ctx context.Context, dest Destination, options ...ConsumerOption) (*Consumer, error) {
	if err := dest.validate(); err != nil {
		return nil, err
	}

	cfg := consumerConfig{}
	for _, opt := range options {
		opt(&cfg)
	}

	sel, err := selector.Compile(cfg.selector)
	if err != nil {
		return nil, newError("create consumer", ErrInvalidSelector, err)
	}
	if cfg.noLocal && dest.IsQueue() {
		s.logger.Debug("noLocal ignored for queue destination", "destination", dest.String())
		cfg.noLocal = false
	}
	if s.conn.isDeleted(dest) {
		return nil, newError("create consumer", ErrInvalidDestination, fmt.Errorf("%s was deleted", dest))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, illegalState("create consumer", "session is closed")
	}

	sub, err := s.channel.Subscribe(ctx, Subscription{
		Destination: dest,
		Selector:    sel,
		NoLocal:     cfg.noLocal,
		ClientID:    s.conn.clientID,
	})
	if err != nil {
		return nil, classify("create consumer", err)
	}

	c := newConsumer(s, dest, sel, cfg.noLocal, sub)
	s.consumers[c] = struct{}{}
	return c, nil
}

// Commit makes every send since the last commit or rollback visible and
// acknowledges every message consumed in the same span. If the broker
// refuses, the work is rolled back and ErrTransactionRolledBack is returned.
// A commit that went through but had sends returned as unroutable reports
// ErrInvalidDestination instead.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.ensureTransacted("commit"); err != nil {
		return err
	}

	if err := s.channel.Commit(ctx); err != nil {
		if errors.Is(err, ErrInvalidDestination) && !errors.Is(err, ErrTransactionRolledBack) {
			s.setDirty(false)
			s.logger.Warn("transaction committed with unroutable sends", "error", err)
			return classify("commit", err)
		}
		if rbErr := s.channel.Rollback(ctx); rbErr != nil {
			s.logger.Error("rollback after failed commit", "error", rbErr)
		}
		s.setDirty(false)
		s.logger.Warn("transaction rolled back", "error", err)
		return newError("commit", ErrTransactionRolledBack, err)
	}

	s.setDirty(false)
	s.logger.Debug("transaction committed")
	return nil
}

// Rollback discards every send since the last commit or rollback and
// redelivers the messages consumed in the same span.
func (s *Session) Rollback(ctx context.Context) error {
	if err := s.ensureTransacted("rollback"); err != nil {
		return err
	}

	if err := s.channel.Rollback(ctx); err != nil {
		return classify("rollback", err)
	}

	s.setDirty(false)
	s.logger.Debug("transaction rolled back")
	return nil
}

// Acknowledge acknowledges every message consumed so far. It is a no-op
// outside ClientAcknowledge and DupsOKAcknowledge sessions.
func (s *Session) Acknowledge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return illegalState("acknowledge", "session is closed")
	}
	return s.ackPendingLocked()
}

// Recover stops delivery and redelivers every unacknowledged message,
// starting with the oldest.
func (s *Session) Recover(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return illegalState("recover", "session is closed")
	}
	if s.transacted {
		s.mu.Unlock()
		return illegalState("recover", "session is transacted")
	}
	s.unacked = nil
	s.mu.Unlock()

	if err := s.channel.Recover(ctx); err != nil {
		return classify("recover", err)
	}
	return nil
}

// Close closes every producer and consumer of the session. Pending
// transacted work is rolled back, never committed.
func (s *Session) Close() error {
	return s.close(true)
}

func (s *Session) close(detach bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	producers := make([]*Producer, 0, len(s.producers))
	for p := range s.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.producers = make(map[*Producer]struct{})
	s.consumers = make(map[*Consumer]struct{})
	dirty := s.dirty
	s.mu.Unlock()

	s.cancel()

	var errs []error
	for _, c := range consumers {
		if err := c.invalidate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range producers {
		p.invalidate()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.conn.closeTimeout)
	defer cancel()

	if s.transacted && dirty {
		if err := s.channel.Rollback(ctx); err != nil {
			s.logger.Error("failed to roll back on close", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("rolled back uncommitted work on close")
		}
	}

	if s.ackMode == DupsOKAcknowledge {
		s.mu.Lock()
		if err := s.ackPendingLocked(); err != nil {
			errs = append(errs, err)
		}
		s.mu.Unlock()
	}

	if err := s.channel.Close(); err != nil {
		errs = append(errs, err)
	}

	if detach {
		s.conn.removeSession(s)
	}

	if len(errs) > 0 {
		return newError("close session", ErrMessaging, errors.Join(errs...))
	}
	return nil
}

// delivered applies the acknowledge mode to a delivery that is about to be
// handed to the caller.
func (s *Session) delivered(d TransportDelivery, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.ackMode {
	case SessionTransacted:
		s.dirty = true
	case AutoAcknowledge:
		if err := d.Ack(); err != nil {
			return classify("acknowledge", err)
		}
	case ClientAcknowledge:
		s.unacked = append(s.unacked, d)
		msg.ack = s.Acknowledge
	case DupsOKAcknowledge:
		s.unacked = append(s.unacked, d)
		if len(s.unacked) >= s.conn.dupsOKBatch {
			return s.ackPendingLocked()
		}
	}
	return nil
}

func (s *Session) ackPendingLocked() error {
	var errs []error
	for _, d := range s.unacked {
		if err := d.Ack(); err != nil {
			errs = append(errs, err)
		}
	}
	s.unacked = nil
	if len(errs) > 0 {
		return classify("acknowledge", errors.Join(errs...))
	}
	return nil
}

func (s *Session) sent() {
	if !s.transacted {
		return
	}
	s.setDirty(true)
}

func (s *Session) setDirty(dirty bool) {
	s.mu.Lock()
	s.dirty = dirty
	s.mu.Unlock()
}

func (s *Session) removeProducer(p *Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.producers, p)
}

func (s *Session) removeConsumer(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, c)
}

func (s *Session) ensureOpen(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return illegalState(op, "session is closed")
	}
	return nil
}

func (s *Session) ensureTransacted(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return illegalState(op, "session is closed")
	}
	if !s.transacted {
		return illegalState(op, "session is not transacted")
	}
	return nil
}
