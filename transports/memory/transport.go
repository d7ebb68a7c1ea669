package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mrliuli/hellomq/messaging"
)

var (
	// ErrNotConnected is returned when the transport has not been connected
	ErrNotConnected = errors.New("memory: not connected")
	// ErrChannelClosed is returned by operations on a closed channel
	ErrChannelClosed = errors.New("memory: channel is closed")
	// ErrSubscriptionClosed is returned by Next after Close
	ErrSubscriptionClosed = errors.New("memory: subscription is closed")
)

// Transport implements messaging.Transport against a Broker
type Transport struct {
	broker   *Broker
	user     string
	password string
	prefetch int
	logger   *slog.Logger

	mu        sync.Mutex
	connected bool
	channels  map[*channel]struct{}
	onClose   []func(error)
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithCredentials sets the credentials presented on Connect
func WithCredentials(user, password string) TransportOption {
	return func(t *Transport) {
		t.user = user
		t.password = password
	}
}

// WithPrefetch caps how many unsettled deliveries a channel may hold.
// Next blocks while the cap is reached. Zero means no limit.
func WithPrefetch(n int) TransportOption {
	return func(t *Transport) {
		t.prefetch = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a transport for broker. It does not connect.
func NewTransport(broker *Broker, options ...TransportOption) *Transport {
	t := &Transport{
		broker:   broker,
		logger:   slog.Default(),
		channels: make(map[*channel]struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Broker returns the broker behind the transport
func (t *Transport) Broker() *Broker { return t.broker }

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.broker.authenticate(t.user, t.password); err != nil {
		return err
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	t.logger.Debug("connected to in-memory broker", "broker", t.broker.name)
	return nil
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// NotifyClose implements messaging.Transport
func (t *Transport) NotifyClose(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

// Drop simulates losing the link to the broker: every channel is closed
// and the close listeners are told err.
func (t *Transport) Drop(err error) {
	t.mu.Lock()
	listeners := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	t.shutdown()
	for _, fn := range listeners {
		fn(err)
	}
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	t.onClose = nil
	t.mu.Unlock()

	t.shutdown()
	return nil
}

func (t *Transport) shutdown() {
	t.mu.Lock()
	t.connected = false
	channels := make([]*channel, 0, len(t.channels))
	for ch := range t.channels {
		channels = append(channels, ch)
	}
	t.channels = make(map[*channel]struct{})
	t.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}

// OpenChannel implements messaging.Transport
func (t *Transport) OpenChannel(ctx context.Context, transacted bool) (messaging.TransportChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, fmt.Errorf("%w: %w", messaging.ErrConnection, ErrNotConnected)
	}

	ch := &channel{
		transport:  t,
		broker:     t.broker,
		transacted: transacted,
		prefetch:   t.prefetch,
		settled:    make(chan struct{}),
		subs:       make(map[*subscription]struct{}),
	}
	t.channels[ch] = struct{}{}
	return ch, nil
}

// CreateTemporaryQueue implements messaging.Transport
func (t *Transport) CreateTemporaryQueue(ctx context.Context) (messaging.Destination, error) {
	if !t.IsConnected() {
		return messaging.Destination{}, fmt.Errorf("%w: %w", messaging.ErrConnection, ErrNotConnected)
	}

	dest := messaging.NewQueue(messaging.TemporaryPrefix + uuid.New().String())
	q := newQueue(dest.Name)
	q.owner = t

	t.broker.mu.Lock()
	t.broker.queues[dest.Name] = q
	t.broker.mu.Unlock()

	return dest, nil
}

// DeleteDestination implements messaging.Transport
func (t *Transport) DeleteDestination(ctx context.Context, dest messaging.Destination) error {
	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	return t.broker.deleteLocked(dest)
}

func (t *Transport) forget(ch *channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, ch)
}

// channel is the broker-side scope of one session. Its state is guarded
// by the broker mutex.
type channel struct {
	transport  *Transport
	broker     *Broker
	transacted bool
	prefetch   int

	closed   bool
	pending  []*messaging.Message
	inflight []*delivery
	settled  chan struct{}
	subs     map[*subscription]struct{}
}

// windowFullLocked reports whether the channel holds as many unsettled
// deliveries as its prefetch allows. Acks inside a transaction only settle
// at commit.
func (c *channel) windowFullLocked() bool {
	return c.prefetch > 0 && len(c.inflight) >= c.prefetch
}

// settleLocked wakes consumers waiting for room in the prefetch window
func (c *channel) settleLocked() {
	close(c.settled)
	c.settled = make(chan struct{})
}

// Send implements messaging.TransportChannel
func (c *channel) Send(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: %w", messaging.ErrIllegalState, ErrChannelClosed)
	}
	if err := c.broker.checkDestinationLocked(msg.Destination); err != nil {
		return err
	}

	if c.transacted {
		c.pending = append(c.pending, msg)
		return nil
	}
	return c.broker.publishLocked(msg)
}

// Subscribe implements messaging.TransportChannel
func (c *channel) Subscribe(ctx context.Context, sub messaging.Subscription) (messaging.TransportSubscription, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: %w", messaging.ErrIllegalState, ErrChannelClosed)
	}

	s := &subscription{
		channel: c,
		sub:     sub,
		done:    make(chan struct{}),
	}

	if sub.Destination.IsTopic() {
		s.q = newQueue(sub.Destination.Name)
		s.topic = true
		subs, ok := c.broker.topics[sub.Destination.Name]
		if !ok {
			subs = make(map[*queue]messaging.Subscription)
			c.broker.topics[sub.Destination.Name] = subs
		}
		subs[s.q] = sub
	} else {
		if err := c.broker.checkDestinationLocked(sub.Destination); err != nil {
			return nil, err
		}
		q, err := c.broker.queueLocked(sub.Destination.Name)
		if err != nil {
			return nil, err
		}
		if q.owner != nil && q.owner != c.transport {
			return nil, fmt.Errorf("%w: temporary queue %s belongs to another connection", messaging.ErrInvalidDestination, q.name)
		}
		s.q = q
	}

	c.subs[s] = struct{}{}
	return s, nil
}

// Commit implements messaging.TransportChannel
func (c *channel) Commit(ctx context.Context) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: %w", messaging.ErrIllegalState, ErrChannelClosed)
	}
	if err := c.broker.takeCommitFaultLocked(); err != nil {
		return fmt.Errorf("%w: %w", messaging.ErrTransactionRolledBack, err)
	}
	for _, msg := range c.pending {
		if err := c.broker.checkDestinationLocked(msg.Destination); err != nil {
			return fmt.Errorf("%w: %w", messaging.ErrTransactionRolledBack, err)
		}
	}

	for _, msg := range c.pending {
		if err := c.broker.publishLocked(msg); err != nil {
			return err
		}
	}
	c.pending = nil
	c.inflight = nil
	c.settleLocked()
	return nil
}

// Rollback implements messaging.TransportChannel
func (c *channel) Rollback(ctx context.Context) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: %w", messaging.ErrIllegalState, ErrChannelClosed)
	}
	c.pending = nil
	c.requeueLocked(func(*delivery) bool { return true })
	return nil
}

// Recover implements messaging.TransportChannel
func (c *channel) Recover(ctx context.Context) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: %w", messaging.ErrIllegalState, ErrChannelClosed)
	}
	c.requeueLocked(func(d *delivery) bool { return !d.acked })
	return nil
}

// Close implements messaging.TransportChannel
func (c *channel) Close() error {
	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pending = nil
	c.requeueLocked(func(d *delivery) bool { return c.transacted || !d.acked })
	for s := range c.subs {
		s.closeLocked()
	}
	c.subs = nil
	c.broker.mu.Unlock()

	c.transport.forget(c)
	return nil
}

// requeueLocked returns the in-flight deliveries selected by pick to their
// queues, oldest first, and drops the rest from tracking
func (c *channel) requeueLocked(pick func(*delivery) bool) {
	byQueue := make(map[*queue][]*envelope)
	var order []*queue
	for _, d := range c.inflight {
		if !pick(d) {
			continue
		}
		if _, seen := byQueue[d.q]; !seen {
			order = append(order, d.q)
		}
		byQueue[d.q] = append(byQueue[d.q], d.env)
	}
	for _, q := range order {
		q.requeue(byQueue[q])
	}
	c.inflight = nil
	c.settleLocked()
}

type subscription struct {
	channel *channel
	sub     messaging.Subscription
	q       *queue
	topic   bool
	closed  bool
	done    chan struct{}
}

// Next implements messaging.TransportSubscription
func (s *subscription) Next(ctx context.Context) (messaging.TransportDelivery, error) {
	b := s.channel.broker
	for {
		b.mu.Lock()
		if s.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", messaging.ErrIllegalState, ErrSubscriptionClosed)
		}
		if s.q.deleted {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: queue %s was deleted", messaging.ErrInvalidDestination, s.q.name)
		}
		var wait <-chan struct{}
		if s.channel.windowFullLocked() {
			wait = s.channel.settled
		} else if env := s.q.take(s.sub); env != nil {
			d := &delivery{channel: s.channel, q: s.q, env: env}
			s.channel.inflight = append(s.channel.inflight, d)
			b.mu.Unlock()
			return d, nil
		} else {
			wait = s.q.signal
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
		case <-wait:
		}
	}
}

// Close implements messaging.TransportSubscription
func (s *subscription) Close() error {
	b := s.channel.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	s.closeLocked()
	if s.channel.subs != nil {
		delete(s.channel.subs, s)
	}
	return nil
}

func (s *subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	if s.topic {
		if subs, ok := s.channel.broker.topics[s.sub.Destination.Name]; ok {
			delete(subs, s.q)
		}
	}
}

type delivery struct {
	channel *channel
	q       *queue
	env     *envelope
	acked   bool
}

// Message implements messaging.TransportDelivery
func (d *delivery) Message() *messaging.Message {
	msg := d.env.msg.Clone()
	msg.Redelivered = d.env.redelivered
	return msg
}

// Ack implements messaging.TransportDelivery
func (d *delivery) Ack() error {
	b := d.channel.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if d.channel.closed {
		return fmt.Errorf("%w: %w", messaging.ErrIllegalState, ErrChannelClosed)
	}
	d.acked = true
	if d.channel.transacted {
		return nil
	}
	for i, other := range d.channel.inflight {
		if other == d {
			d.channel.inflight = append(d.channel.inflight[:i], d.channel.inflight[i+1:]...)
			d.channel.settleLocked()
			break
		}
	}
	return nil
}
