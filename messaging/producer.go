package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Producer sends messages to one destination within its session's
// transaction scope.
type Producer struct {
	session *Session
	dest    Destination

	mu           sync.Mutex
	closed       bool
	deliveryMode DeliveryMode
	priority     int
	timeToLive   time.Duration

	sent atomic.Int64
}

func newProducer(s *Session, dest Destination) *Producer {
	return &Producer{
		session:      s,
		dest:         dest,
		deliveryMode: s.conn.defaults.deliveryMode,
		priority:     s.conn.defaults.priority,
		timeToLive:   s.conn.defaults.timeToLive,
	}
}

// SendOption overrides producer defaults for a single send
type SendOption func(*sendOptions)

type sendOptions struct {
	deliveryMode DeliveryMode
	priority     int
	timeToLive   time.Duration
}

// WithSendDeliveryMode overrides the delivery mode for one send
func WithSendDeliveryMode(mode DeliveryMode) SendOption {
	return func(o *sendOptions) {
		o.deliveryMode = mode
	}
}

// WithSendPriority overrides the priority for one send
func WithSendPriority(priority int) SendOption {
	return func(o *sendOptions) {
		o.priority = priority
	}
}

// WithSendTimeToLive overrides the time-to-live for one send
func WithSendTimeToLive(ttl time.Duration) SendOption {
	return func(o *sendOptions) {
		o.timeToLive = ttl
	}
}

// Destination returns the bound destination
func (p *Producer) Destination() Destination { return p.dest }

// Sent returns how many messages this producer has sent
func (p *Producer) Sent() int64 { return p.sent.Load() }

// SetDeliveryMode sets the default delivery mode
func (p *Producer) SetDeliveryMode(mode DeliveryMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliveryMode = mode
}

// SetPriority sets the default priority
func (p *Producer) SetPriority(priority int) error {
	if priority < 0 || priority > MaxPriority {
		return newError("set priority", ErrConfiguration, fmt.Errorf("priority %d out of range 0-%d", priority, MaxPriority))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority = priority
	return nil
}

// SetTimeToLive sets the default time-to-live; zero means never expire
func (p *Producer) SetTimeToLive(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeToLive = ttl
}

// Send stamps msg with its header fields and hands it to the broker. In a
// transacted session the message stays invisible until Commit.
func (p *Producer) Send(ctx context.Context, msg *Message, options ...SendOption) error {
	if msg == nil {
		return newError("send", ErrConfiguration, fmt.Errorf("message is nil"))
	}

	p.mu.Lock()
	closed := p.closed
	opts := sendOptions{
		deliveryMode: p.deliveryMode,
		priority:     p.priority,
		timeToLive:   p.timeToLive,
	}
	p.mu.Unlock()

	if closed || p.session.Closed() || p.session.conn.isClosed() {
		return newError("send", ErrIllegalState, fmt.Errorf("%w: producer is closed", ErrMessaging))
	}

	for _, opt := range options {
		opt(&opts)
	}
	if opts.priority < 0 || opts.priority > MaxPriority {
		return newError("send", ErrConfiguration, fmt.Errorf("priority %d out of range 0-%d", opts.priority, MaxPriority))
	}

	if p.session.conn.isDeleted(p.dest) {
		return newError("send", ErrInvalidDestination, fmt.Errorf("%s was deleted", p.dest))
	}

	now := time.Now()
	msg.ID = "ID:" + uuid.New().String()
	msg.Timestamp = now
	msg.Destination = p.dest
	msg.DeliveryMode = opts.deliveryMode
	msg.Priority = opts.priority
	msg.Expiration = expirationFor(now, opts.timeToLive)
	msg.ClientID = p.session.conn.clientID
	msg.Redelivered = false

	if err := p.session.channel.Send(ctx, msg.Clone()); err != nil {
		return classify("send", err)
	}

	p.session.sent()
	n := p.sent.Add(1)
	p.session.logger.Debug("message sent",
		"destination", p.dest.String(),
		"messageId", msg.ID,
		"sent", n,
	)
	return nil
}

// Close detaches the producer from its session
func (p *Producer) Close() error {
	p.invalidate()
	p.session.removeProducer(p)
	return nil
}

func (p *Producer) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
