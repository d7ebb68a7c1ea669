package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mrliuli/hellomq/internal/rabbitmq"
	"github.com/mrliuli/hellomq/messaging"
)

const returnBuffer = 64

// channel backs one session. In tx mode the broker holds publishes and
// acks until TxCommit; a rollback leaves consumed deliveries unacked, so
// they are nacked back onto their queues explicitly.
type channel struct {
	transport  *Transport
	ch         *amqp.Channel
	id         string
	transacted bool
	confirms   chan amqp.Confirmation
	returns    chan amqp.Return
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	handed map[uint64]*delivery
	subs   map[*subscription]struct{}
}

// Send implements messaging.TransportChannel
func (c *channel) Send(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Destination.IsQueue() {
		if err := c.transport.ensureSendable(ctx, msg.Destination); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closedError()
	}

	exchange, key := routing(msg.Destination)
	mandatory := msg.Destination.IsQueue()
	pub := toPublishing(msg, time.Now())

	seq := c.ch.GetNextPublishSeqNo()
	if err := c.ch.PublishWithContext(ctx, exchange, key, mandatory, false, pub); err != nil {
		return c.publishError(exchange, key, mandatory, c.transport.classify(err))
	}

	if c.transacted {
		return nil
	}
	return c.awaitConfirm(ctx, seq, exchange, key, mandatory)
}

// awaitConfirm waits for the broker to confirm publish seq. Confirms left
// over from an abandoned wait carry lower tags and are skipped.
func (c *channel) awaitConfirm(ctx context.Context, seq uint64, exchange, key string, mandatory bool) error {
	timer := time.NewTimer(c.transport.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-c.confirms:
			if !ok {
				return c.publishError(exchange, key, mandatory, c.closedError())
			}
			if confirm.DeliveryTag < seq {
				continue
			}
			if ret, returned := c.takeReturn(); returned {
				return c.publishError(exchange, key, mandatory,
					fmt.Errorf("%w: %w: %s", messaging.ErrInvalidDestination, rabbitmq.ErrMandatoryFailed, ret.ReplyText))
			}
			if !confirm.Ack {
				return c.publishError(exchange, key, mandatory, rabbitmq.ErrPublishNotConfirmed)
			}
			return nil

		case <-timer.C:
			return c.publishError(exchange, key, mandatory,
				fmt.Errorf("%w: no confirm within %s", rabbitmq.ErrPublishNotConfirmed, c.transport.confirmTimeout))

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// takeReturn returns a pending basic.return, if any. The broker sends the
// return before the confirm or commit-ok of the same publish.
func (c *channel) takeReturn() (amqp.Return, bool) {
	select {
	case ret, ok := <-c.returns:
		return ret, ok
	default:
		return amqp.Return{}, false
	}
}

// Subscribe implements messaging.TransportChannel. Queue consumers read the
// named queue directly; topic consumers get a private queue bound to the
// topic exchange, where selector and no-local filtering happen client-side.
func (c *channel) Subscribe(ctx context.Context, sub messaging.Subscription) (messaging.TransportSubscription, error) {
	dest := sub.Destination
	if dest.IsQueue() {
		if !sub.Selector.Empty() {
			return nil, fmt.Errorf("%w: selectors are only supported on topics by the AMQP transport", messaging.ErrInvalidSelector)
		}
		if err := c.transport.ensureQueue(ctx, dest); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, c.closedError()
	}

	queueName := dest.Name
	if dest.IsTopic() {
		q, err := rabbitmq.DeclareQueue(c.ch, rabbitmq.SubscriptionQueue())
		if err != nil {
			return nil, c.transport.classify(err)
		}
		if err := rabbitmq.BindQueue(c.ch, rabbitmq.Binding{
			Queue:      q.Name,
			Exchange:   topicExchange,
			RoutingKey: dest.Name,
		}); err != nil {
			return nil, c.transport.classify(err)
		}
		queueName = q.Name
	}

	tag := "hellomq-" + uuid.New().String()
	deliveries, err := c.ch.Consume(
		queueName,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, c.transport.classify(err)
	}

	s := &subscription{
		channel:    c,
		sub:        sub,
		tag:        tag,
		deliveries: deliveries,
		done:       make(chan struct{}),
	}
	c.subs[s] = struct{}{}

	c.logger.Debug("consumer started", "destination", dest.String(), "queue", queueName, "tag", tag)
	return s, nil
}

// Commit implements messaging.TransportChannel
func (c *channel) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closedError()
	}
	if !c.transacted {
		return fmt.Errorf("%w: channel is not transacted", messaging.ErrIllegalState)
	}

	for tag, d := range c.handed {
		var err error
		switch {
		case d.released:
			err = c.ch.Nack(tag, false, true)
		case !d.acked:
			err = c.ch.Ack(tag, false)
		}
		if err != nil {
			return c.channelError("ack", err)
		}
	}

	if err := c.ch.TxCommit(); err != nil {
		return c.channelError("commit", err)
	}
	c.handed = make(map[uint64]*delivery)

	// The commit went through; sends the broker returned are reported
	// without claiming a rollback.
	var unroutable []string
	for {
		ret, returned := c.takeReturn()
		if !returned {
			break
		}
		unroutable = append(unroutable, ret.RoutingKey)
	}
	if len(unroutable) > 0 {
		return fmt.Errorf("%w: %w: queues %s", messaging.ErrInvalidDestination, rabbitmq.ErrMandatoryFailed, strings.Join(unroutable, ", "))
	}
	return nil
}

// Rollback implements messaging.TransportChannel
func (c *channel) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closedError()
	}
	if !c.transacted {
		return fmt.Errorf("%w: channel is not transacted", messaging.ErrIllegalState)
	}

	if err := c.ch.TxRollback(); err != nil {
		return c.channelError("rollback", err)
	}

	// The rolled back acks left every handed delivery unacked. Deliveries a
	// selector filtered out are settled again; the rest go back to the queue.
	for tag, d := range c.handed {
		var err error
		if d.discarded {
			err = c.ch.Ack(tag, false)
		} else {
			err = c.ch.Nack(tag, false, true)
		}
		if err != nil {
			return c.channelError("requeue", err)
		}
	}
	if err := c.ch.TxCommit(); err != nil {
		return c.channelError("requeue", err)
	}

	c.handed = make(map[uint64]*delivery)
	return nil
}

// Recover implements messaging.TransportChannel
func (c *channel) Recover(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closedError()
	}

	for tag, d := range c.handed {
		if d.acked {
			continue
		}
		if err := c.ch.Nack(tag, false, true); err != nil {
			return c.channelError("recover", err)
		}
	}
	c.handed = make(map[uint64]*delivery)
	return nil
}

// Close implements messaging.TransportChannel. The broker requeues every
// unacknowledged delivery and discards an open transaction.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for s := range c.subs {
		s.markClosed()
	}
	c.subs = nil
	c.handed = nil
	c.mu.Unlock()

	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return c.channelError("close", err)
	}
	return nil
}

// hand records a delivery passed to the client
func (c *channel) hand(d amqp.Delivery, msg *messaging.Message) (*delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, c.closedError()
	}
	dl := &delivery{channel: c, tag: d.DeliveryTag, msg: msg}
	c.handed[d.DeliveryTag] = dl
	return dl, nil
}

// release gives back a delivery prefetched for a closed consumer. Inside a
// transaction it is nacked by the next commit, rollback or recover.
func (c *channel) release(d amqp.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closedError()
	}
	if !c.transacted {
		return d.Nack(false, true)
	}
	c.handed[d.DeliveryTag] = &delivery{channel: c, tag: d.DeliveryTag, released: true}
	return nil
}

// discard settles a delivery the subscription filtered out
func (c *channel) discard(d amqp.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closedError()
	}
	if err := c.ch.Ack(d.DeliveryTag, false); err != nil {
		return c.channelError("discard", err)
	}
	if c.transacted {
		c.handed[d.DeliveryTag] = &delivery{channel: c, tag: d.DeliveryTag, acked: true, discarded: true}
	}
	return nil
}

func (c *channel) ack(d *delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closedError()
	}
	if d.acked {
		return nil
	}
	if _, ok := c.handed[d.tag]; !ok {
		// Settled by a commit, rollback or recover since it was handed out
		return nil
	}
	if err := c.ch.Ack(d.tag, false); err != nil {
		return c.channelError("ack", err)
	}
	d.acked = true
	if !c.transacted {
		delete(c.handed, d.tag)
	}
	return nil
}

func (c *channel) closedError() error {
	if !c.transport.IsConnected() {
		return fmt.Errorf("%w: %w", messaging.ErrConnection, rabbitmq.ErrConnectionClosed)
	}
	return fmt.Errorf("%w: %w", messaging.ErrIllegalState, rabbitmq.ErrChannelClosed)
}

func (c *channel) channelError(op string, err error) error {
	return c.transport.classify(&rabbitmq.ChannelError{
		Op:        op,
		ChannelID: c.id,
		Err:       err,
	})
}

func (c *channel) publishError(exchange, key string, mandatory bool, err error) error {
	return &rabbitmq.PublishError{
		Exchange:   exchange,
		RoutingKey: key,
		Mandatory:  mandatory,
		Err:        err,
	}
}

// subscription pulls deliveries for one consumer
type subscription struct {
	channel    *channel
	sub        messaging.Subscription
	tag        string
	deliveries <-chan amqp.Delivery

	closeOnce sync.Once
	done      chan struct{}
}

// Next implements messaging.TransportSubscription
func (s *subscription) Next(ctx context.Context) (messaging.TransportDelivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-s.done:
			return nil, fmt.Errorf("%w: subscription is closed", messaging.ErrIllegalState)

		case d, ok := <-s.deliveries:
			if !ok {
				return nil, s.channel.closedError()
			}
			msg := fromDelivery(d, s.sub.Destination)
			if !s.sub.Accepts(msg) {
				if err := s.channel.discard(d); err != nil {
					return nil, err
				}
				continue
			}
			return s.channel.hand(d, msg)
		}
	}
}

// Close implements messaging.TransportSubscription. Deliveries prefetched
// for this consumer but never handed out go back to the queue.
func (s *subscription) Close() error {
	c := s.channel

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.markClosed()
		return nil
	}
	delete(c.subs, s)
	c.mu.Unlock()

	s.markClosed()
	if err := c.ch.Cancel(s.tag, false); err != nil {
		return c.channelError("cancel", err)
	}

	// After cancel-ok the client library flushes what it buffered and
	// closes the stream, so this drain ends.
	for d := range s.deliveries {
		if err := c.release(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *subscription) markClosed() {
	s.closeOnce.Do(func() { close(s.done) })
}

// delivery is a message handed to the client but not yet settled
type delivery struct {
	channel   *channel
	tag       uint64
	msg       *messaging.Message
	acked     bool
	discarded bool
	released  bool
}

// Message implements messaging.TransportDelivery
func (d *delivery) Message() *messaging.Message {
	return d.msg
}

// Ack implements messaging.TransportDelivery
func (d *delivery) Ack() error {
	return d.channel.ack(d)
}
