package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mrliuli/hellomq/selector"
)

// ConsumerState is the receive state of a Consumer.
type ConsumerState int

const (
	ConsumerIdle ConsumerState = iota
	ConsumerWaiting
	ConsumerDelivered
	ConsumerTimedOut
	ConsumerClosed
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerIdle:
		return "idle"
	case ConsumerWaiting:
		return "waiting"
	case ConsumerDelivered:
		return "delivered"
	case ConsumerTimedOut:
		return "timed-out"
	case ConsumerClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConsumerState(%d)", int(s))
	}
}

// Consumer receives messages from one destination.
type Consumer struct {
	session  *Session
	dest     Destination
	selector *selector.Selector
	noLocal  bool
	sub      TransportSubscription

	closeOnce sync.Once
	mu        sync.Mutex
	state     ConsumerState
	received  int64
	discarded int64

	ctx    context.Context
	cancel context.CancelFunc
}

func newConsumer(s *Session, dest Destination, sel *selector.Selector, noLocal bool, sub TransportSubscription) *Consumer {
	ctx, cancel := context.WithCancel(s.ctx)
	return &Consumer{
		session:  s,
		dest:     dest,
		selector: sel,
		noLocal:  noLocal,
		sub:      sub,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Destination returns the bound destination
func (c *Consumer) Destination() Destination { return c.dest }

// Selector returns the selector source, empty when every message matches
func (c *Consumer) Selector() string { return c.selector.String() }

// NoLocal reports whether messages from this connection are suppressed
func (c *Consumer) NoLocal() bool { return c.noLocal }

// State returns the receive state
func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Received returns how many messages Receive has returned
func (c *Consumer) Received() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

// Discarded returns how many expired messages were dropped instead of delivered
func (c *Consumer) Discarded() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discarded
}

// Receive blocks until a matching message arrives, timeout elapses, or the
// consumer is closed. A nil message with a nil error means the wait ended
// without a delivery: the queue is currently empty or the consumer closed.
// A timeout of zero waits indefinitely.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	c.mu.Lock()
	switch c.state {
	case ConsumerClosed:
		c.mu.Unlock()
		return nil, illegalState("receive", "consumer is closed")
	case ConsumerWaiting:
		c.mu.Unlock()
		return nil, illegalState("receive", "receive already in progress")
	}
	c.state = ConsumerWaiting
	c.mu.Unlock()

	waitCtx, cancel := c.waitContext(ctx, timeout)
	defer cancel()

	for {
		d, err := c.sub.Next(waitCtx)
		if err != nil {
			return c.endWait(ctx, timeout, err)
		}

		msg := d.Message()
		if msg.Expired(time.Now()) {
			if ackErr := d.Ack(); ackErr != nil {
				c.session.logger.Warn("failed to discard expired message", "messageId", msg.ID, "error", ackErr)
			}
			c.mu.Lock()
			c.discarded++
			c.mu.Unlock()
			continue
		}

		if err := c.session.delivered(d, msg); err != nil {
			c.transition(ConsumerIdle)
			return nil, err
		}

		c.mu.Lock()
		c.received++
		c.mu.Unlock()
		c.transition(ConsumerDelivered)
		c.transition(ConsumerIdle)
		return msg, nil
	}
}

// endWait maps the reason Next stopped onto the receive contract
func (c *Consumer) endWait(ctx context.Context, timeout time.Duration, err error) (*Message, error) {
	switch {
	case c.ctx.Err() != nil:
		c.transition(ConsumerClosed)
		return nil, nil
	case ctx.Err() != nil:
		c.transition(ConsumerIdle)
		return nil, ctx.Err()
	case timeout > 0 && errors.Is(err, context.DeadlineExceeded):
		c.transition(ConsumerTimedOut)
		c.transition(ConsumerIdle)
		return nil, nil
	default:
		c.transition(ConsumerIdle)
		return nil, classify("receive", err)
	}
}

// waitContext ends when ctx ends, the timeout elapses, or the consumer closes
func (c *Consumer) waitContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	waitCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)

	if timeout <= 0 {
		return waitCtx, func() {
			stop()
			cancel()
		}
	}

	timed, cancelTimer := context.WithTimeout(waitCtx, timeout)
	return timed, func() {
		cancelTimer()
		stop()
		cancel()
	}
}

func (c *Consumer) transition(to ConsumerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConsumerClosed {
		return
	}
	c.state = to
}

// Close stops delivery. A Receive blocked on this consumer returns nil.
func (c *Consumer) Close() error {
	err := c.invalidate()
	c.session.removeConsumer(c)
	return err
}

func (c *Consumer) invalidate() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = ConsumerClosed
		c.mu.Unlock()

		c.cancel()
		if closeErr := c.sub.Close(); closeErr != nil {
			err = classify("close consumer", closeErr)
		}
	})
	return err
}
