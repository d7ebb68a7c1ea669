package messaging

import (
	"context"
	"time"

	"github.com/mrliuli/hellomq/selector"
)

// Transport is the broker collaborator behind a Connection. Implementations
// live under transports/.
type Transport interface {
	// Connect establishes the link to the broker
	Connect(ctx context.Context) error

	// OpenChannel opens the broker-side scope backing one Session
	OpenChannel(ctx context.Context, transacted bool) (TransportChannel, error)

	// CreateTemporaryQueue declares a queue that lives as long as the connection
	CreateTemporaryQueue(ctx context.Context) (Destination, error)

	// DeleteDestination removes a destination from the broker
	DeleteDestination(ctx context.Context, dest Destination) error

	// NotifyClose registers fn to be called once if the link is lost
	NotifyClose(fn func(err error))

	// Close releases the link
	Close() error

	// IsConnected returns connection status
	IsConnected() bool
}

// TransportChannel is the broker-side unit of work of a Session. For a
// transacted channel sends stay invisible and consumed deliveries stay
// unacknowledged until Commit.
type TransportChannel interface {
	// Send enqueues msg for msg.Destination
	Send(ctx context.Context, msg *Message) error

	// Subscribe opens a delivery stream for sub
	Subscribe(ctx context.Context, sub Subscription) (TransportSubscription, error)

	// Commit publishes pending sends and acknowledges consumed deliveries.
	// An error matching ErrInvalidDestination but not
	// ErrTransactionRolledBack means the transaction did commit and the
	// broker returned some of its sends as unroutable.
	Commit(ctx context.Context) error

	// Rollback discards pending sends and redelivers consumed deliveries
	Rollback(ctx context.Context) error

	// Recover redelivers every unacknowledged delivery
	Recover(ctx context.Context) error

	// Close releases the channel; unacknowledged deliveries are requeued
	Close() error
}

// Subscription describes what a consumer wants delivered.
type Subscription struct {
	Destination Destination
	Selector    *selector.Selector
	NoLocal     bool
	ClientID    string
}

// Accepts reports whether msg should be delivered on this subscription.
// NoLocal only applies to topics.
func (s Subscription) Accepts(msg *Message) bool {
	if s.NoLocal && s.Destination.IsTopic() && msg.ClientID != "" && msg.ClientID == s.ClientID {
		return false
	}
	return s.Selector.Matches(msg.SelectorEnv())
}

// TransportSubscription is a pull-based delivery stream.
type TransportSubscription interface {
	// Next blocks until a delivery is available or ctx is done
	Next(ctx context.Context) (TransportDelivery, error)

	// Close stops delivery
	Close() error
}

// TransportDelivery is a message handed to the client but not yet settled.
type TransportDelivery interface {
	// Message returns the delivered message
	Message() *Message

	// Ack settles the delivery. On a transacted channel the ack takes
	// effect at Commit.
	Ack() error
}

// SelectorEnv returns the identifiers a message selector can reference:
// the JMS header fields followed by user properties.
func (m *Message) SelectorEnv() map[string]any {
	env := make(map[string]any, len(m.Properties)+8)
	for k, v := range m.Properties {
		env[k] = v
	}
	env["JMSMessageID"] = m.ID
	env["JMSCorrelationID"] = m.CorrelationID
	env["JMSType"] = m.Type
	env["JMSPriority"] = m.Priority
	env["JMSDeliveryMode"] = m.DeliveryMode.String()
	env["JMSTimestamp"] = m.Timestamp.UnixMilli()
	env["JMSRedelivered"] = m.Redelivered
	env["JMSDestination"] = m.Destination.Name
	return env
}

// expirationFor returns the expiration instant for a message sent at now.
func expirationFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
