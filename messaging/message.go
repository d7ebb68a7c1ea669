package messaging

import (
	"maps"
	"time"
)

// DeliveryMode controls whether the broker keeps a message across restarts.
type DeliveryMode int

const (
	// NonPersistent messages may be lost if the broker restarts.
	NonPersistent DeliveryMode = 1
	// Persistent messages survive a broker restart.
	Persistent DeliveryMode = 2
)

func (m DeliveryMode) String() string {
	if m == NonPersistent {
		return "non-persistent"
	}
	return "persistent"
}

const (
	// DefaultPriority is applied when a producer does not override it.
	DefaultPriority = 4
	// MaxPriority is the highest priority a message may carry.
	MaxPriority = 9
)

// Message is a text message plus its delivery metadata. The header fields
// are assigned by Producer.Send.
type Message struct {
	ID            string
	CorrelationID string
	Type          string
	Body          string
	DeliveryMode  DeliveryMode
	Priority      int
	Timestamp     time.Time
	Expiration    time.Time // zero means the message never expires
	Destination   Destination
	ReplyTo       *Destination
	Redelivered   bool
	ClientID      string // client ID of the sending connection
	Properties    map[string]any

	ack func() error
}

// NewTextMessage returns a message carrying body.
func NewTextMessage(body string) *Message {
	return &Message{Body: body}
}

// SetProperty sets a user property visible to message selectors.
func (m *Message) SetProperty(key string, value any) {
	if m.Properties == nil {
		m.Properties = make(map[string]any)
	}
	m.Properties[key] = value
}

// Property returns a user property.
func (m *Message) Property(key string) (any, bool) {
	v, ok := m.Properties[key]
	return v, ok
}

// Expired reports whether the message outlived its time-to-live at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiration.IsZero() && !now.Before(m.Expiration)
}

// Acknowledge acknowledges this and every earlier message consumed by the
// session. It only has an effect in ClientAcknowledge sessions.
func (m *Message) Acknowledge() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Clone returns a deep copy without the session binding.
func (m *Message) Clone() *Message {
	c := *m
	c.ack = nil
	c.Properties = maps.Clone(m.Properties)
	if m.ReplyTo != nil {
		d := *m.ReplyTo
		c.ReplyTo = &d
	}
	return &c
}
