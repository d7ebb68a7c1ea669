package messaging

import (
	"fmt"
	"strings"
)

// DestinationKind tags a Destination as a queue or a topic.
type DestinationKind int

const (
	// Queue delivers each message to exactly one consumer.
	Queue DestinationKind = iota
	// Topic delivers each message to every active subscriber.
	Topic
)

func (k DestinationKind) String() string {
	switch k {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	default:
		return fmt.Sprintf("DestinationKind(%d)", int(k))
	}
}

// TemporaryPrefix marks a queue name as broker-generated and
// scoped to the connection that created it.
const TemporaryPrefix = "ID:"

// Destination names a queue or topic. It is an immutable value and may be
// shared between producers and consumers.
type Destination struct {
	Name      string
	Kind      DestinationKind
	Temporary bool
}

// NewQueue returns a queue destination. Names carrying TemporaryPrefix
// resolve to a temporary queue.
func NewQueue(name string) Destination {
	return Destination{
		Name:      name,
		Kind:      Queue,
		Temporary: strings.HasPrefix(name, TemporaryPrefix),
	}
}

// NewTopic returns a topic destination.
func NewTopic(name string) Destination {
	return Destination{Name: name, Kind: Topic}
}

// IsQueue reports whether d is a queue.
func (d Destination) IsQueue() bool { return d.Kind == Queue }

// IsTopic reports whether d is a topic.
func (d Destination) IsTopic() bool { return d.Kind == Topic }

func (d Destination) String() string {
	if d.Temporary {
		return "temp-" + d.Kind.String() + "://" + d.Name
	}
	return d.Kind.String() + "://" + d.Name
}

func (d Destination) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return newError("resolve destination", ErrInvalidDestination, fmt.Errorf("empty %s name", d.Kind))
	}
	if d.Kind != Queue && d.Kind != Topic {
		return newError("resolve destination", ErrInvalidDestination, fmt.Errorf("unknown kind %d", int(d.Kind)))
	}
	return nil
}
