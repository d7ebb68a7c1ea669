// Package memory provides an in-process broker and a messaging.Transport
// that talks to it. It backs vm:// broker URLs and the test suites.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mrliuli/hellomq/messaging"
)

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Broker)
)

// Lookup returns the broker registered under name, creating it on first use.
func Lookup(name string) *Broker {
	registryMu.Lock()
	defer registryMu.Unlock()

	if b, ok := registry[name]; ok {
		return b
	}
	b := NewBroker(name)
	registry[name] = b
	return b
}

// Broker holds queues and topic subscriptions in memory.
type Broker struct {
	name string

	mu             sync.Mutex
	user           string
	password       string
	queues         map[string]*queue
	topics         map[string]map[*queue]messaging.Subscription
	failNextCommit error
}

// BrokerOption configures a Broker
type BrokerOption func(*Broker)

// WithBrokerCredentials makes the broker reject connections that present
// other credentials
func WithBrokerCredentials(user, password string) BrokerOption {
	return func(b *Broker) {
		b.user = user
		b.password = password
	}
}

// NewBroker creates an unregistered broker
func NewBroker(name string, options ...BrokerOption) *Broker {
	b := &Broker{
		name:   name,
		queues: make(map[string]*queue),
		topics: make(map[string]map[*queue]messaging.Subscription),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Name returns the broker name
func (b *Broker) Name() string { return b.name }

// Depth returns the number of messages ready for delivery on a queue
func (b *Broker) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return len(q.ready)
}

// QueueExists reports whether a live queue named queueName exists
func (b *Broker) QueueExists(queueName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	return ok && !q.deleted
}

// FailNextCommit makes the next transaction commit on this broker abort
// with err
func (b *Broker) FailNextCommit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = errors.New("commit aborted by broker")
	}
	b.failNextCommit = err
}

func (b *Broker) authenticate(user, password string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.user == "" && b.password == "" {
		return nil
	}
	if user != b.user || password != b.password {
		return fmt.Errorf("broker %s: authentication failed for user %q", b.name, user)
	}
	return nil
}

// queueLocked returns the queue for name, declaring a durable queue on first
// use. b.mu must be held.
func (b *Broker) queueLocked(name string) (*queue, error) {
	if q, ok := b.queues[name]; ok {
		if q.deleted {
			return nil, fmt.Errorf("%w: queue %s was deleted", messaging.ErrInvalidDestination, name)
		}
		return q, nil
	}
	q := newQueue(name)
	b.queues[name] = q
	return q, nil
}

// publishLocked routes msg to its destination. b.mu must be held.
func (b *Broker) publishLocked(msg *messaging.Message) error {
	dest := msg.Destination
	if dest.IsTopic() {
		for q, sub := range b.topics[dest.Name] {
			if sub.Accepts(msg) {
				q.push(&envelope{msg: msg.Clone()})
			}
		}
		return nil
	}

	if dest.Temporary {
		q, ok := b.queues[dest.Name]
		if !ok || q.deleted {
			return fmt.Errorf("%w: temporary queue %s does not exist", messaging.ErrInvalidDestination, dest.Name)
		}
		q.push(&envelope{msg: msg})
		return nil
	}

	q, err := b.queueLocked(dest.Name)
	if err != nil {
		return err
	}
	q.push(&envelope{msg: msg})
	return nil
}

func (b *Broker) checkDestinationLocked(dest messaging.Destination) error {
	if dest.IsTopic() {
		return nil
	}
	q, ok := b.queues[dest.Name]
	if ok && q.deleted {
		return fmt.Errorf("%w: queue %s was deleted", messaging.ErrInvalidDestination, dest.Name)
	}
	if !ok && dest.Temporary {
		return fmt.Errorf("%w: temporary queue %s does not exist", messaging.ErrInvalidDestination, dest.Name)
	}
	return nil
}

func (b *Broker) deleteLocked(dest messaging.Destination) error {
	if dest.IsTopic() {
		delete(b.topics, dest.Name)
		return nil
	}
	q, ok := b.queues[dest.Name]
	if !ok || q.deleted {
		return fmt.Errorf("%w: queue %s does not exist", messaging.ErrInvalidDestination, dest.Name)
	}
	q.deleted = true
	q.ready = nil
	q.wake()
	return nil
}

// takeCommitFault consumes a pending commit fault. b.mu must be held.
func (b *Broker) takeCommitFaultLocked() error {
	err := b.failNextCommit
	b.failNextCommit = nil
	return err
}

type envelope struct {
	msg         *messaging.Message
	redelivered bool
}

type queue struct {
	name    string
	ready   []*envelope
	deleted bool
	owner   *Transport // set for temporary queues
	signal  chan struct{}
}

func newQueue(name string) *queue {
	return &queue{name: name, signal: make(chan struct{})}
}

func (q *queue) push(env *envelope) {
	q.ready = append(q.ready, env)
	q.wake()
}

// requeue puts envs back at the head of the queue keeping their order
func (q *queue) requeue(envs []*envelope) {
	if q.deleted || len(envs) == 0 {
		return
	}
	for _, env := range envs {
		env.redelivered = true
	}
	q.ready = append(append([]*envelope(nil), envs...), q.ready...)
	q.wake()
}

// take removes the first envelope sub accepts
func (q *queue) take(sub messaging.Subscription) *envelope {
	for i, env := range q.ready {
		if sub.Accepts(env.msg) {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			return env
		}
	}
	return nil
}

// wake releases every waiter blocked on the current signal
func (q *queue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}
