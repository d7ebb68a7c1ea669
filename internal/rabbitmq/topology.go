package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopicExchange is the exchange topic destinations are published through
const TopicExchange = "amq.topic"

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// DurableQueue is the declaration used for named point-to-point queues
func DurableQueue(name string) QueueDeclaration {
	return QueueDeclaration{Name: name, Durable: true}
}

// TemporaryQueue is the declaration used for connection-scoped queues
func TemporaryQueue(name string) QueueDeclaration {
	return QueueDeclaration{Name: name, AutoDelete: true, Exclusive: true}
}

// SubscriptionQueue is the declaration of the private queue behind a topic
// subscription; the broker names it
func SubscriptionQueue() QueueDeclaration {
	return QueueDeclaration{AutoDelete: true, Exclusive: true}
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// TopologyManager declares and deletes queues on short-lived channels
type TopologyManager struct {
	manager *ConnectionManager
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(manager *ConnectionManager) *TopologyManager {
	return &TopologyManager{
		manager: manager,
	}
}

// Execute runs fn on a channel that is closed afterwards
func (tm *TopologyManager) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := tm.manager.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch)
	}()

	return execErr
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = DeclareQueue(ch, queue)
		return err
	})
	return q, err
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	return tm.Execute(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDelete(name, false, false, false); err != nil {
			return &TopologyError{
				Component: "queue",
				Name:      name,
				Op:        "delete",
				Err:       err,
			}
		}
		return nil
	})
}

// DeclareQueue declares a queue on the given channel
func DeclareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
		}
	}
	return q, nil
}

// BindQueue binds a queue to an exchange on the given channel
func BindQueue(ch *amqp.Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue + "->" + binding.Exchange,
			Op:        "declare",
			Err:       err,
		}
	}
	return nil
}
