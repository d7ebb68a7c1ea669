// Package messaging provides the client side of a transactional
// point-to-point message queue.
//
// This package implements the client lifecycle:
//   - Connection: a single logical link to a broker, owning its sessions
//   - Session: the transaction and acknowledgment boundary
//   - Producer: sends text messages to one destination
//   - Consumer: blocking receive with a timeout
//   - Destination: a queue, a topic, or a temporary queue
//
// Brokers sit behind the Transport interface. The rabbitmq and memory
// packages under transports/ implement it.
//
// Example usage:
//
//	conn, err := messaging.NewConnection(transport)
//	if err := conn.Start(ctx); err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	session, err := conn.CreateSession(ctx, true, messaging.SessionTransacted)
//	queue, err := session.CreateQueue("HelloWorld")
//	producer, err := session.CreateProducer(queue)
//	err = producer.Send(ctx, messaging.NewTextMessage("hello"))
//	err = session.Commit(ctx)
//
//	consumer, err := session.CreateConsumer(ctx, queue)
//	for {
//		msg, err := consumer.Receive(ctx, 5*time.Second)
//		if err != nil || msg == nil {
//			break // nil means nothing arrived before the timeout
//		}
//	}
//
// Every error returned by this package matches one of the Err* sentinels
// with errors.Is.
package messaging
