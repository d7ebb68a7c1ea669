// Package rabbitmq holds the low-level RabbitMQ plumbing behind the AMQP
// transport.
//
// This package includes:
//   - ConnectionManager: dials the broker with bounded, backed-off retries and
//     reports connection loss to state listeners
//   - TopologyManager: declares and deletes queues on short-lived channels
//   - Typed errors carrying the failed operation, plus URL sanitizing for logs
package rabbitmq
