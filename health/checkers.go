package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mrliuli/hellomq"
	"github.com/mrliuli/hellomq/messaging"
)

// BrokerChecker checks that a connection can be started and a transacted
// session opened
type BrokerChecker struct {
	factory *hellomq.ConnectionFactory
	logger  *slog.Logger
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(factory *hellomq.ConnectionFactory, logger *slog.Logger) *BrokerChecker {
	return &BrokerChecker{
		factory: factory,
		logger:  logger,
	}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"broker": c.factory.BrokerURL()},
	}

	err := withSession(ctx, c.factory, func(*messaging.Session) error { return nil })
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	if err != nil {
		c.logger.Warn("broker health check failed", "error", err)
		result.Status = StatusUnhealthy
		result.Message = "Failed to open a transacted session"
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Broker is reachable"
	return result
}

// RoundTripChecker sends a ping message through a temporary queue and waits
// for it to come back. A ping that does not return within the timeout
// degrades the result.
type RoundTripChecker struct {
	factory *hellomq.ConnectionFactory
	timeout time.Duration
}

// NewRoundTripChecker creates a round-trip checker
func NewRoundTripChecker(factory *hellomq.ConnectionFactory, timeout time.Duration) *RoundTripChecker {
	return &RoundTripChecker{
		factory: factory,
		timeout: timeout,
	}
}

func (c *RoundTripChecker) Name() string {
	return "round_trip"
}

var errPingLost = errors.New("ping did not return")

func (c *RoundTripChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	ping := "ping-" + uuid.NewString()
	err := withSession(ctx, c.factory, func(session *messaging.Session) error {
		queue, err := session.CreateTemporaryQueue(ctx)
		if err != nil {
			return err
		}
		result.Details["queue"] = queue.Name

		producer, err := session.CreateProducer(queue)
		if err != nil {
			return err
		}
		consumer, err := session.CreateConsumer(ctx, queue)
		if err != nil {
			return err
		}

		if err := producer.Send(ctx, messaging.NewTextMessage(ping)); err != nil {
			return err
		}
		if err := session.Commit(ctx); err != nil {
			return err
		}

		msg, err := consumer.Receive(ctx, c.timeout)
		if err != nil {
			return err
		}
		if msg == nil || msg.Body != ping {
			return errPingLost
		}
		return session.Commit(ctx)
	})

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	switch {
	case errors.Is(err, errPingLost):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Ping did not return within %s", c.timeout)
		result.Error = err.Error()
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "Round trip failed"
		result.Error = err.Error()
	default:
		result.Status = StatusHealthy
		result.Message = "Ping returned"
	}
	return result
}

// withSession runs fn in a transacted session on a fresh connection
func withSession(ctx context.Context, factory *hellomq.ConnectionFactory, fn func(*messaging.Session) error) (err error) {
	conn, err := factory.CreateConnection()
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, conn.Close()) }()

	if err := conn.Start(ctx); err != nil {
		return err
	}

	session, err := conn.CreateSession(ctx, true, messaging.SessionTransacted)
	if err != nil {
		return err
	}
	return fn(session)
}
