package hellomq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrliuli/hellomq/messaging"
)

// SendBatch connects, sends every body to queue from one session and closes
// everything again. A transacted batch becomes visible at the final commit,
// all at once or not at all. A non-nil onSend is called with each body just
// before it is sent.
func SendBatch(ctx context.Context, factory *ConnectionFactory, queue string, bodies []string, transacted bool,
	onSend func(i int, body string)) (err error) {
	conn, err := factory.CreateConnection()
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, conn.Close()) }()

	if err := conn.Start(ctx); err != nil {
		return err
	}

	session, err := conn.CreateSession(ctx, transacted, messaging.AutoAcknowledge)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, session.Close()) }()

	dest, err := session.CreateQueue(queue)
	if err != nil {
		return err
	}

	producer, err := session.CreateProducer(dest)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, producer.Close()) }()

	for i, body := range bodies {
		if onSend != nil {
			onSend(i, body)
		}
		if err := producer.Send(ctx, messaging.NewTextMessage(body)); err != nil {
			return fmt.Errorf("send message %d: %w", i, err)
		}
	}

	if transacted {
		return session.Commit(ctx)
	}
	return nil
}

// Drain receives from queue until nothing arrives within timeout, calling fn
// for each message, and returns how many messages were handed to fn. An
// error from fn stops the loop and is returned.
//
// mode decides what happens to the received messages. AutoAcknowledge and
// DupsOKAcknowledge consume them. Under ClientAcknowledge only what fn
// acknowledges is consumed; the rest returns to the queue when Drain closes
// its session. SessionTransacted consumes everything in one transaction
// committed once the queue stays empty, and an error from fn rolls it back.
func Drain(ctx context.Context, factory *ConnectionFactory, queue string, mode messaging.AcknowledgeMode,
	timeout time.Duration, fn func(*messaging.Message) error, options ...messaging.ConsumerOption) (count int, err error) {
	if timeout <= 0 {
		return 0, &messaging.Error{Op: "drain", Kind: messaging.ErrConfiguration, Err: errors.New("timeout must be positive")}
	}

	conn, err := factory.CreateConnection()
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.Join(err, conn.Close()) }()

	if err := conn.Start(ctx); err != nil {
		return 0, err
	}

	transacted := mode == messaging.SessionTransacted
	session, err := conn.CreateSession(ctx, transacted, mode)
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.Join(err, session.Close()) }()

	dest, err := session.CreateQueue(queue)
	if err != nil {
		return 0, err
	}

	consumer, err := session.CreateConsumer(ctx, dest, options...)
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.Join(err, consumer.Close()) }()

	for {
		msg, err := consumer.Receive(ctx, timeout)
		if err != nil {
			return count, err
		}
		if msg == nil {
			if transacted {
				return count, session.Commit(ctx)
			}
			return count, nil
		}
		count++
		if fn != nil {
			if err := fn(msg); err != nil {
				return count, err
			}
		}
	}
}
