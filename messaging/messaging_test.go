package messaging_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrliuli/hellomq/messaging"
	"github.com/mrliuli/hellomq/transports/memory"
)

const shortWait = 50 * time.Millisecond

func newBrokerConnection(t *testing.T, broker *memory.Broker, opts ...messaging.ConnectionOption) (*messaging.Connection, *memory.Transport) {
	t.Helper()
	transport := memory.NewTransport(broker)
	conn, err := messaging.NewConnection(transport, opts...)
	require.NoError(t, err)
	require.NoError(t, conn.Start(context.Background()))
	t.Cleanup(func() { conn.Close() })
	return conn, transport
}

func mustSession(t *testing.T, conn *messaging.Connection, transacted bool, mode messaging.AcknowledgeMode) *messaging.Session {
	t.Helper()
	s, err := conn.CreateSession(context.Background(), transacted, mode)
	require.NoError(t, err)
	return s
}

func mustProducer(t *testing.T, s *messaging.Session, dest messaging.Destination) *messaging.Producer {
	t.Helper()
	p, err := s.CreateProducer(dest)
	require.NoError(t, err)
	return p
}

func mustConsumer(t *testing.T, s *messaging.Session, dest messaging.Destination, opts ...messaging.ConsumerOption) *messaging.Consumer {
	t.Helper()
	c, err := s.CreateConsumer(context.Background(), dest, opts...)
	require.NoError(t, err)
	return c
}

func receiveBodies(t *testing.T, c *messaging.Consumer, timeout time.Duration) []string {
	t.Helper()
	var bodies []string
	for {
		msg, err := c.Receive(context.Background(), timeout)
		require.NoError(t, err)
		if msg == nil {
			return bodies
		}
		bodies = append(bodies, msg.Body)
	}
}

func TestHelloWorldScenario(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	ctx := context.Background()

	producerSession := mustSession(t, conn, true, messaging.SessionTransacted)
	queue, err := producerSession.CreateQueue("HelloWorld")
	require.NoError(t, err)
	producer := mustProducer(t, producerSession, queue)

	var want []string
	for i := 0; i < 10; i++ {
		body := fmt.Sprintf("ActiveMQ 发送消息%d", i)
		want = append(want, body)
		require.NoError(t, producer.Send(ctx, messaging.NewTextMessage(body)))
	}
	require.NoError(t, producerSession.Commit(ctx))
	require.NoError(t, producerSession.Close())

	consumerSession := mustSession(t, conn, true, messaging.SessionTransacted)
	consumer := mustConsumer(t, consumerSession, queue)

	got := receiveBodies(t, consumer, 200*time.Millisecond)
	require.NoError(t, consumerSession.Commit(ctx))

	assert.Equal(t, want, got)
	assert.Equal(t, int64(10), consumer.Received())
	assert.Equal(t, 0, broker.Depth("HelloWorld"))
}

func TestTransactionalVisibility(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	ctx := context.Background()
	queue := messaging.NewQueue("orders")

	producerSession := mustSession(t, conn, true, messaging.SessionTransacted)
	producer := mustProducer(t, producerSession, queue)
	consumerSession := mustSession(t, conn, false, messaging.AutoAcknowledge)
	consumer := mustConsumer(t, consumerSession, queue)

	for i := 0; i < 5; i++ {
		require.NoError(t, producer.Send(ctx, messaging.NewTextMessage(fmt.Sprint(i))))
	}

	msg, err := consumer.Receive(ctx, shortWait)
	require.NoError(t, err)
	assert.Nil(t, msg, "uncommitted sends must stay invisible")

	require.NoError(t, producerSession.Commit(ctx))
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, receiveBodies(t, consumer, shortWait))
}

func TestTransactedConsumerPrefetchWindow(t *testing.T) {
	ctx := context.Background()
	queue := messaging.NewQueue("window")

	fill := func(t *testing.T, conn *messaging.Connection, n int) {
		t.Helper()
		producer := mustProducer(t, mustSession(t, conn, false, messaging.AutoAcknowledge), queue)
		for i := 0; i < n; i++ {
			require.NoError(t, producer.Send(ctx, messaging.NewTextMessage(fmt.Sprint(i))))
		}
	}

	t.Run("default window receives the whole batch before commit", func(t *testing.T) {
		broker := memory.NewBroker(t.Name())
		conn, _ := newBrokerConnection(t, broker)
		fill(t, conn, 12)

		session := mustSession(t, conn, true, messaging.SessionTransacted)
		consumer := mustConsumer(t, session, queue)
		assert.Len(t, receiveBodies(t, consumer, shortWait), 12)
		require.NoError(t, session.Commit(ctx))
		assert.Equal(t, 0, broker.Depth("window"))
	})

	t.Run("bounded window resumes after commit", func(t *testing.T) {
		broker := memory.NewBroker(t.Name())
		conn, err := messaging.NewConnection(memory.NewTransport(broker, memory.WithPrefetch(2)))
		require.NoError(t, err)
		require.NoError(t, conn.Start(ctx))
		t.Cleanup(func() { conn.Close() })
		fill(t, conn, 4)

		session := mustSession(t, conn, true, messaging.SessionTransacted)
		consumer := mustConsumer(t, session, queue)
		assert.Equal(t, []string{"0", "1"}, receiveBodies(t, consumer, shortWait))
		require.NoError(t, session.Commit(ctx))
		assert.Equal(t, []string{"2", "3"}, receiveBodies(t, consumer, shortWait))
		require.NoError(t, session.Commit(ctx))
		assert.Equal(t, 0, broker.Depth("window"))
	})
}

func TestRollbackAtomicity(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	ctx := context.Background()
	queue := messaging.NewQueue("orders")

	session := mustSession(t, conn, true, messaging.SessionTransacted)
	producer := mustProducer(t, session, queue)
	for i := 0; i < 3; i++ {
		require.NoError(t, producer.Send(ctx, messaging.NewTextMessage("discarded")))
	}
	require.NoError(t, session.Rollback(ctx))

	require.NoError(t, producer.Send(ctx, messaging.NewTextMessage("kept")))
	require.NoError(t, session.Commit(ctx))

	consumer := mustConsumer(t, mustSession(t, conn, false, messaging.AutoAcknowledge), queue)
	assert.Equal(t, []string{"kept"}, receiveBodies(t, consumer, shortWait))
}

func TestConsumerRollbackRedelivers(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	ctx := context.Background()
	queue := messaging.NewQueue("work")

	seed := mustSession(t, conn, false, messaging.AutoAcknowledge)
	seedProducer := mustProducer(t, seed, queue)
	require.NoError(t, seedProducer.Send(ctx, messaging.NewTextMessage("a")))
	require.NoError(t, seedProducer.Send(ctx, messaging.NewTextMessage("b")))

	session := mustSession(t, conn, true, messaging.SessionTransacted)
	consumer := mustConsumer(t, session, queue)

	assert.Equal(t, []string{"a", "b"}, receiveBodies(t, consumer, shortWait))
	require.NoError(t, session.Rollback(ctx))

	first, err := consumer.Receive(ctx, shortWait)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "a", first.Body)
	assert.True(t, first.Redelivered)
}

func TestCommitFailureReportsRollback(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	ctx := context.Background()
	queue := messaging.NewQueue("orders")

	session := mustSession(t, conn, true, messaging.SessionTransacted)
	producer := mustProducer(t, session, queue)
	require.NoError(t, producer.Send(ctx, messaging.NewTextMessage("doomed")))

	broker.FailNextCommit(errors.New("disk full"))
	err := session.Commit(ctx)
	assert.ErrorIs(t, err, messaging.ErrTransactionRolledBack)
	assert.Equal(t, 0, broker.Depth("orders"))

	require.NoError(t, session.Commit(ctx))
	assert.Equal(t, 0, broker.Depth("orders"), "rolled back sends never reappear")
}

func TestReceiveTimeoutBounds(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	consumer := mustConsumer(t, mustSession(t, conn, false, messaging.AutoAcknowledge), messaging.NewQueue("empty"))

	const timeout = 100 * time.Millisecond
	start := time.Now()
	msg, err := consumer.Receive(context.Background(), timeout)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
	assert.Equal(t, messaging.ConsumerIdle, consumer.State())
}

func TestReceiveWakesForLateSend(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	queue := messaging.NewQueue("late")

	session := mustSession(t, conn, false, messaging.AutoAcknowledge)
	consumer := mustConsumer(t, session, queue)
	producer := mustProducer(t, mustSession(t, conn, false, messaging.AutoAcknowledge), queue)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = producer.Send(context.Background(), messaging.NewTextMessage("hi"))
	}()

	msg, err := consumer.Receive(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "hi", msg.Body)
}

func TestCloseUnblocksReceive(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	session := mustSession(t, conn, false, messaging.AutoAcknowledge)
	consumer := mustConsumer(t, session, messaging.NewQueue("idle"))

	type result struct {
		msg *messaging.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := consumer.Receive(context.Background(), 0)
		done <- result{msg, err}
	}()

	assert.Eventually(t, func() bool {
		return consumer.State() == messaging.ConsumerWaiting
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, session.Close())

	select {
	case r := <-done:
		assert.NoError(t, r.err)
		assert.Nil(t, r.msg)
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after session close")
	}
	assert.Equal(t, messaging.ConsumerClosed, consumer.State())
}

func TestConcurrentReceiveIsRejected(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	consumer := mustConsumer(t, mustSession(t, conn, false, messaging.AutoAcknowledge), messaging.NewQueue("q"))

	go consumer.Receive(context.Background(), time.Second)
	assert.Eventually(t, func() bool {
		return consumer.State() == messaging.ConsumerWaiting
	}, time.Second, 5*time.Millisecond)

	_, err := consumer.Receive(context.Background(), shortWait)
	assert.ErrorIs(t, err, messaging.ErrIllegalState)
	require.NoError(t, consumer.Close())
}

func TestIdempotentLifecycle(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	transport := memory.NewTransport(broker)
	conn, err := messaging.NewConnection(transport)
	require.NoError(t, err)

	require.NoError(t, conn.Start(context.Background()))
	require.NoError(t, conn.Start(context.Background()))
	assert.Equal(t, messaging.ConnectionStarted, conn.State())

	session := mustSession(t, conn, true, messaging.SessionTransacted)
	require.NoError(t, mustProducer(t, session, messaging.NewQueue("q")).Send(context.Background(), messaging.NewTextMessage("uncommitted")))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, messaging.ConnectionClosed, conn.State())
	assert.False(t, transport.IsConnected())
	assert.True(t, session.Closed())
	assert.Equal(t, 0, broker.Depth("q"), "closing rolls back instead of committing")
}

func TestInvalidatedChildren(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	ctx := context.Background()
	queue := messaging.NewQueue("q")

	session := mustSession(t, conn, true, messaging.SessionTransacted)
	producer := mustProducer(t, session, queue)
	consumer := mustConsumer(t, session, queue)

	require.NoError(t, session.Close())

	err := producer.Send(ctx, messaging.NewTextMessage("late"))
	assert.ErrorIs(t, err, messaging.ErrIllegalState)
	assert.ErrorIs(t, err, messaging.ErrMessaging)

	_, err = consumer.Receive(ctx, shortWait)
	assert.ErrorIs(t, err, messaging.ErrIllegalState)

	assert.ErrorIs(t, session.Commit(ctx), messaging.ErrIllegalState)
	assert.ErrorIs(t, session.Rollback(ctx), messaging.ErrIllegalState)
	_, err = session.CreateProducer(queue)
	assert.ErrorIs(t, err, messaging.ErrIllegalState)
	_, err = session.CreateQueue("other")
	assert.ErrorIs(t, err, messaging.ErrIllegalState)
}

func TestConnectionCloseInvalidatesEverything(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	session := mustSession(t, conn, false, messaging.AutoAcknowledge)
	producer := mustProducer(t, session, messaging.NewQueue("q"))

	require.NoError(t, conn.Close())

	assert.ErrorIs(t, producer.Send(context.Background(), messaging.NewTextMessage("x")), messaging.ErrIllegalState)
	_, err := conn.CreateSession(context.Background(), false, messaging.AutoAcknowledge)
	assert.ErrorIs(t, err, messaging.ErrIllegalState)
}

func TestClientAcknowledge(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	ctx := context.Background()
	queue := messaging.NewQueue("client-ack")

	producer := mustProducer(t, mustSession(t, conn, false, messaging.AutoAcknowledge), queue)
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, producer.Send(ctx, messaging.NewTextMessage(body)))
	}

	session := mustSession(t, conn, false, messaging.ClientAcknowledge)
	consumer := mustConsumer(t, session, queue)

	a, err := consumer.Receive(ctx, shortWait)
	require.NoError(t, err)
	require.NoError(t, a.Acknowledge())

	b, err := consumer.Receive(ctx, shortWait)
	require.NoError(t, err)
	assert.Equal(t, "b", b.Body)

	require.NoError(t, session.Recover(ctx))

	again, err := consumer.Receive(ctx, shortWait)
	require.NoError(t, err)
	assert.Equal(t, "b", again.Body)
	assert.True(t, again.Redelivered)

	assert.Equal(t, []string{"c"}, receiveBodies(t, consumer, shortWait))
	require.NoError(t, session.Acknowledge())
	require.NoError(t, session.Close())
	assert.Equal(t, 0, broker.Depth("client-ack"))
}

func TestClientAcknowledgeUnackedReturnOnClose(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	ctx := context.Background()
	queue := messaging.NewQueue("unacked")

	require.NoError(t, mustProducer(t, mustSession(t, conn, false, messaging.AutoAcknowledge), queue).
		Send(ctx, messaging.NewTextMessage("keep me")))

	session := mustSession(t, conn, false, messaging.ClientAcknowledge)
	consumer := mustConsumer(t, session, queue)
	msg, err := consumer.Receive(ctx, shortWait)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, session.Close())
	assert.Equal(t, 1, broker.Depth("unacked"))
}

func TestRecoverRejectedInTransactedSession(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	session := mustSession(t, conn, true, messaging.SessionTransacted)
	assert.ErrorIs(t, session.Recover(context.Background()), messaging.ErrIllegalState)
}

func TestDupsOKAcknowledgesInBatches(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker, messaging.WithDupsOKBatch(2))
	ctx := context.Background()
	queue := messaging.NewQueue("dups")

	producer := mustProducer(t, mustSession(t, conn, false, messaging.AutoAcknowledge), queue)
	for _, body := range []string{"1", "2", "3"} {
		require.NoError(t, producer.Send(ctx, messaging.NewTextMessage(body)))
	}

	session := mustSession(t, conn, false, messaging.DupsOKAcknowledge)
	consumer := mustConsumer(t, session, queue)
	assert.Equal(t, []string{"1", "2", "3"}, receiveBodies(t, consumer, shortWait))

	// The third message is acknowledged when the session closes
	require.NoError(t, session.Close())
	assert.Equal(t, 0, broker.Depth("dups"))
}

func TestExpiredMessagesAreDiscarded(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	ctx := context.Background()
	queue := messaging.NewQueue("ttl")

	producer := mustProducer(t, mustSession(t, conn, false, messaging.AutoAcknowledge), queue)
	require.NoError(t, producer.Send(ctx, messaging.NewTextMessage("short"), messaging.WithSendTimeToLive(time.Millisecond)))
	require.NoError(t, producer.Send(ctx, messaging.NewTextMessage("long")))

	time.Sleep(5 * time.Millisecond)

	consumer := mustConsumer(t, mustSession(t, conn, false, messaging.AutoAcknowledge), queue)
	assert.Equal(t, []string{"long"}, receiveBodies(t, consumer, shortWait))
	assert.Equal(t, int64(1), consumer.Discarded())
}

func TestTemporaryQueue(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	ctx := context.Background()

	session := mustSession(t, conn, false, messaging.AutoAcknowledge)
	temp, err := session.CreateTemporaryQueue(ctx)
	require.NoError(t, err)
	assert.True(t, temp.Temporary)
	assert.True(t, broker.QueueExists(temp.Name))

	producer := mustProducer(t, session, temp)
	require.NoError(t, producer.Send(ctx, messaging.NewTextMessage("reply")))
	consumer := mustConsumer(t, session, temp)
	assert.Equal(t, []string{"reply"}, receiveBodies(t, consumer, shortWait))

	require.NoError(t, conn.DeleteTemporaryQueue(ctx, temp))
	assert.False(t, broker.QueueExists(temp.Name))

	err = producer.Send(ctx, messaging.NewTextMessage("gone"))
	assert.ErrorIs(t, err, messaging.ErrInvalidDestination)
	_, err = session.CreateConsumer(ctx, temp)
	assert.ErrorIs(t, err, messaging.ErrInvalidDestination)
	assert.ErrorIs(t, conn.DeleteTemporaryQueue(ctx, temp), messaging.ErrInvalidDestination)
}

func TestTemporaryQueueAcceptsSendsFromOtherConnections(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	owner, _ := newBrokerConnection(t, broker)
	other, _ := newBrokerConnection(t, broker)
	ctx := context.Background()

	ownerSession := mustSession(t, owner, false, messaging.AutoAcknowledge)
	temp, err := ownerSession.CreateTemporaryQueue(ctx)
	require.NoError(t, err)

	otherSession := mustSession(t, other, false, messaging.AutoAcknowledge)
	require.NoError(t, mustProducer(t, otherSession, temp).Send(ctx, messaging.NewTextMessage("reply")))
	_, err = otherSession.CreateConsumer(ctx, temp)
	assert.ErrorIs(t, err, messaging.ErrInvalidDestination)

	assert.Equal(t, []string{"reply"}, receiveBodies(t, mustConsumer(t, ownerSession, temp), shortWait))
}

func TestTemporaryQueuesDeletedOnClose(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)

	temp, err := mustSession(t, conn, false, messaging.AutoAcknowledge).CreateTemporaryQueue(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	assert.False(t, broker.QueueExists(temp.Name))
}

func TestTopicSelectorsAndNoLocal(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	publisherConn, _ := newBrokerConnection(t, broker)
	listenerConn, _ := newBrokerConnection(t, broker)
	ctx := context.Background()
	topic := messaging.NewTopic("prices")

	listener := mustSession(t, listenerConn, false, messaging.AutoAcknowledge)
	acme := mustConsumer(t, listener, topic, messaging.WithSelector(`symbol == "ACME" && JMSPriority >= 5`))

	own := mustSession(t, publisherConn, false, messaging.AutoAcknowledge)
	noLocal := mustConsumer(t, own, topic, messaging.WithNoLocal(true))
	assert.True(t, noLocal.NoLocal())

	producer := mustProducer(t, own, topic)
	for _, tc := range []struct {
		symbol   string
		priority int
	}{{"ACME", 9}, {"ACME", 1}, {"INIT", 9}} {
		msg := messaging.NewTextMessage(fmt.Sprintf("%s/%d", tc.symbol, tc.priority))
		msg.SetProperty("symbol", tc.symbol)
		require.NoError(t, producer.Send(ctx, msg, messaging.WithSendPriority(tc.priority)))
	}

	assert.Equal(t, []string{"ACME/9"}, receiveBodies(t, acme, shortWait))
	assert.Empty(t, receiveBodies(t, noLocal, shortWait))
	assert.Equal(t, `symbol == "ACME" && JMSPriority >= 5`, acme.Selector())
}

func TestNoLocalIgnoredForQueues(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, _ := newBrokerConnection(t, broker)
	ctx := context.Background()
	queue := messaging.NewQueue("self")

	session := mustSession(t, conn, false, messaging.AutoAcknowledge)
	consumer := mustConsumer(t, session, queue, messaging.WithNoLocal(true))
	assert.False(t, consumer.NoLocal())

	require.NoError(t, mustProducer(t, session, queue).Send(ctx, messaging.NewTextMessage("mine")))
	assert.Equal(t, []string{"mine"}, receiveBodies(t, consumer, shortWait))
}

func TestExceptionListenerOnDrop(t *testing.T) {
	broker := memory.NewBroker(t.Name())
	conn, transport := newBrokerConnection(t, broker)

	got := make(chan error, 1)
	conn.SetExceptionListener(func(err error) { got <- err })

	transport.Drop(errors.New("broker restarted"))

	select {
	case err := <-got:
		assert.ErrorIs(t, err, messaging.ErrConnection)
	case <-time.After(time.Second):
		t.Fatal("exception listener was not called")
	}
}

func TestStartFailsWithBadCredentials(t *testing.T) {
	broker := memory.NewBroker(t.Name(), memory.WithBrokerCredentials("admin", "admin"))
	transport := memory.NewTransport(broker, memory.WithCredentials("guest", "guest"))

	conn, err := messaging.NewConnection(transport)
	require.NoError(t, err)

	err = conn.Start(context.Background())
	assert.ErrorIs(t, err, messaging.ErrConnection)
	assert.Equal(t, messaging.ConnectionCreated, conn.State())
}
