package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrliuli/hellomq/messaging"
	"github.com/mrliuli/hellomq/selector"
)

func newConnected(t *testing.T, b *Broker) *Transport {
	t.Helper()
	tr := NewTransport(b)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func textTo(dest messaging.Destination, body string) *messaging.Message {
	msg := messaging.NewTextMessage(body)
	msg.Destination = dest
	return msg
}

func next(t *testing.T, sub messaging.TransportSubscription) messaging.TransportDelivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := sub.Next(ctx)
	require.NoError(t, err)
	return d
}

func assertEmpty(t *testing.T, sub messaging.TransportSubscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLookupReturnsSameBroker(t *testing.T) {
	a := Lookup("lookup-test")
	b := Lookup("lookup-test")
	assert.Same(t, a, b)
	assert.Equal(t, "lookup-test", a.Name())
	assert.NotSame(t, a, Lookup("lookup-other"))
}

func TestConnectAuthenticates(t *testing.T) {
	b := NewBroker("secured", WithBrokerCredentials("app", "secret"))

	err := NewTransport(b, WithCredentials("app", "wrong")).Connect(context.Background())
	assert.Error(t, err)

	tr := NewTransport(b, WithCredentials("app", "secret"))
	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.IsConnected())
	assert.Same(t, b, tr.Broker())
}

func TestOpenChannelRequiresConnection(t *testing.T) {
	tr := NewTransport(NewBroker("idle"))
	_, err := tr.OpenChannel(context.Background(), false)
	assert.ErrorIs(t, err, messaging.ErrConnection)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTransactedChannel(t *testing.T) {
	b := NewBroker("tx")
	tr := newConnected(t, b)
	ctx := context.Background()
	queue := messaging.NewQueue("orders")

	producer, err := tr.OpenChannel(ctx, true)
	require.NoError(t, err)

	t.Run("sends stay pending until commit", func(t *testing.T) {
		require.NoError(t, producer.Send(ctx, textTo(queue, "a")))
		require.NoError(t, producer.Send(ctx, textTo(queue, "b")))
		assert.Equal(t, 0, b.Depth("orders"))

		require.NoError(t, producer.Commit(ctx))
		assert.Equal(t, 2, b.Depth("orders"))
	})

	t.Run("rollback discards pending sends", func(t *testing.T) {
		require.NoError(t, producer.Send(ctx, textTo(queue, "c")))
		require.NoError(t, producer.Rollback(ctx))
		assert.Equal(t, 2, b.Depth("orders"))
	})

	t.Run("rollback requeues consumed deliveries in order", func(t *testing.T) {
		consumer, err := tr.OpenChannel(ctx, true)
		require.NoError(t, err)
		sub, err := consumer.Subscribe(ctx, messaging.Subscription{Destination: queue})
		require.NoError(t, err)

		assert.Equal(t, "a", next(t, sub).Message().Body)
		assert.Equal(t, "b", next(t, sub).Message().Body)
		require.NoError(t, consumer.Rollback(ctx))

		first := next(t, sub).Message()
		assert.Equal(t, "a", first.Body)
		assert.True(t, first.Redelivered)
		assert.Equal(t, "b", next(t, sub).Message().Body)

		require.NoError(t, consumer.Commit(ctx))
		assert.Equal(t, 0, b.Depth("orders"))
		assertEmpty(t, sub)
	})

	t.Run("injected commit fault rolls nothing forward", func(t *testing.T) {
		b.FailNextCommit(nil)
		require.NoError(t, producer.Send(ctx, textTo(queue, "lost")))

		err := producer.Commit(ctx)
		assert.ErrorIs(t, err, messaging.ErrTransactionRolledBack)
		require.NoError(t, producer.Rollback(ctx))
		assert.Equal(t, 0, b.Depth("orders"))
	})

	t.Run("vanished destination aborts the whole commit", func(t *testing.T) {
		temp, err := tr.CreateTemporaryQueue(ctx)
		require.NoError(t, err)
		require.NoError(t, producer.Send(ctx, textTo(queue, "kept back")))
		require.NoError(t, producer.Send(ctx, textTo(temp, "reply")))
		require.NoError(t, tr.DeleteDestination(ctx, temp))

		err = producer.Commit(ctx)
		assert.ErrorIs(t, err, messaging.ErrTransactionRolledBack)
		assert.ErrorIs(t, err, messaging.ErrInvalidDestination)
		require.NoError(t, producer.Rollback(ctx))
		assert.Equal(t, 0, b.Depth("orders"))
	})
}

func TestNonTransactedChannel(t *testing.T) {
	b := NewBroker("plain")
	tr := newConnected(t, b)
	ctx := context.Background()
	queue := messaging.NewQueue("jobs")

	ch, err := tr.OpenChannel(ctx, false)
	require.NoError(t, err)
	sub, err := ch.Subscribe(ctx, messaging.Subscription{Destination: queue})
	require.NoError(t, err)

	require.NoError(t, ch.Send(ctx, textTo(queue, "one")))
	require.NoError(t, ch.Send(ctx, textTo(queue, "two")))

	one := next(t, sub)
	require.NoError(t, one.Ack())
	two := next(t, sub)
	assert.Equal(t, "two", two.Message().Body)

	require.NoError(t, ch.Recover(ctx))
	again := next(t, sub).Message()
	assert.Equal(t, "two", again.Body)
	assert.True(t, again.Redelivered)

	require.NoError(t, ch.Close())
	assert.Equal(t, 1, b.Depth("jobs"), "unacked delivery returns to the queue on close")

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, messaging.ErrIllegalState)
	assert.ErrorIs(t, ch.Send(ctx, textTo(queue, "late")), messaging.ErrIllegalState)
}

func TestPrefetchWindow(t *testing.T) {
	ctx := context.Background()
	queue := messaging.NewQueue("window")

	fill := func(t *testing.T, tr *Transport, n int) {
		t.Helper()
		ch, err := tr.OpenChannel(ctx, false)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			require.NoError(t, ch.Send(ctx, textTo(queue, string(rune('a'+i)))))
		}
		require.NoError(t, ch.Close())
	}

	t.Run("unbounded window hands a whole transaction out before commit", func(t *testing.T) {
		b := NewBroker("window-open")
		tr := newConnected(t, b)
		fill(t, tr, 3)

		ch, err := tr.OpenChannel(ctx, true)
		require.NoError(t, err)
		sub, err := ch.Subscribe(ctx, messaging.Subscription{Destination: queue})
		require.NoError(t, err)

		for _, want := range []string{"a", "b", "c"} {
			d := next(t, sub)
			require.NoError(t, d.Ack())
			assert.Equal(t, want, d.Message().Body)
		}
		require.NoError(t, ch.Commit(ctx))
		assert.Equal(t, 0, b.Depth("window"))
	})

	t.Run("bounded window stalls until the transaction settles", func(t *testing.T) {
		b := NewBroker("window-one")
		tr := NewTransport(b, WithPrefetch(1))
		require.NoError(t, tr.Connect(ctx))
		t.Cleanup(func() { tr.Close() })
		fill(t, tr, 2)

		ch, err := tr.OpenChannel(ctx, true)
		require.NoError(t, err)
		sub, err := ch.Subscribe(ctx, messaging.Subscription{Destination: queue})
		require.NoError(t, err)

		d := next(t, sub)
		require.NoError(t, d.Ack())
		assertEmpty(t, sub)
		assert.Equal(t, 1, b.Depth("window"))

		require.NoError(t, ch.Commit(ctx))
		assert.Equal(t, "b", next(t, sub).Message().Body)
	})

	t.Run("plain acks free the window one by one", func(t *testing.T) {
		b := NewBroker("window-ack")
		tr := NewTransport(b, WithPrefetch(1))
		require.NoError(t, tr.Connect(ctx))
		t.Cleanup(func() { tr.Close() })
		fill(t, tr, 2)

		ch, err := tr.OpenChannel(ctx, false)
		require.NoError(t, err)
		sub, err := ch.Subscribe(ctx, messaging.Subscription{Destination: queue})
		require.NoError(t, err)

		d := next(t, sub)
		assertEmpty(t, sub)

		done := make(chan string, 1)
		go func() {
			waitCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			if got, err := sub.Next(waitCtx); err == nil {
				done <- got.Message().Body
			}
			close(done)
		}()
		require.NoError(t, d.Ack())
		assert.Equal(t, "b", <-done)
	})
}

func TestNextWakesOnPublishAndClose(t *testing.T) {
	b := NewBroker("wake")
	tr := newConnected(t, b)
	ctx := context.Background()
	queue := messaging.NewQueue("inbox")

	ch, err := tr.OpenChannel(ctx, false)
	require.NoError(t, err)
	sub, err := ch.Subscribe(ctx, messaging.Subscription{Destination: queue})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = ch.Send(ctx, textTo(queue, "late"))
	}()
	assert.Equal(t, "late", next(t, sub).Message().Body)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sub.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSubscriptionClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestTopicFanOut(t *testing.T) {
	b := NewBroker("topics")
	tr := newConnected(t, b)
	ctx := context.Background()
	topic := messaging.NewTopic("prices")

	ch, err := tr.OpenChannel(ctx, false)
	require.NoError(t, err)

	all, err := ch.Subscribe(ctx, messaging.Subscription{Destination: topic})
	require.NoError(t, err)
	acme, err := ch.Subscribe(ctx, messaging.Subscription{
		Destination: topic,
		Selector:    selector.MustCompile(`symbol == "ACME"`),
	})
	require.NoError(t, err)
	remote, err := ch.Subscribe(ctx, messaging.Subscription{
		Destination: topic,
		NoLocal:     true,
		ClientID:    "me",
	})
	require.NoError(t, err)

	local := textTo(topic, "INIT")
	local.SetProperty("symbol", "INIT")
	local.ClientID = "me"
	require.NoError(t, ch.Send(ctx, local))

	other := textTo(topic, "ACME")
	other.SetProperty("symbol", "ACME")
	other.ClientID = "them"
	require.NoError(t, ch.Send(ctx, other))

	assert.Equal(t, "INIT", next(t, all).Message().Body)
	assert.Equal(t, "ACME", next(t, all).Message().Body)
	assert.Equal(t, "ACME", next(t, acme).Message().Body)
	assertEmpty(t, acme)
	assert.Equal(t, "ACME", next(t, remote).Message().Body)
	assertEmpty(t, remote)
}

func TestTemporaryQueueLifecycle(t *testing.T) {
	b := NewBroker("temp")
	tr := newConnected(t, b)
	ctx := context.Background()

	dest, err := tr.CreateTemporaryQueue(ctx)
	require.NoError(t, err)
	assert.True(t, dest.Temporary)
	assert.True(t, b.QueueExists(dest.Name))

	ch, err := tr.OpenChannel(ctx, false)
	require.NoError(t, err)
	sub, err := ch.Subscribe(ctx, messaging.Subscription{Destination: dest})
	require.NoError(t, err)

	require.NoError(t, tr.DeleteDestination(ctx, dest))
	assert.False(t, b.QueueExists(dest.Name))

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, messaging.ErrInvalidDestination)
	assert.ErrorIs(t, ch.Send(ctx, textTo(dest, "x")), messaging.ErrInvalidDestination)
	assert.ErrorIs(t, tr.DeleteDestination(ctx, dest), messaging.ErrInvalidDestination)

	unknown := messaging.NewQueue(messaging.TemporaryPrefix + "unknown")
	assert.ErrorIs(t, ch.Send(ctx, textTo(unknown, "x")), messaging.ErrInvalidDestination)
}

func TestTemporaryQueueAcrossConnections(t *testing.T) {
	b := NewBroker("temp-shared")
	owner := newConnected(t, b)
	other := newConnected(t, b)
	ctx := context.Background()

	dest, err := owner.CreateTemporaryQueue(ctx)
	require.NoError(t, err)

	sender, err := other.OpenChannel(ctx, false)
	require.NoError(t, err)
	require.NoError(t, sender.Send(ctx, textTo(dest, "reply")))
	assert.Equal(t, 1, b.Depth(dest.Name))

	_, err = sender.Subscribe(ctx, messaging.Subscription{Destination: dest})
	assert.ErrorIs(t, err, messaging.ErrInvalidDestination)

	receiver, err := owner.OpenChannel(ctx, false)
	require.NoError(t, err)
	sub, err := receiver.Subscribe(ctx, messaging.Subscription{Destination: dest})
	require.NoError(t, err)
	assert.Equal(t, "reply", next(t, sub).Message().Body)
}

func TestDropNotifiesListeners(t *testing.T) {
	tr := newConnected(t, NewBroker("drop"))
	ctx := context.Background()

	ch, err := tr.OpenChannel(ctx, false)
	require.NoError(t, err)

	var got error
	tr.NotifyClose(func(err error) { got = err })

	lost := errors.New("link down")
	tr.Drop(lost)

	assert.Equal(t, lost, got)
	assert.False(t, tr.IsConnected())
	assert.ErrorIs(t, ch.Send(ctx, textTo(messaging.NewQueue("q"), "x")), messaging.ErrIllegalState)
}
