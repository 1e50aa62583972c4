package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/manasgarg/plutoid-kernel/internal/broker"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteBroker(t *testing.T) *broker.SQLiteBroker {
	t.Helper()
	b, err := broker.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteBrokerSendAndReceive(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteBroker(t)

	require.NoError(t, b.Send(ctx, "k1:in", []byte("hello")))

	msgs, err := b.GetMessages(ctx, "k1:in", 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", string(msgs[0].Payload))
	require.NotEmpty(t, msgs[0].SystemID)
}

func TestSQLiteBrokerTimeoutWithNoMessages(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteBroker(t)

	start := time.Now()
	msgs, err := b.GetMessages(ctx, "empty", 100*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSQLiteBrokerRedeliversUntilAcked(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteBroker(t)

	require.NoError(t, b.Send(ctx, "q", []byte("payload")))

	first, err := b.GetMessages(ctx, "q", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Not yet acked: a second fetch still sees it pending.
	second, err := b.GetMessages(ctx, "q", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, first[0].SystemID, second[0].SystemID)

	require.NoError(t, b.Ack(ctx, second[0].SystemID))

	third, err := b.GetMessages(ctx, "q", 100*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, third)
}

func TestSQLiteBrokerAckIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteBroker(t)

	require.NoError(t, b.Send(ctx, "q", []byte("x")))
	msgs, err := b.GetMessages(ctx, "q", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, b.Ack(ctx, msgs[0].SystemID))
	require.NoError(t, b.Ack(ctx, msgs[0].SystemID))
}

func TestSQLiteBrokerQueuesAreIndependent(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteBroker(t)

	require.NoError(t, b.Send(ctx, "a", []byte("1")))
	require.NoError(t, b.Send(ctx, "b", []byte("2")))

	aMsgs, err := b.GetMessages(ctx, "a", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, aMsgs, 1)
	require.Equal(t, "1", string(aMsgs[0].Payload))

	bMsgs, err := b.GetMessages(ctx, "b", 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, bMsgs, 1)
	require.Equal(t, "2", string(bMsgs[0].Payload))
}
