package broker

import (
	"testing"
	"time"

	"github.com/fenwick/mqttbroker/internal/packet"
	"github.com/stretchr/testify/require"
)

func TestAllocateIDSkipsZeroAndWraps(t *testing.T) {
	q := NewInflightQueue()
	id, err := q.AllocateID()
	require.NoError(t, err)
	require.NotZero(t, id)

	// From the top of the range the counter wraps past the reserved 0.
	q = NewInflightQueue()
	q.nextID = 65534
	id, err = q.AllocateID()
	require.NoError(t, err)
	require.Equal(t, uint16(65535), id)
	id, err = q.AllocateID()
	require.NoError(t, err)
	require.Equal(t, uint16(1), id)
}

func TestEnqueueAndNextQoS0(t *testing.T) {
	q := NewInflightQueue()
	ctx := &MsgContext{Topic: "a/b", QoS: packet.QoSAtMostOnce, State: QueuedQoS0}
	require.NoError(t, q.Enqueue(ctx))

	got, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, "a/b", got.Topic)

	// QoS 0 contexts are removed once handed out, not retried.
	require.Empty(t, q.PendingRetries(0))
}

func TestQoS1Handshake(t *testing.T) {
	q := NewInflightQueue()
	id, err := q.AllocateID()
	require.NoError(t, err)

	ctx := &MsgContext{PacketID: id, Topic: "a/b", QoS: packet.QoSAtLeastOnce, State: QueuedQoS1}
	require.NoError(t, q.Enqueue(ctx))

	sent, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, WaitForPuback, sent.State)

	require.True(t, q.HandlePuback(id))
	require.False(t, q.HandlePuback(id)) // already finished
}

func TestQoS2Handshake(t *testing.T) {
	q := NewInflightQueue()
	id, err := q.AllocateID()
	require.NoError(t, err)

	ctx := &MsgContext{PacketID: id, Topic: "a/b", QoS: packet.QoSExactlyOnce, State: QueuedQoS2}
	require.NoError(t, q.Enqueue(ctx))

	sent, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, WaitForPubrec, sent.State)

	pubrelCtx, ok := q.HandlePubrec(id)
	require.True(t, ok)
	require.Equal(t, WaitForPubcomp, pubrelCtx.State)

	require.True(t, q.HandlePubcomp(id))
}

func TestReceiveQoS2PublishDedup(t *testing.T) {
	q := NewInflightQueue()

	dup := q.ReceiveQoS2Publish(42, "a/b", []byte("hi"), false)
	require.False(t, dup)

	dup = q.ReceiveQoS2Publish(42, "a/b", []byte("hi"), false)
	require.True(t, dup)
}

func TestResolvePubrelDeliversOnceThenClearsTracking(t *testing.T) {
	q := NewInflightQueue()
	q.ReceiveQoS2Publish(7, "a/b", []byte("payload"), false)

	topicName, payload, _, ok := q.ResolvePubrel(7)
	require.True(t, ok)
	require.Equal(t, "a/b", topicName)
	require.Equal(t, []byte("payload"), payload)

	_, _, _, ok = q.ResolvePubrel(7)
	require.False(t, ok)
}

func TestMarkRetriedExhaustsAfterMaxRetries(t *testing.T) {
	q := NewInflightQueue()
	id, _ := q.AllocateID()
	ctx := &MsgContext{PacketID: id, Topic: "a/b", QoS: packet.QoSAtLeastOnce, State: QueuedQoS1}
	require.NoError(t, q.Enqueue(ctx))
	_, _ = q.Next()

	require.False(t, q.MarkRetried(id, 2))
	require.False(t, q.MarkRetried(id, 2))
	require.True(t, q.MarkRetried(id, 2))
}

func TestPendingRetriesOnlyReturnsContextsPastTimeout(t *testing.T) {
	q := NewInflightQueue()
	id, _ := q.AllocateID()
	ctx := &MsgContext{PacketID: id, Topic: "a/b", QoS: packet.QoSAtLeastOnce, State: QueuedQoS1}
	require.NoError(t, q.Enqueue(ctx))
	_, _ = q.Next()

	require.Empty(t, q.PendingRetries(time.Hour))
	require.Len(t, q.PendingRetries(0), 1)
}

func TestCloseUnblocksNext(t *testing.T) {
	q := NewInflightQueue()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Next()
		done <- ok
	}()

	q.Close()
	require.False(t, <-done)
}
