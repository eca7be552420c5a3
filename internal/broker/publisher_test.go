package broker

import (
	"testing"

	"github.com/fenwick/mqttbroker/internal/packet"
	"github.com/stretchr/testify/require"
)

func newTestPublisher() (*Publisher, *SubscriptionTable, *SessionStore) {
	subs := NewSubscriptionTable()
	sessions := NewSessionStore(nil, 0)
	retained := NewRetainedStore()
	return NewPublisher(subs, sessions, retained), subs, sessions
}

func TestPublishAppliesMinQoSFanOut(t *testing.T) {
	publisher, subs, sessions := newTestPublisher()

	sess := newSession("client-1", false, nil, 30, 0)
	sessions.sessions["client-1"] = sess
	_, _ = subs.Subscribe("client-1", "a/b", packet.QoSAtLeastOnce)

	publisher.Publish("a/b", []byte("hi"), packet.QoSExactlyOnce, false)

	queued := sess.DrainOffline()
	require.Len(t, queued, 1)
	require.Equal(t, packet.QoSAtLeastOnce, queued[0].QoS) // min(QoS2 publish, QoS1 grant)
}

func TestPublishRetainUpdatesStore(t *testing.T) {
	publisher, _, _ := newTestPublisher()
	publisher.Publish("a/b", []byte("hello"), packet.QoSAtMostOnce, true)

	matches := publisher.retained.Matching("a/b")
	require.Len(t, matches, 1)
	require.Equal(t, []byte("hello"), matches[0].Payload)
}

func TestPublishSkipsUnknownSession(t *testing.T) {
	publisher, subs, _ := newTestPublisher()
	_, _ = subs.Subscribe("ghost-client", "a/b", packet.QoSAtMostOnce)

	require.NotPanics(t, func() {
		publisher.Publish("a/b", []byte("hi"), packet.QoSAtMostOnce, false)
	})
}
