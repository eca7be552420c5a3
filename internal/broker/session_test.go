package broker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick/mqttbroker/internal/packet"
)

func TestDeliverOrQueueDropsForCleanSessionOffline(t *testing.T) {
	sess := newSession("client-1", true, nil, 30, 0)
	online := sess.DeliverOrQueue(OfflineMessage{Topic: "a/b"})
	require.False(t, online)
	require.Empty(t, sess.DrainOffline())
}

func TestDeliverOrQueueQueuesForDurableSessionOffline(t *testing.T) {
	sess := newSession("client-1", false, nil, 30, 0)
	online := sess.DeliverOrQueue(OfflineMessage{Topic: "a/b", QoS: packet.QoSAtLeastOnce})
	require.False(t, online)

	drained := sess.DrainOffline()
	require.Len(t, drained, 1)
	require.Equal(t, "a/b", drained[0].Topic)
}

func TestDeliverOrQueueDropsQoS0ForDurableSessionOffline(t *testing.T) {
	sess := newSession("client-1", false, nil, 30, 0)
	online := sess.DeliverOrQueue(OfflineMessage{Topic: "a/b", QoS: packet.QoSAtMostOnce})
	require.False(t, online)
	require.Empty(t, sess.DrainOffline())
}

func TestDeliverOrQueueReportsOnlineWithoutQueuing(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	sess := newSession("client-1", false, nil, 30, 0)
	sess.Resume("conn-1", serverConn)

	online := sess.DeliverOrQueue(OfflineMessage{Topic: "a/b"})
	require.True(t, online)
	require.Empty(t, sess.DrainOffline())
}

func TestResumeDrainsQueuedOfflineMessages(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	sess := newSession("client-1", false, nil, 30, 0)
	sess.DeliverOrQueue(OfflineMessage{Topic: "a/b", QoS: packet.QoSAtLeastOnce})
	sess.DeliverOrQueue(OfflineMessage{Topic: "c/d", QoS: packet.QoSAtLeastOnce})

	drained := sess.Resume("conn-1", serverConn)
	require.Len(t, drained, 2)
	require.True(t, sess.IsOnline())
	require.Empty(t, sess.DrainOffline())
}

func TestUnbindIgnoresStaleConnectionID(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	sess := newSession("client-1", false, nil, 30, 0)
	sess.Resume("conn-1", serverConn)
	sess.Unbind("conn-0") // stale id from a displaced connection

	require.True(t, sess.IsOnline())
	require.Equal(t, "conn-1", sess.ConnectionID())
}
