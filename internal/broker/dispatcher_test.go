package broker

import (
	"net"
	"testing"
	"time"

	"github.com/fenwick/mqttbroker/internal/packet"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher() *Dispatcher {
	subs := NewSubscriptionTable()
	sessions := NewSessionStore(nil, 0)
	retained := NewRetainedStore()
	registry := NewConnectionRegistry()
	publisher := NewPublisher(subs, sessions, retained)
	return NewDispatcher(subs, sessions, retained, registry, publisher, time.Hour, 5)
}

func TestSubscribeThenPublishDeliversToClient(t *testing.T) {
	d := newTestDispatcher()

	subServerConn, subClientConn := net.Pipe()
	defer subServerConn.Close()
	defer subClientConn.Close()

	subSess, _, subConnID, _ := d.Connect(subServerConn, &packet.ConnectPacket{ClientID: "subscriber", CleanSession: true})
	go d.RunOutbound(subSess, subConnID, subServerConn)

	subscribe := &packet.SubscribePacket{PacketID: 1, Filters: []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtLeastOnce}}}
	responses, fatal := d.Handle(subSess, subConnID, &packet.ParsedPacket{Type: packet.SUBSCRIBE, Subscribe: subscribe})
	require.False(t, fatal)
	require.Len(t, responses, 1)

	pubServerConn, pubClientConn := net.Pipe()
	defer pubServerConn.Close()
	defer pubClientConn.Close()
	pubSess, _, pubConnID, _ := d.Connect(pubServerConn, &packet.ConnectPacket{ClientID: "publisher", CleanSession: true})

	publish := &packet.PublishPacket{Topic: "a/b", QoS: packet.QoSAtMostOnce, Payload: []byte("hello")}
	_, fatal = d.Handle(pubSess, pubConnID, &packet.ParsedPacket{Type: packet.PUBLISH, Publish: publish})
	require.False(t, fatal)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, err := subClientConn.Read(buf)
		if err != nil {
			done <- nil
			return
		}
		done <- buf[:n]
	}()

	select {
	case received := <-done:
		require.NotNil(t, received)
		parsed, err := packet.Parse(received)
		require.NoError(t, err)
		require.Equal(t, packet.PUBLISH, parsed.Type)
		require.Equal(t, "a/b", parsed.Publish.Topic)
		require.Equal(t, []byte("hello"), parsed.Publish.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered publish")
	}
}

func TestDuplicateClientIDDisplacesOlderConnection(t *testing.T) {
	d := newTestDispatcher()

	firstServer, firstClient := net.Pipe()
	defer firstServer.Close()
	defer firstClient.Close()
	_, _, firstConnID, displaced := d.Connect(firstServer, &packet.ConnectPacket{ClientID: "client-1", CleanSession: true})
	require.Empty(t, displaced)

	secondServer, secondClient := net.Pipe()
	defer secondServer.Close()
	defer secondClient.Close()
	_, _, secondConnID, displaced := d.Connect(secondServer, &packet.ConnectPacket{ClientID: "client-1", CleanSession: true})
	require.Equal(t, firstConnID, displaced)

	require.True(t, d.registry.Owns("client-1", secondConnID))
	require.False(t, d.registry.Owns("client-1", firstConnID))
}

func TestQoS2PublishDeliversOnlyAtPubrel(t *testing.T) {
	d := newTestDispatcher()

	subServer, subClient := net.Pipe()
	defer subServer.Close()
	defer subClient.Close()
	subSess, _, subConnID, _ := d.Connect(subServer, &packet.ConnectPacket{ClientID: "subscriber", CleanSession: true})

	subscribe := &packet.SubscribePacket{PacketID: 1, Filters: []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSExactlyOnce}}}
	_, _ = d.Handle(subSess, subConnID, &packet.ParsedPacket{Type: packet.SUBSCRIBE, Subscribe: subscribe})

	pubServer, pubClient := net.Pipe()
	defer pubServer.Close()
	defer pubClient.Close()
	pubSess, _, pubConnID, _ := d.Connect(pubServer, &packet.ConnectPacket{ClientID: "publisher", CleanSession: true})

	packetID := uint16(9)
	publish := &packet.PublishPacket{Topic: "a/b", QoS: packet.QoSExactlyOnce, PacketID: &packetID, Payload: []byte("x")}
	responses, _ := d.Handle(pubSess, pubConnID, &packet.ParsedPacket{Type: packet.PUBLISH, Publish: publish})
	require.Len(t, responses, 1) // PUBREC only, no delivery yet

	require.Empty(t, subSess.Inflight.Snapshot())

	pubrel := &packet.PubrelPacket{PacketID: packetID}
	responses, _ = d.Handle(pubSess, pubConnID, &packet.ParsedPacket{Type: packet.PUBREL, Pubrel: pubrel})
	require.Len(t, responses, 1) // PUBCOMP

	require.Len(t, subSess.Inflight.Snapshot(), 1) // delivery happens only now
}
