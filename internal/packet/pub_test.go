package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPubrelEncodeSetsReservedFlags(t *testing.T) {
	raw := NewPubRel(42)
	require.Equal(t, byte(0x62), raw[0]) // PUBREL (0x60) | reserved flags 0010
}

func TestPubrelParseRejectsWrongFlags(t *testing.T) {
	raw := []byte{0x60, 0x02, 0x00, 0x2A} // flags 0000 instead of required 0010
	p := &PubrelPacket{}
	require.Error(t, p.Parse(raw))
}

func TestPubAckRoundTrip(t *testing.T) {
	raw := NewPubAck(7)
	p := &PubackPacket{}
	require.NoError(t, p.Parse(raw))
	require.Equal(t, uint16(7), p.PacketID)
}

func TestPublishEncodeDecodeRoundTrip(t *testing.T) {
	id := uint16(99)
	original := &PublishPacket{
		QoS:      QoSAtLeastOnce,
		Topic:    "a/b",
		PacketID: &id,
		Payload:  []byte("hello"),
	}

	encoded := original.Encode()

	decoded := &PublishPacket{}
	require.NoError(t, decoded.Parse(encoded))
	require.Equal(t, "a/b", decoded.Topic)
	require.Equal(t, []byte("hello"), decoded.Payload)
	require.Equal(t, QoSAtLeastOnce, decoded.QoS)
	require.NotNil(t, decoded.PacketID)
	require.Equal(t, id, *decoded.PacketID)
}

func TestPublishEncodeQoS0OmitsPacketID(t *testing.T) {
	original := &PublishPacket{QoS: QoSAtMostOnce, Topic: "a/b", Payload: []byte("x")}
	encoded := original.Encode()

	decoded := &PublishPacket{}
	require.NoError(t, decoded.Parse(encoded))
	require.Nil(t, decoded.PacketID)
}
