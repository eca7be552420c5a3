package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDispatchesPublish(t *testing.T) {
	id := uint16(5)
	raw := (&PublishPacket{QoS: QoSAtLeastOnce, Topic: "a/b", PacketID: &id, Payload: []byte("x")}).Encode()

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, PUBLISH, parsed.Type)
	require.NotNil(t, parsed.Publish)
	require.Equal(t, "a/b", parsed.Publish.Topic)
}

func TestParseRejectsServerOnlyPacketFromClient(t *testing.T) {
	raw := NewConnAck(false, ConnectionAccepted)
	parsed, err := Parse(raw)
	require.Error(t, err)
	require.True(t, parsed.ServerOnly)
}

func TestParseDispatchesPingreq(t *testing.T) {
	raw := []byte{0xC0, 0x00}
	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, PINGREQ, parsed.Type)
	require.NotNil(t, parsed.Pingreq)
}

func TestParseRejectsEmptyBuffer(t *testing.T) {
	_, err := Parse(nil)
	require.Error(t, err)
}
