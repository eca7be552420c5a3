package packet

import (
	"encoding/binary"

	"github.com/fenwick/mqttbroker/pkg/er"
)

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct {
	PacketID uint16
}

// PubrecPacket is part 1 of the QoS 2 handshake (publish received).
type PubrecPacket struct {
	PacketID uint16
}

// PubrelPacket is part 2 of the QoS 2 handshake (publish release). Its
// fixed header flags are fixed at 0010, unlike PUBACK/PUBREC/PUBCOMP.
type PubrelPacket struct {
	PacketID uint16
}

// PubcompPacket is part 3 of the QoS 2 handshake (publish complete).
type PubcompPacket struct {
	PacketID uint16
}

func parseAckPacket(raw []byte, want PacketType, context string) (uint16, error) {
	if len(raw) != 4 {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidPacketLength}
	}
	if PacketType(raw[0]&0xF0) != want {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidPacketType}
	}
	if raw[1] != 0x02 {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidPacketLength}
	}
	packetID := binary.BigEndian.Uint16(raw[2:4])
	if packetID == 0 {
		return 0, &er.Err{Context: context, Message: er.ErrInvalidPacketID}
	}
	return packetID, nil
}

func encodeAckPacket(packetType PacketType, flags byte, packetID uint16) []byte {
	return []byte{
		byte(packetType) | flags,
		0x02,
		byte(packetID >> 8),
		byte(packetID & 0xFF),
	}
}

func (p *PubackPacket) Parse(raw []byte) error {
	id, err := parseAckPacket(raw, PUBACK, "Puback")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubackPacket) Encode() []byte {
	return encodeAckPacket(PUBACK, 0x00, p.PacketID)
}

func (p *PubrecPacket) Parse(raw []byte) error {
	id, err := parseAckPacket(raw, PUBREC, "Pubrec")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubrecPacket) Encode() []byte {
	return encodeAckPacket(PUBREC, 0x00, p.PacketID)
}

func (p *PubrelPacket) Parse(raw []byte) error {
	if len(raw) != 4 {
		return &er.Err{Context: "Pubrel", Message: er.ErrInvalidPacketLength}
	}
	if PacketType(raw[0]&0xF0) != PUBREL {
		return &er.Err{Context: "Pubrel", Message: er.ErrInvalidPacketType}
	}
	// MQTT 3.1.1: PUBREL fixed header flags are reserved as 0010.
	if (raw[0] & 0x0F) != 0x02 {
		return &er.Err{Context: "Pubrel, Fixed Header", Message: er.ErrInvalidPacketType}
	}
	if raw[1] != 0x02 {
		return &er.Err{Context: "Pubrel", Message: er.ErrInvalidPacketLength}
	}
	packetID := binary.BigEndian.Uint16(raw[2:4])
	if packetID == 0 {
		return &er.Err{Context: "Pubrel", Message: er.ErrInvalidPacketID}
	}
	p.PacketID = packetID
	return nil
}

func (p *PubrelPacket) Encode() []byte {
	return encodeAckPacket(PUBREL, 0x02, p.PacketID)
}

func (p *PubcompPacket) Parse(raw []byte) error {
	id, err := parseAckPacket(raw, PUBCOMP, "Pubcomp")
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubcompPacket) Encode() []byte {
	return encodeAckPacket(PUBCOMP, 0x00, p.PacketID)
}

// NewPubAck builds the raw encoding of a PUBACK, kept for callers that
// only have the packet ID and no PublishPacket to hang a Puback{} off.
func NewPubAck(packetID uint16) []byte {
	return (&PubackPacket{PacketID: packetID}).Encode()
}

// NewPubRec builds the raw encoding of a PUBREC.
func NewPubRec(packetID uint16) []byte {
	return (&PubrecPacket{PacketID: packetID}).Encode()
}

// NewPubRel builds the raw encoding of a PUBREL.
func NewPubRel(packetID uint16) []byte {
	return (&PubrelPacket{PacketID: packetID}).Encode()
}

// NewPubComp builds the raw encoding of a PUBCOMP.
func NewPubComp(packetID uint16) []byte {
	return (&PubcompPacket{PacketID: packetID}).Encode()
}
