package packet

import "github.com/fenwick/mqttbroker/pkg/er"

// Parse determines the packet type from the fixed header and decodes the
// frame into the matching ParsedPacket field. It is the single entry
// point the connection dispatcher calls for every inbound frame.
func Parse(raw []byte) (*ParsedPacket, error) {
	if len(raw) < 1 {
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrShortBuffer,
		}
	}

	packetType := PacketType(raw[0] & 0xF0)

	result := &ParsedPacket{
		Type: packetType,
		Raw:  raw,
	}

	switch packetType {
	case CONNECT:
		connectPacket := &ConnectPacket{}
		if err := connectPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Connect = connectPacket
		return result, nil

	case PUBLISH:
		publishPacket := &PublishPacket{}
		if err := publishPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Publish = publishPacket
		return result, nil

	case PUBACK:
		pubackPacket := &PubackPacket{}
		if err := pubackPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Puback = pubackPacket
		return result, nil

	case PUBREC:
		pubrecPacket := &PubrecPacket{}
		if err := pubrecPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Pubrec = pubrecPacket
		return result, nil

	case PUBREL:
		pubrelPacket := &PubrelPacket{}
		if err := pubrelPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Pubrel = pubrelPacket
		return result, nil

	case PUBCOMP:
		pubcompPacket := &PubcompPacket{}
		if err := pubcompPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Pubcomp = pubcompPacket
		return result, nil

	case SUBSCRIBE:
		subscribePacket := &SubscribePacket{}
		if err := subscribePacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Subscribe = subscribePacket
		return result, nil

	case UNSUBSCRIBE:
		unsubscribePacket := &UnsubscribePacket{}
		if err := unsubscribePacket.ParseUnsubscribe(raw); err != nil {
			return nil, err
		}
		result.Unsubscribe = unsubscribePacket
		return result, nil

	case PINGREQ:
		pingreqPacket := &PingreqPacket{}
		if err := pingreqPacket.ParsePingreq(raw); err != nil {
			return nil, err
		}
		result.Pingreq = pingreqPacket
		return result, nil

	case DISCONNECT:
		disconnectPacket := &DisconnectPacket{}
		if err := disconnectPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Disconnect = disconnectPacket
		return result, nil

	case CONNACK, SUBACK, UNSUBACK, PINGRESP:
		// A conforming client never sends these; flag them so the
		// dispatcher can close the connection as a protocol violation
		// instead of trying to decode a payload shaped for the wire's
		// other direction.
		result.ServerOnly = true
		return result, &er.Err{
			Context: "Parse",
			Message: er.ErrServerOnlyPacket,
		}

	default:
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrInvalidPacketType,
		}
	}
}
