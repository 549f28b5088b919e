package packets

import "io"

// DisconnectPacket represents an MQTT DISCONNECT control packet.
// It carries no variable header or payload in MQTT 3.1.1.
type DisconnectPacket struct{}

func (p *DisconnectPacket) Type() uint8 {
	return DISCONNECT
}

// WriteTo writes the DISCONNECT packet to the writer.
func (p *DisconnectPacket) WriteTo(w io.Writer) (int64, error) {
	header := &FixedHeader{
		PacketType:      DISCONNECT,
		Flags:           0,
		RemainingLength: 0,
	}
	return header.WriteTo(w)
}

// DecodeDisconnect decodes a DISCONNECT packet.
func DecodeDisconnect(buf []byte) (*DisconnectPacket, error) {
	return &DisconnectPacket{}, nil
}
