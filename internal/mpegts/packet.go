// Package mpegts reads MPEG-TS transport streams: it discovers programs
// from the PAT and PMT and reassembles PES packets with their PTS/DTS.
package mpegts

import (
	"errors"
	"fmt"
)

// PacketSize is the length of one transport packet.
const PacketSize = 188

const syncByte = 0x47

// ErrSync is returned for a packet that does not start with the sync byte.
var ErrSync = errors.New("mpegts: lost sync")

// Packet is one parsed transport packet. Payload aliases the input buffer.
type Packet struct {
	PID           uint16
	PUSI          bool
	TEI           bool
	CC            uint8
	Discontinuity bool
	HasPayload    bool
	Payload       []byte
}

// ParsePacket parses one 188-byte transport packet.
func ParsePacket(buf []byte) (Packet, error) {
	if len(buf) != PacketSize {
		return Packet{}, fmt.Errorf("mpegts: packet size %d, want %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return Packet{}, fmt.Errorf("%w: byte 0x%02X", ErrSync, buf[0])
	}

	p := Packet{
		TEI:        buf[1]&0x80 != 0,
		PUSI:       buf[1]&0x40 != 0,
		PID:        uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		HasPayload: buf[3]&0x10 != 0,
		CC:         buf[3] & 0x0F,
	}

	off := 4
	if buf[3]&0x20 != 0 {
		afLen := int(buf[4])
		if afLen > 0 {
			p.Discontinuity = buf[5]&0x80 != 0
		}
		off = min(5+afLen, PacketSize)
	}
	if p.HasPayload && off < PacketSize {
		p.Payload = buf[off:]
	}
	return p, nil
}
