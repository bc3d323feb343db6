package mpegts

import "fmt"

// PES is one reassembled packetized elementary stream unit. PTS and DTS are
// 33-bit values on the 90 kHz clock.
type PES struct {
	PID      uint16
	StreamID uint8
	PTS      int64
	DTS      int64
	HasPTS   bool
	HasDTS   bool
	Data     []byte
}

func isPESStart(b []byte) bool {
	return len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1
}

// Stream IDs without the optional PES header: padding, private_stream_2,
// ECM, EMM, DSMCC, H.222.1 type E and the program stream directory.
func hasOptionalHeader(id byte) bool {
	switch id {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(pid uint16, b []byte) (*PES, error) {
	if len(b) < 6 || !isPESStart(b) {
		return nil, fmt.Errorf("mpegts: bad PES start on PID 0x%X", pid)
	}
	p := &PES{PID: pid, StreamID: b[3]}

	end := len(b)
	if n := int(b[4])<<8 | int(b[5]); n > 0 && 6+n < end {
		end = 6 + n
	}

	if !hasOptionalHeader(p.StreamID) {
		p.Data = b[6:end]
		return p, nil
	}
	if len(b) < 9 {
		return nil, fmt.Errorf("mpegts: PES header too short on PID 0x%X", pid)
	}

	flags := b[7] >> 6
	start := min(9+int(b[8]), end)
	if flags&0x2 != 0 && len(b) >= 14 {
		p.PTS, p.HasPTS = timestamp(b[9:14]), true
	}
	if flags == 0x3 && len(b) >= 19 {
		p.DTS, p.HasDTS = timestamp(b[14:19]), true
	}
	p.Data = b[start:end]
	return p, nil
}

func timestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}

// DecodeTime returns the decode timestamp, falling back to the PTS.
func (p *PES) DecodeTime() int64 {
	if p.HasDTS {
		return p.DTS
	}
	return p.PTS
}
