package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

func tsPacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := bytes.Repeat([]byte{0xFF}, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)
	if n := len(payload); n < PacketSize-4 {
		// Pad with an adaptation field so the payload ends the packet.
		buf[3] = 0x30 | cc&0x0F
		afLen := PacketSize - 4 - 1 - n
		buf[4] = byte(afLen)
		if afLen > 0 {
			buf[5] = 0x00
		}
		copy(buf[5+afLen:], payload)
		return buf
	}
	buf[3] = 0x10 | cc&0x0F
	copy(buf[4:], payload)
	return buf
}

// packetize splits one unit into transport packets on pid.
func packetize(pid uint16, cc *uint8, unit []byte) []byte {
	var out []byte
	first := true
	for len(unit) > 0 {
		n := min(len(unit), PacketSize-4)
		out = append(out, tsPacket(pid, *cc, first, unit[:n])...)
		*cc = (*cc + 1) & 0x0F
		unit = unit[n:]
		first = false
	}
	return out
}

func withCRC(section []byte) []byte {
	c := CRC32(section)
	return append(section, byte(c>>24), byte(c>>16), byte(c>>8), byte(c))
}

func patPayload(pmtPID uint16) []byte {
	s := []byte{
		tableIDPAT, 0xB0, 13,
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0x00, 0x01, 0xE0 | byte(pmtPID>>8), byte(pmtPID),
	}
	return append([]byte{0x00}, withCRC(s)...)
}

func pmtPayload(streams ...ElementaryStream) []byte {
	body := []byte{0x00, 0x01, 0xC1, 0x00, 0x00, 0xE1, 0x00, 0xF0, 0x00}
	for _, es := range streams {
		body = append(body, es.StreamType, 0xE0|byte(es.PID>>8), byte(es.PID), 0xF0, 0x00)
	}
	length := len(body) + 4
	s := append([]byte{tableIDPMT, 0xB0 | byte(length>>8), byte(length)}, body...)
	return append([]byte{0x00}, withCRC(s)...)
}

func encodeTimestamp(prefix byte, ts int64) []byte {
	return []byte{
		prefix<<4 | byte(ts>>29)&0x0E | 1,
		byte(ts >> 22),
		byte(ts>>14) | 1,
		byte(ts >> 7),
		byte(ts<<1) | 1,
	}
}

func pesUnit(streamID byte, pts, dts int64, bounded bool, data []byte) []byte {
	hdr := encodeTimestamp(0x2, pts)
	flags := byte(0x80)
	if dts >= 0 {
		hdr = append(encodeTimestamp(0x3, pts), encodeTimestamp(0x1, dts)...)
		flags = 0xC0
	}
	out := []byte{0, 0, 1, streamID, 0, 0, 0x80, flags, byte(len(hdr))}
	out = append(out, hdr...)
	out = append(out, data...)
	if bounded {
		n := len(out) - 6
		out[4], out[5] = byte(n>>8), byte(n)
	}
	return out
}

func buildStream(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	var ccPAT, ccPMT, ccV, ccA uint8
	buf.Write(packetize(0, &ccPAT, patPayload(0x1000)))
	buf.Write(packetize(0x1000, &ccPMT, pmtPayload(
		ElementaryStream{PID: 0x100, StreamType: StreamTypeH264},
		ElementaryStream{PID: 0x101, StreamType: StreamTypeAAC},
	)))
	buf.Write(packetize(0x100, &ccV, pesUnit(0xE0, 90000, 87000, false, bytes.Repeat([]byte{0xAA}, 400))))
	buf.Write(packetize(0x101, &ccA, pesUnit(0xC0, 90000, -1, true, []byte{1, 2, 3})))
	buf.Write(packetize(0x100, &ccV, pesUnit(0xE0, 93003, -1, false, []byte{0xBB})))
	return buf.Bytes()
}

func readAll(t *testing.T, r *Reader) []*PES {
	t.Helper()
	var out []*PES
	for {
		p, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, p)
	}
}

func TestCRC32KnownVector(t *testing.T) {
	t.Parallel()

	// CRC-32/MPEG-2 check value.
	if got := CRC32([]byte("123456789")); got != 0x0376E6E7 {
		t.Errorf("got 0x%08X, want 0x0376E6E7", got)
	}
}

func TestParsePacket(t *testing.T) {
	t.Parallel()

	buf := tsPacket(0x1ABC, 7, true, []byte{1, 2, 3})
	p, err := ParsePacket(buf)
	if err != nil {
		t.Fatal(err)
	}
	if p.PID != 0x1ABC || p.CC != 7 || !p.PUSI || !p.HasPayload {
		t.Errorf("header: got %+v", p)
	}
	if !bytes.Equal(p.Payload, []byte{1, 2, 3}) {
		t.Errorf("payload: got %v, want [1 2 3]", p.Payload)
	}

	buf[0] = 0x00
	if _, err := ParsePacket(buf); !errors.Is(err, ErrSync) {
		t.Errorf("bad sync: got %v, want ErrSync", err)
	}
	if _, err := ParsePacket(buf[:100]); err == nil {
		t.Error("short packet: expected error")
	}
}

func TestReaderDiscoversStreamsAndReassembles(t *testing.T) {
	t.Parallel()

	r := NewReader(bytes.NewReader(buildStream(t)), nil)
	units := readAll(t, r)

	streams := r.Streams()
	if len(streams) != 2 || streams[0].StreamType != StreamTypeH264 || streams[1].PID != 0x101 {
		t.Fatalf("streams: got %+v", streams)
	}
	if len(units) != 3 {
		t.Fatalf("units: got %d, want 3", len(units))
	}

	// The bounded audio unit completes before the unbounded video unit,
	// which only ends at the next start.
	if units[0].PID != 0x101 || !bytes.Equal(units[0].Data, []byte{1, 2, 3}) {
		t.Errorf("first unit: got PID 0x%X data %v", units[0].PID, units[0].Data)
	}
	v := units[1]
	if v.PID != 0x100 || len(v.Data) != 400 {
		t.Errorf("video unit: got PID 0x%X len %d", v.PID, len(v.Data))
	}
	if !v.HasPTS || v.PTS != 90000 || !v.HasDTS || v.DTS != 87000 {
		t.Errorf("video timestamps: pts=%d dts=%d", v.PTS, v.DTS)
	}
	if units[2].DecodeTime() != 93003 {
		t.Errorf("flushed unit decode time: got %d, want 93003", units[2].DecodeTime())
	}
}

func TestReaderDropsDuplicatePackets(t *testing.T) {
	t.Parallel()

	stream := buildStream(t)
	// Repeat the first video packet (index 2) right after itself.
	dup := stream[2*PacketSize : 3*PacketSize]
	withDup := append(append(append([]byte{}, stream[:3*PacketSize]...), dup...), stream[3*PacketSize:]...)

	units := readAll(t, NewReader(bytes.NewReader(withDup), nil))
	for _, u := range units {
		if u.PID == 0x100 && len(u.Data) != 400 && len(u.Data) != 1 {
			t.Errorf("video unit corrupted by duplicate: len %d", len(u.Data))
		}
	}
}

func TestReaderResyncsAfterGarbage(t *testing.T) {
	t.Parallel()

	// A misaligned null packet ahead of the stream forces a byte scan.
	var in []byte
	in = append(in, 0x01, 0x02, 0x03)
	in = append(in, tsPacket(0x1FFF, 0, false, nil)...)
	in = append(in, buildStream(t)...)

	units := readAll(t, NewReader(bytes.NewReader(in), nil))
	if len(units) != 3 {
		t.Errorf("units after leading garbage: got %d, want 3", len(units))
	}
}

func TestReaderOneByteReads(t *testing.T) {
	t.Parallel()

	r := NewReader(iotest.OneByteReader(bytes.NewReader(buildStream(t))), nil)
	if got := len(readAll(t, r)); got != 3 {
		t.Errorf("units: got %d, want 3", got)
	}
}

func TestReaderStopsOnContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewReader(bytes.NewReader(buildStream(t)), nil)
	if _, err := r.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestReaderRejectsCorruptPMT(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var cc0, cc1 uint8
	buf.Write(packetize(0, &cc0, patPayload(0x1000)))
	pmt := pmtPayload(ElementaryStream{PID: 0x100, StreamType: StreamTypeH264})
	pmt[len(pmt)-1] ^= 0xFF
	buf.Write(packetize(0x1000, &cc1, pmt))

	r := NewReader(&buf, nil)
	readAll(t, r)
	if got := len(r.Streams()); got != 0 {
		t.Errorf("streams from corrupt PMT: got %d, want 0", got)
	}
}

func FuzzReader(f *testing.F) {
	f.Add(tsPacket(0, 0, true, patPayload(0x1000)))
	f.Add(bytes.Repeat([]byte{syncByte}, PacketSize*2))
	f.Fuzz(func(t *testing.T, data []byte) {
		r := NewReader(bytes.NewReader(data), nil)
		for i := 0; i < 10000; i++ {
			if _, err := r.Next(context.Background()); err != nil {
				return
			}
		}
	})
}
