package demux

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseSPS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		w, h int
	}{
		{320, 240},
		{1280, 720},
		{1920, 1088},
	}
	for _, tt := range tests {
		info, err := ParseSPS(baselineSPS(tt.w, tt.h))
		if err != nil {
			t.Fatalf("%dx%d: %v", tt.w, tt.h, err)
		}
		if info.Width != tt.w || info.Height != tt.h {
			t.Errorf("got %dx%d, want %dx%d", info.Width, info.Height, tt.w, tt.h)
		}
		if got := info.CodecString(); got != "avc1.42C01E" {
			t.Errorf("CodecString: got %q, want %q", got, "avc1.42C01E")
		}
	}
}

func TestParseSPSTruncated(t *testing.T) {
	t.Parallel()

	sps := baselineSPS(320, 240)
	if _, err := ParseSPS(sps[:5]); !errors.Is(err, errBitsExhausted) {
		t.Errorf("got %v, want errBitsExhausted", err)
	}
	if _, err := ParseSPS([]byte{0x67}); err == nil {
		t.Error("one-byte SPS: expected error")
	}
}

func TestUnescapeRBSP(t *testing.T) {
	t.Parallel()

	in := []byte{0x11, 0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x00, 0x22}
	want := []byte{0x11, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x22}
	if got := unescapeRBSP(in); !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}
}

func TestParseAnnexB(t *testing.T) {
	t.Parallel()

	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0xAA,
		0x00, 0x00, 0x01, 0x68, 0xBB,
		0x00, 0x00, 0x00, 0x01, 0x65, 0xCC, 0xDD,
	}
	units := ParseAnnexB(data)
	if len(units) != 3 {
		t.Fatalf("units: got %d, want 3", len(units))
	}
	wantTypes := []byte{NALTypeSPS, NALTypePPS, NALTypeIDR}
	for i, u := range units {
		if u.Type != wantTypes[i] {
			t.Errorf("unit %d type: got %d, want %d", i, u.Type, wantTypes[i])
		}
	}
	if !bytes.Equal(units[0].Data, []byte{0x67, 0xAA}) {
		t.Errorf("first unit: got % X", units[0].Data)
	}
	if !bytes.Equal(units[2].Data, []byte{0x65, 0xCC, 0xDD}) {
		t.Errorf("last unit: got % X", units[2].Data)
	}
	if got := ParseAnnexB([]byte{0x01, 0x02}); got != nil {
		t.Errorf("no start code: got %v, want nil", got)
	}
}

func TestParseADTS(t *testing.T) {
	t.Parallel()

	data := append([]byte{0x12, 0x34}, adtsFrame(4, 1, 10)...) // 44.1 kHz mono
	data = append(data, adtsFrame(4, 1, 30)...)
	data = append(data, adtsFrame(4, 1, 50)[:20]...) // truncated

	frames, err := ParseADTS(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames: got %d, want 2", len(frames))
	}
	if frames[0].SampleRate != 44100 || frames[0].Channels != 1 {
		t.Errorf("frame 0: got %d Hz %d ch", frames[0].SampleRate, frames[0].Channels)
	}
	if len(frames[1].Data) != 37 {
		t.Errorf("frame 1 size: got %d, want 37", len(frames[1].Data))
	}
	if got := frames[0].CodecString(); got != "mp4a.40.2" {
		t.Errorf("CodecString: got %q", got)
	}
}

func TestParseADTSBadRate(t *testing.T) {
	t.Parallel()

	f := adtsFrame(3, 2, 4)
	f[2] = f[2]&^0x3C | 15<<2
	if _, err := ParseADTS(f); !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("got %v, want ErrInvalidADTS", err)
	}
}

func TestCaptionDecoderIgnoresNonCaptionSEI(t *testing.T) {
	t.Parallel()

	c := newCaptionDecoder()
	// A recovery point SEI carries no caption payload.
	if cues := c.decode([]byte{0x06, 0x06, 0x01, 0xC4, 0x80}); len(cues) != 0 {
		t.Errorf("cues: got %v, want none", cues)
	}
}
