package demux

import (
	"errors"
	"fmt"
)

// ErrInvalidADTS is returned when an ADTS header is malformed.
var ErrInvalidADTS = errors.New("demux: invalid ADTS header")

// AAC samples per raw data block.
const aacFrameSamples = 1024

var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSFrame is one AAC frame with its ADTS header.
type ADTSFrame struct {
	Data       []byte
	Profile    int // audio object type minus one
	SampleRate int
	Channels   int
}

// CodecString returns the RFC 6381 codec string, e.g. "mp4a.40.2".
func (f ADTSFrame) CodecString() string {
	return fmt.Sprintf("mp4a.40.%d", f.Profile+1)
}

// ParseADTS splits an ADTS byte stream into frames, skipping bytes until a
// sync word. A truncated trailing frame is dropped.
func ParseADTS(data []byte) ([]ADTSFrame, error) {
	var frames []ADTSFrame
	for off := 0; len(data)-off >= 7; {
		h := data[off:]
		if h[0] != 0xFF || h[1]&0xF0 != 0xF0 {
			off++
			continue
		}
		headerLen := 7
		if h[1]&0x01 == 0 {
			headerLen = 9 // CRC present
		}
		rateIdx := int(h[2] >> 2 & 0x0F)
		if rateIdx >= len(aacSampleRates) {
			return frames, fmt.Errorf("%w: sample rate index %d", ErrInvalidADTS, rateIdx)
		}
		n := int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5]>>5)
		if n < headerLen || off+n > len(data) {
			break
		}
		frames = append(frames, ADTSFrame{
			Data:       data[off : off+n],
			Profile:    int(h[2] >> 6),
			SampleRate: aacSampleRates[rateIdx],
			Channels:   int(h[2]&0x01)<<2 | int(h[3]>>6),
		})
		off += n
	}
	return frames, nil
}
