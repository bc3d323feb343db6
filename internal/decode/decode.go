// Package decode turns demuxed packets into frames the renderers consume.
//
// Decoders are pull-based: Decode returns an iterator over Output values
// that ends with a single EOF marker, or stops early when the context is
// cancelled or the decoder is destroyed. Backends form a closed set chosen
// by tag.
package decode

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"

	"github.com/zsiec/webvideo/internal/demux"
	"github.com/zsiec/webvideo/internal/media"
)

var (
	// ErrUnknownBackend is returned by New for an unrecognised tag.
	ErrUnknownBackend = errors.New("decode: unknown backend")
	// ErrNoStream is returned by Open when the source has no stream of the
	// requested type.
	ErrNoStream = errors.New("decode: no stream of requested type")
	// ErrNotOpen is reported when Decode runs before a successful Open.
	ErrNotOpen = errors.New("decode: decoder not open")
)

// Backend names a decoder implementation.
type Backend string

// BackendPassthrough hands video access units through as frames and turns
// audio into float PCM.
const BackendPassthrough Backend = "passthrough"

// Output is one step of a decode sequence. Frame is nil on the EOF marker.
type Output struct {
	Frame media.Frame
	EOF   bool
}

// Decoder decodes one stream type from a demuxer it owns.
type Decoder interface {
	// Open loads url and selects the first stream of type kind.
	Open(ctx context.Context, url string, kind media.StreamType) (media.Info, error)
	// Decode yields frames for the stream at streamIndex.
	Decode(ctx context.Context, streamIndex int) iter.Seq[Output]
	// Destroy stops any running Decode and closes the demuxer. Frames not
	// yet delivered are released.
	Destroy(ctx context.Context) error
}

// New creates a decoder that reads from dmx. If log is nil, slog.Default()
// is used.
func New(backend Backend, dmx demux.Demuxer, log *slog.Logger) (Decoder, error) {
	if log == nil {
		log = slog.Default()
	}
	switch backend {
	case BackendPassthrough, "":
		return &passthrough{
			dmx: dmx,
			log: log.With("component", "decoder", "backend", BackendPassthrough),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Default frame lengths for compressed audio whose packets carry no
// duration.
const (
	aacFrameSamples = 1024
	mp3FrameSamples = 1152
)

type passthrough struct {
	dmx demux.Demuxer
	log *slog.Logger

	stream  media.StreamInfo
	open    bool
	defunct atomic.Bool
}

func (d *passthrough) Open(ctx context.Context, url string, kind media.StreamType) (media.Info, error) {
	info, err := d.dmx.Load(ctx, url)
	if err != nil {
		return media.Info{}, err
	}
	s, ok := info.Find(kind)
	if !ok {
		return info, fmt.Errorf("%w: %s in %s", ErrNoStream, kind, url)
	}
	if kind == media.StreamAudio && (s.Audio == nil || s.Audio.SampleRate <= 0 || s.Audio.Channels <= 0) {
		return info, fmt.Errorf("decode: audio stream %d has no sample layout", s.Index)
	}
	d.stream, d.open = s, true
	d.log.Debug("opened", "type", kind, "index", s.Index, "codec", s.Codec)
	return info, nil
}

func (d *passthrough) Decode(ctx context.Context, streamIndex int) iter.Seq[Output] {
	return func(yield func(Output) bool) {
		if d.defunct.Load() {
			return
		}
		if !d.open || streamIndex != d.stream.Index {
			d.log.Error("decode", "error", ErrNotOpen, "index", streamIndex)
			yield(Output{EOF: true})
			return
		}
		for out := range d.dmx.Demux(ctx, streamIndex) {
			if d.defunct.Load() {
				return
			}
			if out.EOF {
				break
			}
			if out.Packet == nil || len(out.Packet.Data) == 0 {
				continue
			}
			f, err := d.frame(out.Packet)
			if err != nil {
				d.log.Warn("dropping packet", "error", err, "pts", out.Packet.PTS())
				continue
			}
			if !d.deliver(f, yield) {
				return
			}
		}
		if d.defunct.Load() || ctx.Err() != nil {
			return
		}
		yield(Output{EOF: true})
	}
}

// deliver hands f to the consumer. A frame produced after Destroy began is
// released instead.
func (d *passthrough) deliver(f media.Frame, yield func(Output) bool) bool {
	if d.defunct.Load() {
		f.Close()
		return false
	}
	return yield(Output{Frame: f})
}

func (d *passthrough) frame(p *media.Packet) (media.Frame, error) {
	t := media.Timing{
		PTS:          p.PTS(),
		HasTimestamp: !p.Untimed,
		Length:       media.Time(p.Duration, p.Timescale),
	}
	if d.stream.Type == media.StreamVideo {
		f := media.NewVideoFrame(t, p.Data, nil)
		f.Codec = d.stream.Codec
		if v := d.stream.Video; v != nil {
			f.CodedWidth, f.CodedHeight = v.Width, v.Height
		}
		f.Keyframe = p.Keyframe
		f.Captions = p.Captions
		return f, nil
	}

	a := d.stream.Audio
	planes, err := d.samples(p, a)
	if err != nil {
		return nil, err
	}
	if t.Length == 0 && len(planes) > 0 {
		t.Length = media.Time(int64(len(planes[0])), a.SampleRate)
	}
	return &media.AudioFrame{Timing: t, SampleRate: a.SampleRate, Planes: planes}, nil
}

func (d *passthrough) samples(p *media.Packet, a *media.AudioInfo) ([][]float32, error) {
	switch d.stream.Codec {
	case demux.CodecPCMF32LE:
		return deinterleave(p.Data, a.Channels, 4, func(b []byte) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(b))
		})
	case demux.CodecPCMS16LE:
		return deinterleave(p.Data, a.Channels, 2, func(b []byte) float32 {
			return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
		})
	}

	// Compressed audio has no decoder here; it plays as silence of the
	// packet's length so the clock and ring keep their pace.
	n := int(p.Duration * int64(a.SampleRate) / int64(max(p.Timescale, 1)))
	if n <= 0 {
		n = aacFrameSamples
		if strings.HasPrefix(d.stream.Codec, "mp3") {
			n = mp3FrameSamples
		}
	}
	planes := make([][]float32, a.Channels)
	for ch := range planes {
		planes[ch] = make([]float32, n)
	}
	return planes, nil
}

// deinterleave splits interleaved samples of width bytes into one plane per
// channel.
func deinterleave(data []byte, channels, width int, conv func([]byte) float32) ([][]float32, error) {
	stride := channels * width
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("decode: %d bytes is not a whole number of %d-channel samples", len(data), channels)
	}
	n := len(data) / stride
	planes := make([][]float32, channels)
	for ch := range planes {
		planes[ch] = make([]float32, n)
	}
	for i := range n {
		base := i * stride
		for ch := range channels {
			off := base + ch*width
			planes[ch][i] = conv(data[off : off+width])
		}
	}
	return planes, nil
}

func (d *passthrough) Destroy(_ context.Context) error {
	if d.defunct.Swap(true) {
		return nil
	}
	return d.dmx.Close()
}
