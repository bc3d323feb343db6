package demux

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/zsiec/webvideo/internal/media"
)

// Codecs produced by the test source.
const (
	CodecTestVideo = "testsrc"
	CodecPCMF32LE  = "pcm_f32le"
	CodecPCMS16LE  = "pcm_s16le"
)

const testAudioBlock = 1024

// TestSourceParams configures the synthetic source. They are read from the
// query of a testsrc:// URL, e.g. testsrc://?duration=5s&fps=25&tone=440.
// A zero Duration produces an endless stream.
type TestSourceParams struct {
	Duration   time.Duration
	FPS        int
	Width      int
	Height     int
	SampleRate int
	Channels   int
	Tone       float64
	Captions   bool
}

// DefaultTestSourceParams returns the parameters used for absent query keys.
func DefaultTestSourceParams() TestSourceParams {
	return TestSourceParams{
		Duration:   10 * time.Second,
		FPS:        30,
		Width:      320,
		Height:     240,
		SampleRate: 48000,
		Channels:   2,
		Tone:       440,
		Captions:   true,
	}
}

// ParseTestSourceURL reads TestSourceParams from a testsrc:// URL.
func ParseTestSourceURL(raw string) (TestSourceParams, error) {
	p := DefaultTestSourceParams()
	u, err := url.Parse(raw)
	if err != nil {
		return p, fmt.Errorf("demux: testsrc url: %w", err)
	}
	if u.Scheme != "" && u.Scheme != "testsrc" {
		return p, fmt.Errorf("demux: testsrc url: unexpected scheme %q", u.Scheme)
	}
	q := u.Query()

	ints := []struct {
		key string
		dst *int
	}{
		{"fps", &p.FPS},
		{"width", &p.Width},
		{"height", &p.Height},
		{"rate", &p.SampleRate},
		{"channels", &p.Channels},
	}
	for _, f := range ints {
		v := q.Get(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, fmt.Errorf("demux: testsrc %s=%q: must be a positive integer", f.key, v)
		}
		*f.dst = n
	}
	if v := q.Get("duration"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return p, fmt.Errorf("demux: testsrc duration=%q: must be a non-negative duration", v)
		}
		p.Duration = d
	}
	if v := q.Get("tone"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("demux: testsrc tone=%q: %w", v, err)
		}
		p.Tone = f
	}
	if v := q.Get("captions"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, fmt.Errorf("demux: testsrc captions=%q: %w", v, err)
		}
		p.Captions = b
	}
	return p, nil
}

// testSource synthesizes a numbered video stream (index 0) and a sine tone
// as float PCM (index 1).
type testSource struct {
	log    *slog.Logger
	params TestSourceParams
	loaded bool
}

func newTestSource(log *slog.Logger) *testSource {
	return &testSource{log: log.With("component", "demux", "backend", BackendTestSrc)}
}

func (s *testSource) Load(_ context.Context, raw string) (media.Info, error) {
	p, err := ParseTestSourceURL(raw)
	if err != nil {
		return media.Info{}, err
	}
	s.params, s.loaded = p, true

	frames := int(p.Duration.Seconds() * float64(p.FPS))
	samples := int(p.Duration.Seconds() * float64(p.SampleRate))
	info := media.Info{
		Duration:  int64(p.Duration / time.Millisecond),
		Timescale: 1000,
		Streams: []media.StreamInfo{
			{
				Index:     0,
				Type:      media.StreamVideo,
				Codec:     CodecTestVideo,
				Timescale: 90000,
				Duration:  int64(frames) * int64(90000/p.FPS),
				NbSamples: frames,
				Video:     &media.VideoInfo{Width: p.Width, Height: p.Height},
			},
			{
				Index:     1,
				Type:      media.StreamAudio,
				Codec:     CodecPCMF32LE,
				Timescale: p.SampleRate,
				Duration:  int64(samples),
				Bitrate:   p.SampleRate * p.Channels * 32,
				NbSamples: (samples + testAudioBlock - 1) / testAudioBlock,
				Audio:     &media.AudioInfo{SampleRate: p.SampleRate, Channels: p.Channels, SampleSize: 32},
			},
		},
	}
	s.log.Debug("loaded", "params", p)
	return info, nil
}

func (s *testSource) Demux(ctx context.Context, streamIndex int) iter.Seq[Output] {
	return func(yield func(Output) bool) {
		if !s.loaded {
			s.log.Error("demux before load", "error", ErrNotLoaded)
			yield(eof)
			return
		}
		var next func(i int) (*media.Packet, bool)
		switch streamIndex {
		case 0:
			next = s.videoPacket
		case 1:
			next = s.audioPacket
		default:
			s.log.Error("demux", "error", ErrStreamIndex, "index", streamIndex)
			yield(eof)
			return
		}
		for i := 0; ; i++ {
			if ctx.Err() != nil {
				return
			}
			p, ok := next(i)
			if !ok {
				yield(eof)
				return
			}
			if !yield(Output{Packet: p}) {
				return
			}
		}
	}
}

func (s *testSource) videoPacket(i int) (*media.Packet, bool) {
	p := s.params
	step := int64(90000 / p.FPS)
	pts := int64(i) * step
	if p.Duration > 0 && media.Time(pts, 90000) >= p.Duration {
		return nil, false
	}
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(i))
	pkt := &media.Packet{
		StreamIndex: 0,
		Timescale:   90000,
		DTS:         pts,
		CTS:         pts,
		Duration:    step,
		Data:        data,
		Keyframe:    i%p.FPS == 0,
	}
	if p.Captions && pkt.Keyframe {
		pkt.Captions = []media.Caption{{Channel: 1, Text: fmt.Sprintf("testsrc %ds", i/p.FPS)}}
	}
	return pkt, true
}

func (s *testSource) audioPacket(i int) (*media.Packet, bool) {
	p := s.params
	start := int64(i) * testAudioBlock
	n := testAudioBlock
	if p.Duration > 0 {
		total := int64(p.Duration.Seconds() * float64(p.SampleRate))
		if start >= total {
			return nil, false
		}
		n = int(min(int64(n), total-start))
	}

	data := make([]byte, 0, n*p.Channels*4)
	for k := range n {
		phase := 2 * math.Pi * p.Tone * float64(start+int64(k)) / float64(p.SampleRate)
		v := float32(0.25 * math.Sin(phase))
		for range p.Channels {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
		}
	}
	return &media.Packet{
		StreamIndex: 1,
		Timescale:   p.SampleRate,
		DTS:         start,
		CTS:         start,
		Duration:    int64(n),
		Data:        data,
		Keyframe:    true,
	}, true
}

func (s *testSource) Close() error {
	s.loaded = false
	return nil
}
