package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/zsiec/webvideo/internal/media"
	"github.com/zsiec/webvideo/internal/mpegts"
)

const (
	tsTimescale = 90000
	// Probing stops after this many PES units even if some stream is still
	// missing its parameters.
	maxProbeUnits = 1024
)

// tsStream is what the demuxer knows about one PMT entry.
type tsStream struct {
	pid        uint16
	streamType uint8
	info       media.StreamInfo
	known      bool
}

// tsDemuxer reads MPEG-TS from any source the opener understands.
// Timestamps are rebased so the earliest probed PTS is zero.
type tsDemuxer struct {
	opener Opener
	log    *slog.Logger

	url     string
	src     io.ReadCloser
	rd      *mpegts.Reader
	probed  []*mpegts.PES
	streams []tsStream
	base    int64
	fresh   bool // rd and probed have not been consumed yet
}

func newTSDemuxer(opener Opener, log *slog.Logger) *tsDemuxer {
	return &tsDemuxer{opener: opener, log: log.With("component", "demux", "backend", BackendMPEGTS)}
}

func (d *tsDemuxer) Load(ctx context.Context, url string) (media.Info, error) {
	if d.src != nil {
		return media.Info{}, fmt.Errorf("demux: %s already loaded", d.url)
	}
	src, err := d.opener.Open(ctx, url)
	if err != nil {
		return media.Info{}, fmt.Errorf("demux: open %s: %w", url, err)
	}
	d.url, d.src = url, src
	d.rd = mpegts.NewReader(src, d.log)

	if err := d.probe(ctx); err != nil {
		d.Close()
		return media.Info{}, err
	}
	d.fresh = true

	info := media.Info{Timescale: tsTimescale}
	for _, s := range d.streams {
		info.Streams = append(info.Streams, s.info)
	}
	d.log.Info("loaded", "url", url, "streams", len(info.Streams))
	return info, nil
}

func (d *tsDemuxer) probe(ctx context.Context) error {
	base := int64(-1)
	for len(d.probed) < maxProbeUnits {
		pes, err := d.rd.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("demux: probe %s: %w", d.url, err)
		}
		d.probed = append(d.probed, pes)
		if pes.HasPTS && (base < 0 || pes.PTS < base) {
			base = pes.PTS
		}
		d.discover(pes)
		if d.allKnown() {
			break
		}
	}
	d.base = max(base, 0)

	if len(d.streams) == 0 {
		return fmt.Errorf("%w: %s", ErrNoStreams, d.url)
	}
	for i := range d.streams {
		if !d.streams[i].known {
			d.log.Warn("stream parameters not found while probing", "pid", d.streams[i].pid, "type", d.streams[i].streamType)
		}
	}
	return nil
}

func (d *tsDemuxer) allKnown() bool {
	if len(d.streams) == 0 {
		return false
	}
	for _, s := range d.streams {
		if !s.known {
			return false
		}
	}
	return true
}

// discover registers newly announced streams and fills in codec parameters
// from the first unit of each.
func (d *tsDemuxer) discover(pes *mpegts.PES) {
	for _, es := range d.rd.Streams()[len(d.streams):] {
		s := tsStream{pid: es.PID, streamType: es.StreamType}
		s.info = media.StreamInfo{Index: len(d.streams), Timescale: tsTimescale}
		switch es.StreamType {
		case mpegts.StreamTypeH264, mpegts.StreamTypeH265:
			s.info.Type = media.StreamVideo
			s.info.Codec = "avc1"
			if es.StreamType == mpegts.StreamTypeH265 {
				s.info.Codec = "hvc1"
			}
			s.info.Video = &media.VideoInfo{}
		case mpegts.StreamTypeAAC:
			s.info.Type = media.StreamAudio
			s.info.Codec = "mp4a.40.2"
		case mpegts.StreamTypeMPEG1Audio, mpegts.StreamTypeMPEG2Audio:
			s.info.Type = media.StreamAudio
			s.info.Codec = "mp3"
			s.info.Audio = &media.AudioInfo{SampleRate: 44100, Channels: 2, SampleSize: 16}
			s.known = true
		default:
			s.info.Type = media.StreamOther
			s.info.Codec = fmt.Sprintf("0x%02x", es.StreamType)
			s.known = true
		}
		d.streams = append(d.streams, s)
	}

	for i := range d.streams {
		s := &d.streams[i]
		if s.known || s.pid != pes.PID {
			continue
		}
		switch s.streamType {
		case mpegts.StreamTypeH264:
			for _, nal := range ParseAnnexB(pes.Data) {
				if nal.Type != NALTypeSPS {
					continue
				}
				sps, err := ParseSPS(nal.Data)
				if err != nil {
					d.log.Debug("bad SPS", "error", err)
					continue
				}
				s.info.Codec = sps.CodecString()
				s.info.Video = &media.VideoInfo{Width: sps.Width, Height: sps.Height}
				s.known = true
				break
			}
		case mpegts.StreamTypeH265:
			// No geometry without a full HEVC SPS parse; the renderer sizes
			// itself from the first frame.
			s.known = true
		case mpegts.StreamTypeAAC:
			frames, err := ParseADTS(pes.Data)
			if err != nil || len(frames) == 0 {
				continue
			}
			f := frames[0]
			s.info.Codec = f.CodecString()
			s.info.Audio = &media.AudioInfo{SampleRate: f.SampleRate, Channels: f.Channels, SampleSize: 16}
			s.known = true
		}
	}
}

func (d *tsDemuxer) Demux(ctx context.Context, streamIndex int) iter.Seq[Output] {
	return func(yield func(Output) bool) {
		if d.src == nil {
			d.log.Error("demux before load", "error", ErrNotLoaded)
			yield(eof)
			return
		}
		if streamIndex < 0 || streamIndex >= len(d.streams) {
			d.log.Error("demux", "error", ErrStreamIndex, "index", streamIndex)
			yield(eof)
			return
		}
		if !d.fresh {
			if err := d.reopen(ctx); err != nil {
				d.log.Error("reopen failed", "error", err)
				yield(eof)
				return
			}
		}
		d.fresh = false

		s := d.streams[streamIndex]
		pkt := d.packetizer(s)
		probed := d.probed
		d.probed = nil

		for {
			var pes *mpegts.PES
			if len(probed) > 0 {
				pes, probed = probed[0], probed[1:]
			} else {
				var err error
				pes, err = d.rd.Next(ctx)
				switch {
				case errors.Is(err, io.EOF):
					yield(eof)
					return
				case ctx.Err() != nil:
					return
				case err != nil:
					d.log.Warn("read failed, ending stream", "error", err)
					yield(eof)
					return
				}
			}
			if pes.PID != s.pid {
				continue
			}
			for _, p := range pkt(pes) {
				if !yield(Output{Packet: p}) {
					return
				}
			}
		}
	}
}

// reopen starts the source over for a second pass.
func (d *tsDemuxer) reopen(ctx context.Context) error {
	d.src.Close()
	src, err := d.opener.Open(ctx, d.url)
	if err != nil {
		return err
	}
	d.src = src
	d.rd = mpegts.NewReader(src, d.log)
	return nil
}

// packetizer returns the PES-to-packet conversion for s.
func (d *tsDemuxer) packetizer(s tsStream) func(*mpegts.PES) []*media.Packet {
	switch s.info.Type {
	case media.StreamVideo:
		var cc *captionDecoder
		if s.streamType == mpegts.StreamTypeH264 {
			cc = newCaptionDecoder()
		}
		return func(pes *mpegts.PES) []*media.Packet {
			return []*media.Packet{d.videoPacket(s, pes, cc)}
		}
	case media.StreamAudio:
		return func(pes *mpegts.PES) []*media.Packet {
			return d.audioPackets(s, pes)
		}
	default:
		return func(pes *mpegts.PES) []*media.Packet {
			return []*media.Packet{d.basePacket(s, pes)}
		}
	}
}

func (d *tsDemuxer) basePacket(s tsStream, pes *mpegts.PES) *media.Packet {
	return &media.Packet{
		StreamIndex: s.info.Index,
		Timescale:   tsTimescale,
		DTS:         pes.DecodeTime() - d.base,
		CTS:         pes.PTS - d.base,
		Data:        pes.Data,
		Untimed:     !pes.HasPTS,
	}
}

func (d *tsDemuxer) videoPacket(s tsStream, pes *mpegts.PES, cc *captionDecoder) *media.Packet {
	p := d.basePacket(s, pes)
	for _, nal := range ParseAnnexB(pes.Data) {
		if s.streamType == mpegts.StreamTypeH265 {
			// IRAP pictures are NAL types 16 through 21.
			if t := nal.Data[0] >> 1 & 0x3F; t >= 16 && t <= 21 {
				p.Keyframe = true
			}
			continue
		}
		switch nal.Type {
		case NALTypeIDR:
			p.Keyframe = true
		case NALTypeSEI:
			if cc != nil {
				p.Captions = append(p.Captions, cc.decode(nal.Data)...)
			}
		}
	}
	return p
}

func (d *tsDemuxer) audioPackets(s tsStream, pes *mpegts.PES) []*media.Packet {
	if s.streamType != mpegts.StreamTypeAAC {
		p := d.basePacket(s, pes)
		p.Keyframe = true
		return []*media.Packet{p}
	}
	frames, err := ParseADTS(pes.Data)
	if err != nil {
		d.log.Warn("failed to parse ADTS", "error", err)
	}
	pkts := make([]*media.Packet, 0, len(frames))
	for i, f := range frames {
		p := d.basePacket(s, pes)
		dur := int64(aacFrameSamples * tsTimescale / f.SampleRate)
		p.DTS += int64(i) * dur
		p.CTS += int64(i) * dur
		p.Duration = dur
		p.Data = f.Data
		p.Keyframe = true
		pkts = append(pkts, p)
	}
	return pkts
}

func (d *tsDemuxer) Close() error {
	if d.src == nil {
		return nil
	}
	err := d.src.Close()
	d.src = nil
	d.probed = nil
	return err
}
