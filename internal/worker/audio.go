package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zsiec/webvideo/internal/media"
	"github.com/zsiec/webvideo/internal/ringbuf"
	"github.com/zsiec/webvideo/internal/state"
)

// Audio is the coordinator's handle on the audio decode thread. Samples
// travel to the audio device through a ring whose lock cell is the plane's
// audioBufferFull flag, never over a channel.
type Audio struct {
	*thread

	// Owned by the thread goroutine.
	ring *ringbuf.Buffer
	port chan<- ringbuf.InitParams
}

// NewAudio starts an audio decode thread. If log is nil, slog.Default() is
// used.
func NewAudio(cfg Config, log *slog.Logger) *Audio {
	a := &Audio{thread: newThread("audio-decoder", cfg, log)}
	go a.run(a.handle)
	return a
}

// Init opens the source named by the plane behind h, allocates the ring and
// returns the audio stream's info.
func (a *Audio) Init(ctx context.Context, h state.Handles) (media.StreamInfo, error) {
	r, err := a.post(ctx, request{kind: reqInit, handles: h, reply: make(chan reply, 1)})
	return r.stream, err
}

// Start sends the ring's parameters to port and begins decoding.
func (a *Audio) Start(ctx context.Context, port chan<- ringbuf.InitParams) error {
	_, err := a.post(ctx, request{kind: reqDecode, port: port})
	return err
}

// Close asks the thread to stop and waits for its acknowledgment until ctx
// is done. The thread is terminated either way. audioBufferFull is cleared
// so a producer parked on the ring wakes.
func (a *Audio) Close(ctx context.Context, shared *state.Shared) error {
	shared.AudioDecoderShouldBeDead.Store(true)
	shared.AudioBufferFull.Store(false)
	err := a.close(ctx)
	a.terminate()
	return err
}

func (a *Audio) handle(req request) {
	switch req.kind {
	case reqInit:
		s, err := a.open(req.handles, media.StreamAudio)
		if err == nil {
			err = a.initRing(s)
		}
		req.reply <- reply{stream: s, err: err}
	case reqDecode:
		if a.decoder == nil || a.ring == nil {
			a.log.Error("decode requested", "error", ErrNotInitialized)
			return
		}
		a.port = req.port
		a.startLoop(a.decodeLoop)
	case reqClose:
		a.shutdown(req)
	}
}

// initRing allocates the ring around the plane's audioBufferFull cell.
func (a *Audio) initRing(s media.StreamInfo) error {
	opts := a.cfg.Ring
	opts.Channels = s.Audio.Channels
	ring, err := ringbuf.New(ringbuf.Allocate(a.shared.AudioBufferFull.Segment(), opts), a.log)
	if err != nil {
		return fmt.Errorf("%s: %w", a.name, err)
	}
	a.ring = ring
	return nil
}

func (a *Audio) decodeLoop() {
	select {
	case a.port <- a.ring.InitParams():
	case <-a.ctx.Done():
		return
	}

	dead := a.shared.AudioDecoderShouldBeDead
	for out := range a.decoder.Decode(a.ctx, a.stream.Index) {
		if dead.Load() {
			if out.Frame != nil {
				out.Frame.Close()
			}
			return
		}
		if out.EOF {
			a.log.Debug("eof detected")
			a.ended.Store(true)
			return
		}
		f, ok := out.Frame.(*media.AudioFrame)
		if !ok {
			if out.Frame != nil {
				out.Frame.Close()
			}
			continue
		}
		ok = a.pushSamples(f, dead)
		f.Close()
		if !ok {
			return
		}
	}
}

// pushSamples writes f into the ring, waiting for room as often as needed.
// It reports false if the death flag was seen while waiting. A frame the
// ring cannot take is dropped with a warning and decoding goes on.
func (a *Audio) pushSamples(f *media.AudioFrame, dead *state.Flag) bool {
	planes := f.Planes
	if ch := a.ring.Options().Channels; len(planes) > ch {
		planes = planes[:ch]
	}
	total := f.Samples()
	for ch, p := range planes {
		if len(p) != total {
			a.log.Warn("dropping ragged audio frame", "channel", ch, "plane", len(p), "samples", total)
			return true
		}
	}
	for off := 0; off < total; {
		for !a.ring.Writable() || a.ring.AvailableWrite() == 0 {
			a.ring.WaitForWritable(a.cfg.WaitTimeout)
			if dead.Load() || a.ctx.Err() != nil {
				return false
			}
		}
		if dead.Load() {
			return false
		}
		n := min(total-off, a.ring.AvailableWrite())
		chunk := make([][]float32, len(planes))
		for ch, p := range planes {
			chunk[ch] = p[off : off+n]
		}
		if !a.ring.Write(chunk, n) {
			a.log.Warn("ring rejected audio, dropping rest of frame", "written", off, "samples", total)
			return true
		}
		off += n
	}
	return true
}
