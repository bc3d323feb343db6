package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/zsiec/webvideo/internal/media"
	"github.com/zsiec/webvideo/internal/state"
)

// Video is the coordinator's handle on the video decode thread. Decoded
// frames are handed over on Frames; ownership passes to the receiver.
type Video struct {
	*thread
	frames chan media.Frame
}

// NewVideo starts a video decode thread. If log is nil, slog.Default() is
// used.
func NewVideo(cfg Config, log *slog.Logger) *Video {
	v := &Video{
		thread: newThread("video-decoder", cfg, log),
		frames: make(chan media.Frame, 1),
	}
	go v.run(v.handle)
	return v
}

// Frames delivers decoded frames in decode order.
func (v *Video) Frames() <-chan media.Frame {
	return v.frames
}

// Init opens the source named by the plane behind h and returns the video
// stream's info.
func (v *Video) Init(ctx context.Context, h state.Handles) (media.StreamInfo, error) {
	r, err := v.post(ctx, request{kind: reqInit, handles: h, reply: make(chan reply, 1)})
	return r.stream, err
}

// Start begins decoding.
func (v *Video) Start(ctx context.Context) error {
	_, err := v.post(ctx, request{kind: reqDecode})
	return err
}

// Close asks the thread to stop and waits for its acknowledgment until ctx
// is done. The thread is terminated either way.
func (v *Video) Close(ctx context.Context, shared *state.Shared) error {
	shared.VideoDecoderShouldBeDead.Store(true)
	err := v.close(ctx)
	v.terminate()
	return err
}

func (v *Video) handle(req request) {
	switch req.kind {
	case reqInit:
		s, err := v.open(req.handles, media.StreamVideo)
		req.reply <- reply{stream: s, err: err}
	case reqDecode:
		if v.decoder == nil {
			v.log.Error("decode requested", "error", ErrNotInitialized)
			return
		}
		v.startLoop(v.decodeLoop)
	case reqClose:
		v.shutdown(req)
	}
}

func (v *Video) decodeLoop() {
	dead := v.shared.VideoDecoderShouldBeDead
	full := v.shared.VideoBufferFull

	for out := range v.decoder.Decode(v.ctx, v.stream.Index) {
		if dead.Load() {
			if out.Frame != nil {
				out.Frame.Close()
			}
			return
		}
		if out.EOF {
			v.log.Debug("eof detected")
			v.ended.Store(true)
			return
		}
		f := out.Frame
		if f == nil || f.Type() != media.StreamVideo {
			if f != nil {
				f.Close()
			}
			continue
		}

		for full.Load() {
			full.WaitWhile(true, v.cfg.WaitTimeout)
			if dead.Load() || v.ctx.Err() != nil {
				f.Close()
				return
			}
		}
		if !v.handoff(f, dead) {
			return
		}
	}
}

// handoff passes f to the render goroutine. It gives up, releasing f, if the
// thread is terminated or the death flag is seen while waiting.
func (v *Video) handoff(f media.Frame, dead *state.Flag) bool {
	timer := time.NewTimer(v.cfg.WaitTimeout)
	defer timer.Stop()
	for {
		select {
		case v.frames <- f:
			return true
		case <-v.ctx.Done():
			f.Close()
			return false
		case <-timer.C:
			if dead.Load() {
				f.Close()
				return false
			}
			timer.Reset(v.cfg.WaitTimeout)
		}
	}
}
