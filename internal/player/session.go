package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/webvideo/internal/avsync"
	"github.com/zsiec/webvideo/internal/media"
	"github.com/zsiec/webvideo/internal/output"
	"github.com/zsiec/webvideo/internal/state"
	"github.com/zsiec/webvideo/internal/worker"
)

// session is everything one Load builds and one Unload tears down.
type session struct {
	cfg    Config
	log    *slog.Logger
	shared *state.Shared

	video *worker.Video
	audio *worker.Audio
	queue *avsync.Queue

	// Guards the renderers and stream info, which appear partway through
	// start while queries may already be running.
	mu          sync.RWMutex
	vr          *output.VideoRenderer
	dev         *output.AudioDevice
	videoStream media.StreamInfo
	audioStream media.StreamInfo

	group  *errgroup.Group
	cancel context.CancelFunc

	prerolled chan struct{}
	ended     chan struct{}
	endOnce   sync.Once
}

func newSession(cfg Config, log *slog.Logger) *session {
	shared := state.NewShared(cfg.URL, cfg.LogLevel)
	return &session{
		cfg:       cfg,
		log:       shared.Logger(log),
		shared:    shared,
		prerolled: make(chan struct{}),
		ended:     make(chan struct{}),
	}
}

func (s *session) workerConfig() worker.Config {
	return worker.Config{
		Demuxer:     s.cfg.Demuxer,
		Decoder:     s.cfg.Decoder,
		Opener:      s.cfg.Opener,
		WaitTimeout: s.cfg.WaitTimeout,
		Ring:        s.cfg.AudioRing,
	}
}

func (s *session) device() *output.AudioDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dev
}

// start initializes both decode threads, then the renderers, starts decoding
// and blocks until preroll completes.
func (s *session) start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := s.shared.Serialize()

	s.video = worker.NewVideo(s.workerConfig(), s.log)
	vs, err := s.video.Init(ctx, h)
	if err != nil {
		return fmt.Errorf("video init: %w", err)
	}
	s.audio = worker.NewAudio(s.workerConfig(), s.log)
	as, err := s.audio.Init(ctx, h)
	if err != nil {
		return fmt.Errorf("audio init: %w", err)
	}

	dev, err := output.NewAudioDevice(h, output.AudioOptions{
		SampleRate:  as.Audio.SampleRate,
		Channels:    as.Audio.Channels,
		BaseLatency: s.cfg.AudioBaseLatency,
		Sink:        s.cfg.AudioSink,
	}, s.log)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.queue = avsync.NewQueue(s.cfg.MaxVideoFrames, s.shared.VideoBufferFull, s.log)
	s.videoStream, s.audioStream = vs, as
	s.vr = output.NewVideoRenderer(vs, s.cfg.FrameSink, s.log)
	s.dev = dev
	s.mu.Unlock()

	gctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(gctx)
	s.group, s.cancel = g, cancel
	g.Go(func() error { return dev.Run(gctx) })
	g.Go(func() error { return s.renderLoop(gctx) })

	if err := s.video.Start(ctx); err != nil {
		return fmt.Errorf("video start: %w", err)
	}
	if err := s.audio.Start(ctx, dev.Port()); err != nil {
		return fmt.Errorf("audio start: %w", err)
	}

	select {
	case <-s.prerolled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// renderLoop runs once per display tick until ctx is done. It moves frames
// from the video thread into the queue, completes preroll, presents frames
// against the audio clock while playing and detects the end of playback.
func (s *session) renderLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	defer s.queue.Drain()

	prerolling := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		s.intake()

		if prerolling && s.prerollDone() {
			prerolling = false
			if f := s.queue.Front(); f != nil {
				s.vr.Draw(f)
			}
			close(s.prerolled)
			s.log.Debug("preroll complete", "frames", s.queue.Len(), "audio", s.dev.Buffered())
		}

		if s.shared.PlayState.Load() == state.Playing {
			if f := s.queue.Dequeue(s.dev.CurrentTime()); f != nil {
				s.vr.Draw(f)
				s.queue.Pop()
			}
			if s.finished() {
				s.endOnce.Do(func() {
					s.log.Info("playback ended", "position", s.dev.CurrentTime())
					close(s.ended)
				})
			}
		}
	}
}

// intake moves every frame waiting on the video thread's channel into the
// queue without blocking.
func (s *session) intake() {
	for {
		select {
		case f := <-s.video.Frames():
			s.queue.Push(f)
		default:
			return
		}
	}
}

// prerollDone reports whether Load may return: the play state left Buffering
// or each buffer is either full or its stream has ended.
func (s *session) prerollDone() bool {
	if s.shared.PlayState.Load() != state.Buffering {
		return true
	}
	videoReady := s.shared.VideoBufferFull.Load() || s.video.Ended()
	audioReady := s.shared.AudioBufferFull.Load() || s.audio.Ended()
	return videoReady && audioReady
}

func (s *session) finished() bool {
	return s.video.Ended() && s.audio.Ended() &&
		s.queue.Len() == 0 && len(s.video.Frames()) == 0 &&
		s.dev.Drained()
}

// teardown releases everything start created, in reverse dependency order.
// It tolerates a partially started session.
func (s *session) teardown() {
	s.mu.RLock()
	vr, dev := s.vr, s.dev
	s.mu.RUnlock()

	// Raised first so that a decode thread woken by the drain below exits
	// instead of producing more.
	s.shared.VideoDecoderShouldBeDead.Store(true)
	s.shared.AudioDecoderShouldBeDead.Store(true)

	if vr != nil {
		vr.Clear()
	}
	// Stopping the render loop drains the queue, which clears videoBufferFull.
	if s.cancel != nil {
		s.cancel()
		if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("render loop failed", "error", err)
		}
	}
	if s.video != nil {
		drainFrames(s.video.Frames())
	}
	if dev != nil {
		dev.Close()
	}

	if s.video != nil {
		s.closeThread("video", func(ctx context.Context) error { return s.video.Close(ctx, s.shared) })
		drainFrames(s.video.Frames())
	}
	if s.audio != nil {
		s.closeThread("audio", func(ctx context.Context) error { return s.audio.Close(ctx, s.shared) })
	}
}

// drainFrames releases frames handed over after the render loop stopped.
func drainFrames(ch <-chan media.Frame) {
	for {
		select {
		case f := <-ch:
			f.Close()
		default:
			return
		}
	}
}

func (s *session) closeThread(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.log.Warn("decode thread did not acknowledge close", "thread", name, "error", err)
	}
}

func (s *session) stats() Stats {
	st := Stats{State: s.shared.PlayState.Load().String()}
	select {
	case <-s.ended:
		st.Ended = true
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	st.VideoStream, st.AudioStream = s.videoStream, s.audioStream
	if s.vr != nil {
		st.Video = s.vr.Stats()
	}
	if s.dev != nil {
		st.Position = s.dev.CurrentTime()
		st.BufferedAudio = s.dev.Buffered()
		st.Underruns = s.dev.Underruns()
	}
	if s.queue != nil {
		st.QueuedFrames = s.queue.Len()
		st.Sync = s.queue.Stats()
	}
	return st
}
