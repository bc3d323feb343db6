// Package player coordinates one playback session: it builds the shared
// state plane, starts the decode threads and renderers in order, prerolls
// until both buffers are full, and tears everything down again in an order
// that lets each decode thread finish its flush before it is terminated.
//
// The render loop runs on its own goroutine at display rate. It owns the
// video queue, takes frames from the video thread every tick, and runs the
// AV-sync scheduler against the audio device clock while playing. It never
// blocks on a shared cell.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/webvideo/internal/avsync"
	"github.com/zsiec/webvideo/internal/decode"
	"github.com/zsiec/webvideo/internal/demux"
	"github.com/zsiec/webvideo/internal/media"
	"github.com/zsiec/webvideo/internal/output"
	"github.com/zsiec/webvideo/internal/ringbuf"
	"github.com/zsiec/webvideo/internal/state"
)

var (
	// ErrAlreadyLoaded is returned by Load when a session is active.
	ErrAlreadyLoaded = errors.New("player: load already called")
	// ErrNotLoaded is returned by Unload without a prior Load.
	ErrNotLoaded = errors.New("player: load not called")
	// ErrNotReady is returned by Play and Pause before the renderers exist.
	ErrNotReady = errors.New("player: renderers not initialized")
)

// Defaults.
const (
	DefaultCloseTimeout = 5 * time.Second
	DefaultTickInterval = time.Second / 60
)

// Config configures a Player.
type Config struct {
	URL      string
	LogLevel slog.Level

	// MaxVideoFrames bounds the render-side video queue.
	MaxVideoFrames int
	// WaitTimeout bounds each backpressure wait in the decode threads.
	WaitTimeout time.Duration
	// CloseTimeout bounds the wait for each decode thread's acknowledgment.
	CloseTimeout time.Duration
	// TickInterval is the display refresh period.
	TickInterval time.Duration

	Demuxer demux.Backend
	Decoder decode.Backend
	Opener  demux.Opener

	// AudioRing sizes the audio ring; Channels follows the stream.
	AudioRing ringbuf.Options
	// AudioBaseLatency is the audio device's output latency.
	AudioBaseLatency time.Duration

	AudioSink io.Writer
	FrameSink output.FrameSink
}

func (c Config) withDefaults() Config {
	if c.MaxVideoFrames <= 0 {
		c.MaxVideoFrames = avsync.DefaultMaxFrames
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	return c
}

// Hooks run around Load and Unload. OnStart runs once the play state has
// changed, OnEnd once the work is done. Either may be nil.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnEnd   func(ctx context.Context) error
}

func (h Hooks) start(ctx context.Context) error {
	if h.OnStart == nil {
		return nil
	}
	return h.OnStart(ctx)
}

func (h Hooks) end(ctx context.Context) error {
	if h.OnEnd == nil {
		return nil
	}
	return h.OnEnd(ctx)
}

// Stats is a snapshot of a session.
type Stats struct {
	State         string            `json:"state"`
	Position      time.Duration     `json:"position"`
	QueuedFrames  int               `json:"queuedFrames"`
	BufferedAudio int               `json:"bufferedAudio"`
	Underruns     uint64            `json:"underruns"`
	Sync          avsync.Stats      `json:"sync"`
	Video         output.VideoStats `json:"video"`
	VideoStream   media.StreamInfo  `json:"videoStream"`
	AudioStream   media.StreamInfo  `json:"audioStream"`
	Ended         bool              `json:"ended"`
}

// Player is the controller-facing API. Load and Unload are serialized; the
// query methods may be called at any time from any goroutine.
type Player struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	loaded atomic.Bool
	sess   atomic.Pointer[session]
}

// New creates a player for cfg. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Player {
	if log == nil {
		log = slog.Default()
	}
	return &Player{
		cfg: cfg.withDefaults(),
		log: log.With("component", "player"),
	}
}

// LoadCalled reports whether Load has been called without a matching Unload.
func (p *Player) LoadCalled() bool {
	return p.loaded.Load()
}

// PlayState returns the current play state, Stopped when nothing is loaded.
func (p *Player) PlayState() state.PlayStateKind {
	s := p.sess.Load()
	if s == nil {
		return state.Stopped
	}
	return s.shared.PlayState.Load()
}

// CanPlay reports whether initial audio buffering has completed.
func (p *Player) CanPlay() bool {
	s := p.sess.Load()
	return s != nil && s.shared.AudioBufferFull.Load()
}

// Ended returns a channel closed once the loaded session has played every
// buffered frame and sample to the end of both streams. Without a session
// the channel never closes.
func (p *Player) Ended() <-chan struct{} {
	s := p.sess.Load()
	if s == nil {
		return nil
	}
	return s.ended
}

// Stats returns a snapshot of the loaded session.
func (p *Player) Stats() Stats {
	s := p.sess.Load()
	if s == nil {
		return Stats{State: state.Stopped.String()}
	}
	return s.stats()
}

// Play starts playback.
func (p *Player) Play(_ context.Context) error {
	s := p.sess.Load()
	if s == nil || s.device() == nil {
		return ErrNotReady
	}
	s.shared.PlayState.Store(state.Playing)
	return s.device().Start()
}

// Pause suspends playback; the audio clock stops with it.
func (p *Player) Pause(_ context.Context) error {
	s := p.sess.Load()
	if s == nil || s.device() == nil {
		return ErrNotReady
	}
	s.shared.PlayState.Store(state.Paused)
	s.device().Pause()
	return nil
}

// Load opens the configured URL and prerolls it. It returns once both
// buffers are full (or both streams ended), with the first frame drawn and
// the player Paused unless Play was called meanwhile. Any failure tears down
// what was started, leaves the player Stopped and allows Load to be called
// again.
func (p *Player) Load(ctx context.Context, hooks Hooks) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loaded.Swap(true) {
		return ErrAlreadyLoaded
	}

	s := newSession(p.cfg, p.log)
	s.shared.PlayState.Store(state.Buffering)
	p.sess.Store(s)

	err := hooks.start(ctx)
	if err == nil {
		err = s.start(ctx)
	}
	if err == nil {
		err = hooks.end(ctx)
	}
	if err != nil {
		s.shared.PlayState.Store(state.Stopped)
		s.teardown()
		p.sess.Store(nil)
		p.loaded.Store(false)
		return fmt.Errorf("player: load %s: %w", p.cfg.URL, err)
	}

	// A Play issued from OnEnd or by another goroutine already moved the
	// state on; only a session still buffering settles into Paused.
	s.shared.PlayState.CompareAndSwap(state.Buffering, state.Paused)
	s.log.Info("loaded", "video", s.videoStream.Codec, "audio", s.audioStream.Codec)
	return nil
}

// Unload stops playback and releases the session.
func (p *Player) Unload(ctx context.Context, hooks Hooks) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded.Swap(false) {
		return ErrNotLoaded
	}
	s := p.sess.Load()
	s.shared.PlayState.Store(state.Stopped)

	var errs []error
	if err := hooks.start(ctx); err != nil {
		errs = append(errs, err)
	}
	s.teardown()
	p.sess.Store(nil)
	if err := hooks.end(ctx); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("unloaded")
	return errors.Join(errs...)
}
