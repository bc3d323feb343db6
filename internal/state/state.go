// Package state implements the shared playback-state plane: the play-state
// machine and the boolean signal flags that the render goroutine and the
// decode threads exchange through shared memory.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/webvideo/internal/shm"
)

// ErrInvalidSegment is returned when a segment handed across the thread
// boundary cannot back a state cell.
var ErrInvalidSegment = errors.New("state: invalid shared segment")

// PlayStateKind is the value held by the play-state cell.
type PlayStateKind int32

// Play states. Seeking is reserved.
const (
	Stopped PlayStateKind = iota - 1
	Playing
	Paused
	Buffering
	Seeking
)

func (k PlayStateKind) String() string {
	switch k {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Buffering:
		return "buffering"
	case Seeking:
		return "seeking"
	default:
		return fmt.Sprintf("PlayStateKind(%d)", int32(k))
	}
}

func cellFromSegment(seg *shm.Segment) (shm.Cell, error) {
	if seg == nil {
		return shm.Cell{}, fmt.Errorf("%w: nil segment", ErrInvalidSegment)
	}
	if seg.Len() != shm.CellSize {
		return shm.Cell{}, fmt.Errorf("%w: byte length %d, want %d", ErrInvalidSegment, seg.Len(), shm.CellSize)
	}
	return shm.CellAt(seg, 0), nil
}

// PlayState is an atomic, waitable play-state cell.
type PlayState struct {
	cell shm.Cell
}

// NewPlayState allocates a play-state cell holding initial.
func NewPlayState(initial PlayStateKind) *PlayState {
	c := shm.CellAt(shm.New(shm.CellSize), 0)
	c.Segment().StoreInt32(0, int32(initial))
	return &PlayState{cell: c}
}

// PlayStateFromSegment rebuilds a PlayState over an existing segment.
func PlayStateFromSegment(seg *shm.Segment) (*PlayState, error) {
	c, err := cellFromSegment(seg)
	if err != nil {
		return nil, err
	}
	return &PlayState{cell: c}, nil
}

// Load returns the current play state.
func (p *PlayState) Load() PlayStateKind {
	return PlayStateKind(p.cell.Load())
}

// Store publishes k and wakes any goroutine waiting on the cell.
func (p *PlayState) Store(k PlayStateKind) {
	p.cell.Store(int32(k))
}

// CompareAndSwap moves the state from old to new, waking waiters, and
// reports whether the state held old.
func (p *PlayState) CompareAndSwap(old, new PlayStateKind) bool {
	return p.cell.CompareAndSwap(int32(old), int32(new))
}

// Wait blocks while the state equals k, for at most timeout.
func (p *PlayState) Wait(k PlayStateKind, timeout time.Duration) shm.WaitResult {
	return p.cell.Wait(int32(k), timeout)
}

// WaitFor sleeps until pred holds or timeout elapses.
func (p *PlayState) WaitFor(pred func(PlayStateKind) bool, timeout time.Duration) bool {
	return p.cell.WaitFor(func(v int32) bool { return pred(PlayStateKind(v)) }, timeout)
}

// Segment returns the backing segment for handoff to another thread.
func (p *PlayState) Segment() *shm.Segment {
	return p.cell.Segment()
}

const (
	flagFalse int32 = 0
	flagTrue  int32 = 1
)

func flagValue(b bool) int32 {
	if b {
		return flagTrue
	}
	return flagFalse
}

// Flag is an atomic, waitable boolean cell.
type Flag struct {
	cell shm.Cell
}

// NewFlag allocates a flag holding initial.
func NewFlag(initial bool) *Flag {
	c := shm.CellAt(shm.New(shm.CellSize), 0)
	c.Segment().StoreInt32(0, flagValue(initial))
	return &Flag{cell: c}
}

// FlagFromSegment rebuilds a Flag over an existing segment.
func FlagFromSegment(seg *shm.Segment) (*Flag, error) {
	c, err := cellFromSegment(seg)
	if err != nil {
		return nil, err
	}
	return &Flag{cell: c}, nil
}

// Load returns the flag value.
func (f *Flag) Load() bool {
	return f.cell.Load() == flagTrue
}

// Store publishes v and wakes any goroutine waiting on the flag.
func (f *Flag) Store(v bool) {
	f.cell.Store(flagValue(v))
}

// Wait blocks while the flag holds v, for at most timeout.
func (f *Flag) Wait(v bool, timeout time.Duration) shm.WaitResult {
	return f.cell.Wait(flagValue(v), timeout)
}

// WaitWhile sleeps while the flag holds v or until timeout elapses, and
// reports whether the flag has left v.
func (f *Flag) WaitWhile(v bool, timeout time.Duration) bool {
	want := flagValue(v)
	return f.cell.WaitFor(func(cur int32) bool { return cur != want }, timeout)
}

// Segment returns the backing segment for handoff to another thread.
func (f *Flag) Segment() *shm.Segment {
	return f.cell.Segment()
}

// Shared is the state plane one playback session shares across its render
// goroutine and decode threads.
type Shared struct {
	URL      string
	LogLevel slog.Level

	PlayState *PlayState

	VideoBufferFull *Flag
	AudioBufferFull *Flag

	VideoDecoderShouldBeDead *Flag
	AudioDecoderShouldBeDead *Flag
}

// NewShared allocates a fresh state plane in the Stopped state with all
// flags cleared.
func NewShared(url string, level slog.Level) *Shared {
	return &Shared{
		URL:                      url,
		LogLevel:                 level,
		PlayState:                NewPlayState(Stopped),
		VideoBufferFull:          NewFlag(false),
		AudioBufferFull:          NewFlag(false),
		VideoDecoderShouldBeDead: NewFlag(false),
		AudioDecoderShouldBeDead: NewFlag(false),
	}
}

// Handles is the serialized form of Shared that crosses the thread
// boundary. It carries segment handles, never copies of cell values.
type Handles struct {
	URL      string
	LogLevel slog.Level

	PlayState                *shm.Segment
	VideoBufferFull          *shm.Segment
	AudioBufferFull          *shm.Segment
	VideoDecoderShouldBeDead *shm.Segment
	AudioDecoderShouldBeDead *shm.Segment
}

// Serialize returns handles to the plane's backing segments.
func (s *Shared) Serialize() Handles {
	return Handles{
		URL:                      s.URL,
		LogLevel:                 s.LogLevel,
		PlayState:                s.PlayState.Segment(),
		VideoBufferFull:          s.VideoBufferFull.Segment(),
		AudioBufferFull:          s.AudioBufferFull.Segment(),
		VideoDecoderShouldBeDead: s.VideoDecoderShouldBeDead.Segment(),
		AudioDecoderShouldBeDead: s.AudioDecoderShouldBeDead.Segment(),
	}
}

// Deserialize rebuilds a state plane over the segments in h. Stores through
// the result are visible to the plane h was taken from, and vice versa.
func Deserialize(h Handles) (*Shared, error) {
	ps, err := PlayStateFromSegment(h.PlayState)
	if err != nil {
		return nil, fmt.Errorf("play state: %w", err)
	}

	s := &Shared{
		URL:       h.URL,
		LogLevel:  h.LogLevel,
		PlayState: ps,
	}

	flags := []struct {
		name string
		seg  *shm.Segment
		dst  **Flag
	}{
		{"videoBufferFull", h.VideoBufferFull, &s.VideoBufferFull},
		{"audioBufferFull", h.AudioBufferFull, &s.AudioBufferFull},
		{"videoDecoderShouldBeDead", h.VideoDecoderShouldBeDead, &s.VideoDecoderShouldBeDead},
		{"audioDecoderShouldBeDead", h.AudioDecoderShouldBeDead, &s.AudioDecoderShouldBeDead},
	}

	for _, f := range flags {
		flag, err := FlagFromSegment(f.seg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = flag
	}
	return s, nil
}

// Logger returns base filtered to the plane's log level, so every thread of
// a session logs at the level the session was created with.
func (s *Shared) Logger(base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return slog.New(&levelHandler{level: s.LogLevel, next: base.Handler()})
}

type levelHandler struct {
	level slog.Level
	next  slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level && h.next.Enabled(ctx, l)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithGroup(name)}
}
