// Package avsync holds decoded video frames on the render goroutine and picks
// which one to show against the audio clock.
//
// The queue is bounded: pushing past the bound raises the shared
// videoBufferFull flag so the video decode thread stops handing over frames,
// and popping back under the bound clears it. The scheduler drops frames
// that are more than Tolerance late, holds frames more than Tolerance early,
// and presents anything in between. Both edges of the window present.
package avsync

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/webvideo/internal/media"
	"github.com/zsiec/webvideo/internal/state"
)

// Tolerance is the half-width of the presentation window.
const Tolerance = 100 * time.Millisecond

// DefaultMaxFrames is the queue bound used when none is configured.
const DefaultMaxFrames = 10

// Decision is the scheduler's verdict on one frame.
type Decision int

// Decisions.
const (
	Present Decision = iota
	Hold
	Drop
)

func (d Decision) String() string {
	switch d {
	case Present:
		return "present"
	case Hold:
		return "hold"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Decide classifies a frame with presentation time ts against the audio
// clock now.
func Decide(ts, now time.Duration) Decision {
	delta := ts - now
	switch {
	case delta < -Tolerance:
		return Drop
	case delta > Tolerance:
		return Hold
	default:
		return Present
	}
}

// Stats counts scheduler outcomes over a session.
type Stats struct {
	Presented      uint64 `json:"presented"`
	DroppedLate    uint64 `json:"droppedLate"`
	DroppedUntimed uint64 `json:"droppedUntimed"`
	HeldTicks      uint64 `json:"heldTicks"`
}

// Queue is the render-side video frame queue. It is owned by one goroutine;
// only Len and Stats may be called from others.
type Queue struct {
	log  *slog.Logger
	max  int
	full *state.Flag

	frames []media.Frame
	length atomic.Int64

	presented      atomic.Uint64
	droppedLate    atomic.Uint64
	droppedUntimed atomic.Uint64
	held           atomic.Uint64
}

// NewQueue creates a queue bounded by maxFrames that publishes its
// backpressure through full. A maxFrames of zero or less means
// DefaultMaxFrames. If log is nil, slog.Default() is used.
func NewQueue(maxFrames int, full *state.Flag, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	return &Queue{
		log:  log.With("component", "avsync"),
		max:  maxFrames,
		full: full,
	}
}

// Max returns the queue bound.
func (q *Queue) Max() int { return q.max }

// Len returns the number of queued frames.
func (q *Queue) Len() int { return int(q.length.Load()) }

// Push appends f and raises videoBufferFull once the queue is over its bound.
func (q *Queue) Push(f media.Frame) {
	q.frames = append(q.frames, f)
	q.length.Store(int64(len(q.frames)))
	if len(q.frames) > q.max {
		q.full.Store(true)
	}
}

// Front returns the head frame without removing it, or nil.
func (q *Queue) Front() media.Frame {
	if len(q.frames) == 0 {
		return nil
	}
	return q.frames[0]
}

// Pop removes and closes the head frame. videoBufferFull is cleared once the
// queue is back under its bound.
func (q *Queue) Pop() {
	if len(q.frames) == 0 {
		return
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.length.Store(int64(len(q.frames)))
	f.Close()
	if len(q.frames) < q.max {
		q.full.Store(false)
	}
}

// Drain pops every frame.
func (q *Queue) Drain() {
	for len(q.frames) > 0 {
		q.Pop()
	}
	q.frames = nil
}

// Dequeue returns the frame to present at audio clock now, or nil if nothing
// should be shown this tick. Untimed and late frames are popped on the way.
// The returned frame stays queued; the caller pops it after drawing.
func (q *Queue) Dequeue(now time.Duration) media.Frame {
	for len(q.frames) > 0 {
		f := q.frames[0]
		ts, ok := f.Timestamp()
		if !ok {
			q.droppedUntimed.Add(1)
			q.Pop()
			continue
		}
		switch Decide(ts, now) {
		case Drop:
			q.log.Debug("frame dropped", "pts", ts, "clock", now)
			q.droppedLate.Add(1)
			q.Pop()
		case Hold:
			q.held.Add(1)
			return nil
		default:
			q.presented.Add(1)
			return f
		}
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Presented:      q.presented.Load(),
		DroppedLate:    q.droppedLate.Load(),
		DroppedUntimed: q.droppedUntimed.Load(),
		HeldTicks:      q.held.Load(),
	}
}
