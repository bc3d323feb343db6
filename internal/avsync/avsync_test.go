package avsync

import (
	"testing"
	"time"

	"github.com/zsiec/webvideo/internal/media"
	"github.com/zsiec/webvideo/internal/state"
)

type testFrame struct {
	media.Timing
	closed int
}

func (f *testFrame) Type() media.StreamType { return media.StreamVideo }
func (f *testFrame) Close()                 { f.closed++ }

func frameAt(ms int) *testFrame {
	return &testFrame{Timing: media.Timing{PTS: time.Duration(ms) * time.Millisecond, HasTimestamp: true}}
}

func untimed() *testFrame { return &testFrame{} }

func TestDecideBoundaries(t *testing.T) {
	t.Parallel()

	now := time.Second
	tests := []struct {
		ms   int
		want Decision
	}{
		{0, Drop},
		{899, Drop},
		{900, Present},
		{901, Present},
		{1000, Present},
		{1099, Present},
		{1100, Present},
		{1101, Hold},
		{5000, Hold},
	}
	for _, tt := range tests {
		if got := Decide(time.Duration(tt.ms)*time.Millisecond, now); got != tt.want {
			t.Errorf("ts=%dms: got %v, want %v", tt.ms, got, tt.want)
		}
	}
}

func TestDecideSubMillisecond(t *testing.T) {
	t.Parallel()

	now := time.Second
	if got := Decide(900*time.Millisecond-time.Microsecond, now); got != Drop {
		t.Errorf("1us past the late edge: got %v, want drop", got)
	}
	if got := Decide(1100*time.Millisecond+time.Microsecond, now); got != Hold {
		t.Errorf("1us past the early edge: got %v, want hold", got)
	}
}

func TestDecisionString(t *testing.T) {
	t.Parallel()

	for d, want := range map[Decision]string{Present: "present", Hold: "hold", Drop: "drop", Decision(9): "unknown"} {
		if got := d.String(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestQueueFlagToggles(t *testing.T) {
	t.Parallel()

	full := state.NewFlag(false)
	q := NewQueue(3, full, nil)

	for i := range 3 {
		q.Push(frameAt(i * 33))
		if full.Load() {
			t.Fatalf("flag set at len %d", q.Len())
		}
	}
	q.Push(frameAt(100))
	if !full.Load() {
		t.Fatal("flag not set at len max+1")
	}
	q.Push(frameAt(133))

	q.Pop() // 5 -> 4
	if !full.Load() {
		t.Fatal("flag cleared above the bound")
	}
	q.Pop() // 4 -> 3
	if !full.Load() {
		t.Fatal("flag cleared at the bound")
	}
	q.Pop() // 3 -> 2
	if full.Load() {
		t.Fatal("flag still set below the bound")
	}
	if q.Len() != 2 {
		t.Errorf("Len: got %d, want 2", q.Len())
	}
}

func TestQueuePopClosesFrames(t *testing.T) {
	t.Parallel()

	q := NewQueue(0, state.NewFlag(false), nil)
	if q.Max() != DefaultMaxFrames {
		t.Errorf("Max: got %d, want %d", q.Max(), DefaultMaxFrames)
	}
	a, b := frameAt(0), frameAt(33)
	q.Push(a)
	q.Push(b)
	if q.Front() != a {
		t.Fatal("Front is not the first pushed frame")
	}
	q.Pop()
	if a.closed != 1 || b.closed != 0 {
		t.Errorf("closed: got a=%d b=%d, want 1 0", a.closed, b.closed)
	}
	q.Drain()
	if b.closed != 1 || q.Len() != 0 || q.Front() != nil {
		t.Errorf("after Drain: b.closed=%d len=%d", b.closed, q.Len())
	}
	q.Pop() // empty pop is a no-op
}

func TestQueueDrainClearsFlag(t *testing.T) {
	t.Parallel()

	full := state.NewFlag(false)
	q := NewQueue(2, full, nil)
	for i := range 5 {
		q.Push(frameAt(i))
	}
	q.Drain()
	if full.Load() {
		t.Error("flag still set after Drain")
	}
}

func TestDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(10, state.NewFlag(false), nil)
	if q.Dequeue(time.Second) != nil {
		t.Fatal("empty queue returned a frame")
	}

	late, bad, onTime, early := frameAt(500), untimed(), frameAt(950), frameAt(1200)
	q.Push(late)
	q.Push(bad)
	q.Push(onTime)
	q.Push(early)

	if got := q.Dequeue(time.Second); got != onTime {
		t.Fatalf("got %v, want the 950ms frame", got)
	}
	if late.closed != 1 || bad.closed != 1 {
		t.Errorf("late and untimed frames should be released")
	}
	if q.Len() != 2 {
		t.Errorf("Len: got %d, want 2 (presented frame stays queued)", q.Len())
	}
	q.Pop()

	if got := q.Dequeue(time.Second); got != nil {
		t.Errorf("early frame presented: got %v", got)
	}
	if got := q.Dequeue(1150 * time.Millisecond); got != early {
		t.Errorf("got %v, want the 1200ms frame once within tolerance", got)
	}

	want := Stats{Presented: 2, DroppedLate: 1, DroppedUntimed: 1, HeldTicks: 1}
	if got := q.Stats(); got != want {
		t.Errorf("Stats: got %+v, want %+v", got, want)
	}
}

func TestDequeueDropsAllStale(t *testing.T) {
	t.Parallel()

	full := state.NewFlag(false)
	q := NewQueue(2, full, nil)
	for i := range 4 {
		q.Push(frameAt(i * 100))
	}
	if !full.Load() {
		t.Fatal("flag not set")
	}
	if got := q.Dequeue(10 * time.Second); got != nil {
		t.Errorf("got %v, want nil", got)
	}
	if q.Len() != 0 || full.Load() {
		t.Errorf("len=%d full=%v, want 0 false", q.Len(), full.Load())
	}
}
