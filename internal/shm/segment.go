// Package shm models a block of memory shared between goroutines that act as
// independent threads. A Segment is addressed in 4-byte cells; each cell
// supports atomic load/store and a futex-style wait/notify, which is the only
// blocking primitive the player's decode threads use to coordinate.
//
// Any number of views may refer to one Segment. Views never copy: a store
// through one is observed by every other holder of the same segment.
package shm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// CellSize is the width in bytes of one addressable cell.
const CellSize = 4

// WaitResult reports why Wait returned.
type WaitResult int

// Wait outcomes, mirroring futex semantics.
const (
	WaitOK WaitResult = iota
	WaitNotEqual
	WaitTimedOut
)

func (r WaitResult) String() string {
	switch r {
	case WaitOK:
		return "ok"
	case WaitNotEqual:
		return "not-equal"
	case WaitTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("WaitResult(%d)", int(r))
	}
}

// Segment is a fixed-size, 4-byte aligned block of shared memory.
type Segment struct {
	words  []int32
	length int

	mu      sync.Mutex
	waiters map[int]chan struct{}
}

// New allocates a zeroed segment of byteLen bytes.
func New(byteLen int) *Segment {
	if byteLen < 0 {
		byteLen = 0
	}
	return &Segment{
		words:   make([]int32, (byteLen+CellSize-1)/CellSize),
		length:  byteLen,
		waiters: make(map[int]chan struct{}),
	}
}

// Len returns the segment size in bytes.
func (s *Segment) Len() int {
	if s == nil {
		return 0
	}
	return s.length
}

// Cells returns the number of whole 4-byte cells in the segment.
func (s *Segment) Cells() int {
	return s.Len() / CellSize
}

// Float32s returns a float32 view over the whole segment. Element access
// through the view is not atomic; publication must go through a cell.
func (s *Segment) Float32s() []float32 {
	n := s.Cells()
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&s.words[0])), n)
}

// LoadInt32 atomically reads cell i.
func (s *Segment) LoadInt32(i int) int32 {
	return atomic.LoadInt32(&s.words[i])
}

// StoreInt32 atomically writes cell i. It does not wake waiters; use Notify
// or a Cell for that.
func (s *Segment) StoreInt32(i int, v int32) {
	atomic.StoreInt32(&s.words[i], v)
}

// CompareAndSwapInt32 atomically replaces cell i with new if it holds old.
// Like StoreInt32 it does not wake waiters.
func (s *Segment) CompareAndSwapInt32(i int, old, new int32) bool {
	return atomic.CompareAndSwapInt32(&s.words[i], old, new)
}

// Notify wakes every goroutine blocked in Wait on cell i and reports whether
// any were waiting.
func (s *Segment) Notify(i int) bool {
	s.mu.Lock()
	ch, ok := s.waiters[i]
	if ok {
		delete(s.waiters, i)
	}
	s.mu.Unlock()

	if ok {
		close(ch)
	}
	return ok
}

// Wait blocks while cell i holds expected, until Notify is called for the
// cell or timeout elapses. A negative timeout waits forever. If the cell does
// not hold expected on entry, Wait returns WaitNotEqual immediately.
func (s *Segment) Wait(i int, expected int32, timeout time.Duration) WaitResult {
	s.mu.Lock()
	if atomic.LoadInt32(&s.words[i]) != expected {
		s.mu.Unlock()
		return WaitNotEqual
	}
	ch, ok := s.waiters[i]
	if !ok {
		ch = make(chan struct{})
		s.waiters[i] = ch
	}
	s.mu.Unlock()

	if timeout < 0 {
		<-ch
		return WaitOK
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return WaitOK
	case <-timer.C:
		return WaitTimedOut
	}
}

// Cell is a view of one 4-byte cell of a segment.
type Cell struct {
	seg   *Segment
	index int
}

// CellAt returns a view of cell i of seg.
func CellAt(seg *Segment, i int) Cell {
	return Cell{seg: seg, index: i}
}

// Segment returns the backing segment.
func (c Cell) Segment() *Segment {
	return c.seg
}

// Load atomically reads the cell.
func (c Cell) Load() int32 {
	return c.seg.LoadInt32(c.index)
}

// Store atomically writes the cell and wakes its waiters.
func (c Cell) Store(v int32) {
	c.seg.StoreInt32(c.index, v)
	c.seg.Notify(c.index)
}

// CompareAndSwap writes new if the cell holds old, waking its waiters on
// success, and reports whether it did.
func (c Cell) CompareAndSwap(old, new int32) bool {
	if !c.seg.CompareAndSwapInt32(c.index, old, new) {
		return false
	}
	c.seg.Notify(c.index)
	return true
}

// Wait blocks while the cell holds expected. See Segment.Wait.
func (c Cell) Wait(expected int32, timeout time.Duration) WaitResult {
	return c.seg.Wait(c.index, expected, timeout)
}

// WaitFor sleeps until pred holds for the cell value or timeout elapses, and
// returns the final predicate result. A negative timeout waits forever.
// Timing out is not an error: callers loop and re-check their own shutdown
// signal between calls.
func (c Cell) WaitFor(pred func(int32) bool, timeout time.Duration) bool {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		v := c.Load()
		if pred(v) {
			return true
		}
		remaining := time.Duration(-1)
		if timeout >= 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return false
			}
		}
		c.Wait(v, remaining)
	}
}
