// Package ringbuf implements the single-producer/single-consumer audio ring
// that carries decoded PCM from the audio decode thread to the audio device.
//
// The ring is laid out over shared segments: one float32 plane per channel,
// two index cells (read, write) and a lock cell. The producer is the only
// writer of the write index and the consumer the only writer of the read
// index, so the copy loops run without a mutex. One slot is always left empty
// to tell a full ring from an empty one.
//
// Writability is published through the lock cell (0 = writable, 1 = blocked)
// with two thresholds: a write that leaves the ring nearly full blocks the
// producer, and a read releases it only once the ring is hungry again.
package ringbuf

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/webvideo/internal/shm"
)

// ErrInvalidBufferSet is returned when the segments handed to New do not
// match the ring's options.
var ErrInvalidBufferSet = errors.New("ringbuf: invalid buffer set")

// Default ring geometry.
const (
	DefaultChannels  = 2
	DefaultBufLength = 128 * 1000
)

const (
	lockWritable int32 = 0
	lockBlocked  int32 = 1
)

// Options configures the ring geometry. Zero fields take the defaults.
// A ThresholdWaitBufLength above zero replaces both the high-water
// (BufLength*0.1) and low-water (BufLength*0.05) defaults.
type Options struct {
	Channels               int
	BufLength              int
	ThresholdWaitBufLength int
}

func (o Options) withDefaults() Options {
	if o.Channels <= 0 {
		o.Channels = DefaultChannels
	}
	if o.BufLength <= 0 {
		o.BufLength = DefaultBufLength
	}
	return o
}

// BufferSet holds the shared segments backing one ring.
type BufferSet struct {
	Bufs []*shm.Segment
	Lock *shm.Segment
	Idx  []*shm.Segment
}

// InitParams is everything another thread needs to open a view over an
// existing ring.
type InitParams struct {
	BufSet  BufferSet
	Options Options
}

// Allocate builds a fresh buffer set sized for opts. The lock cell is the
// caller's segment so the ring's writability can double as a state flag; a
// nil lock allocates a private one.
func Allocate(lock *shm.Segment, opts Options) InitParams {
	opts = opts.withDefaults()
	if lock == nil {
		lock = shm.New(shm.CellSize)
	}
	set := BufferSet{
		Bufs: make([]*shm.Segment, opts.Channels),
		Lock: lock,
		Idx:  []*shm.Segment{shm.New(shm.CellSize), shm.New(shm.CellSize)},
	}
	for ch := range set.Bufs {
		set.Bufs[ch] = shm.New(shm.CellSize * opts.BufLength)
	}
	return InitParams{BufSet: set, Options: opts}
}

// Buffer is one thread's view of a ring. Producer and consumer each hold
// their own Buffer over the same BufferSet.
type Buffer struct {
	set  BufferSet
	opts Options
	log  *slog.Logger

	bufs     [][]float32
	lock     shm.Cell
	readIdx  *shm.Segment
	writeIdx *shm.Segment
}

// New opens a view over the segments in p. It fails with an error wrapping
// ErrInvalidBufferSet if any segment has the wrong length or the wait
// threshold is not below the ring's capacity. If log is nil,
// slog.Default() is used.
func New(p InitParams, log *slog.Logger) (*Buffer, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := p.Options.withDefaults()
	set := p.BufSet

	if set.Lock.Len() != shm.CellSize {
		return nil, fmt.Errorf("%w: lock segment is %d bytes, want %d", ErrInvalidBufferSet, set.Lock.Len(), shm.CellSize)
	}
	if len(set.Idx) != 2 {
		return nil, fmt.Errorf("%w: %d index segments, want 2", ErrInvalidBufferSet, len(set.Idx))
	}
	for i, seg := range set.Idx {
		if seg.Len() != shm.CellSize {
			return nil, fmt.Errorf("%w: index segment %d is %d bytes, want %d", ErrInvalidBufferSet, i, seg.Len(), shm.CellSize)
		}
	}
	if opts.ThresholdWaitBufLength >= opts.BufLength-1 {
		return nil, fmt.Errorf("%w: wait threshold %d leaves no room in a ring of %d", ErrInvalidBufferSet, opts.ThresholdWaitBufLength, opts.BufLength)
	}
	if len(set.Bufs) != opts.Channels {
		return nil, fmt.Errorf("%w: %d planes for %d channels", ErrInvalidBufferSet, len(set.Bufs), opts.Channels)
	}

	b := &Buffer{
		set:      set,
		opts:     opts,
		log:      log.With("component", "ringbuf"),
		bufs:     make([][]float32, opts.Channels),
		lock:     shm.CellAt(set.Lock, 0),
		readIdx:  set.Idx[0],
		writeIdx: set.Idx[1],
	}
	for ch, seg := range set.Bufs {
		if seg.Len() != shm.CellSize*opts.BufLength {
			return nil, fmt.Errorf("%w: plane %d is %d bytes, want %d", ErrInvalidBufferSet, ch, seg.Len(), shm.CellSize*opts.BufLength)
		}
		b.bufs[ch] = seg.Float32s()
	}
	return b, nil
}

// InitParams returns the handles another thread needs to open a view over
// the same memory.
func (b *Buffer) InitParams() InitParams {
	return InitParams{BufSet: b.set, Options: b.opts}
}

// Options returns the effective ring options.
func (b *Buffer) Options() Options {
	return b.opts
}

// Writable reports whether the lock cell currently admits the producer.
func (b *Buffer) Writable() bool {
	return b.lock.Load() == lockWritable
}

func (b *Buffer) setWritable(w bool) {
	v := lockBlocked
	if w {
		v = lockWritable
	}
	b.lock.Store(v)
}

// WaitForWritable blocks until the ring is writable or timeout elapses and
// reports whether it is writable. Producers call it in a loop and check
// their shutdown flag between calls.
func (b *Buffer) WaitForWritable(timeout time.Duration) bool {
	return b.lock.WaitFor(func(v int32) bool { return v == lockWritable }, timeout)
}

// AvailableRead returns the number of samples per channel ready to read.
func (b *Buffer) AvailableRead() int {
	r := int(uint32(b.readIdx.LoadInt32(0)))
	w := int(uint32(b.writeIdx.LoadInt32(0)))
	if w >= r {
		return w - r
	}
	return b.opts.BufLength - (r - w)
}

// AvailableWrite returns the number of samples per channel that can be
// written without overtaking the reader.
func (b *Buffer) AvailableWrite() int {
	return b.opts.BufLength - 1 - b.AvailableRead()
}

// Full reports whether no slot is free.
func (b *Buffer) Full() bool {
	return b.AvailableWrite() <= 0
}

// NearlyFull reports whether free space has dropped below the high-water
// threshold.
func (b *Buffer) NearlyFull() bool {
	return float64(b.AvailableWrite()) < b.threshold(0.1)
}

// Hungry reports whether free space has grown past the low-water threshold.
func (b *Buffer) Hungry() bool {
	return float64(b.AvailableWrite()) > b.threshold(0.05)
}

func (b *Buffer) threshold(ratio float64) float64 {
	if b.opts.ThresholdWaitBufLength > 0 {
		return float64(b.opts.ThresholdWaitBufLength)
	}
	return float64(b.opts.BufLength) * ratio
}

func (b *Buffer) checkPlanes(op string, planes [][]float32, n int) bool {
	if len(planes) == 0 || len(planes) > b.opts.Channels {
		b.log.Error(op+" with wrong channel count", "planes", len(planes), "channels", b.opts.Channels)
		return false
	}
	for ch, p := range planes {
		if len(p) < n {
			b.log.Error(op+" plane shorter than length", "channel", ch, "plane", len(p), "length", n)
			return false
		}
	}
	return true
}

// Read copies n samples per channel out of the ring into dst and advances
// the read index. A negative n reads len(dst[0]). If fewer than n samples
// are available it logs, returns false and leaves the ring untouched.
// After a successful read the ring becomes writable once it is hungry.
func (b *Buffer) Read(dst [][]float32, n int) bool {
	if n < 0 && len(dst) > 0 {
		n = len(dst[0])
	}
	if !b.checkPlanes("read", dst, n) {
		return false
	}
	if avail := b.AvailableRead(); n > avail {
		b.log.Error("read out of range", "length", n, "available", avail)
		return false
	}

	r := int(uint32(b.readIdx.LoadInt32(0)))
	first := min(n, b.opts.BufLength-r)
	for ch, out := range dst {
		ring := b.bufs[ch]
		copy(out[:first], ring[r:r+first])
		copy(out[first:n], ring[:n-first])
	}

	b.readIdx.StoreInt32(0, int32((r+n)%b.opts.BufLength))
	b.setWritable(b.Hungry())
	return true
}

// Write copies n samples per channel from src into the ring and advances the
// write index. A negative n writes len(src[0]). If fewer than n slots are
// free it logs, returns false and leaves the ring untouched. After a
// successful write the ring blocks the producer once it is nearly full.
func (b *Buffer) Write(src [][]float32, n int) bool {
	if n < 0 && len(src) > 0 {
		n = len(src[0])
	}
	if !b.checkPlanes("write", src, n) {
		return false
	}
	if avail := b.AvailableWrite(); n > avail {
		b.log.Error("write out of range", "length", n, "available", avail)
		return false
	}

	w := int(uint32(b.writeIdx.LoadInt32(0)))
	first := min(n, b.opts.BufLength-w)
	for ch, in := range src {
		ring := b.bufs[ch]
		copy(ring[w:w+first], in[:first])
		copy(ring[:n-first], in[first:n])
	}

	b.writeIdx.StoreInt32(0, int32((w+n)%b.opts.BufLength))
	b.setWritable(!b.NearlyFull())
	return true
}
