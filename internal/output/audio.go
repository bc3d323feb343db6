// Package output holds the headless renderers: a software audio device that
// pulls PCM from the ring and serves as the master clock, and a video
// renderer that accepts the frames the scheduler picks.
package output

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/webvideo/internal/ringbuf"
	"github.com/zsiec/webvideo/internal/state"
)

// ErrDeviceClosed is returned when a closed device is started.
var ErrDeviceClosed = errors.New("output: audio device closed")

// Device defaults.
const (
	DefaultQuantum     = 128
	DefaultBaseLatency = 20 * time.Millisecond
	defaultPace        = 5 * time.Millisecond
)

// AudioOptions configures an AudioDevice.
type AudioOptions struct {
	SampleRate int
	Channels   int
	// Quantum is the number of frames rendered per callback.
	Quantum int
	// BaseLatency is subtracted from the rendered time to give the clock.
	// Zero means DefaultBaseLatency.
	BaseLatency time.Duration
	// Sink receives rendered audio as interleaved little-endian float32.
	// Nil discards it.
	Sink io.Writer
}

// AudioDevice renders quanta of audio from a ring buffer whose parameters
// arrive on its port. The device starts suspended; its clock only advances
// while running. Underruns render silence.
type AudioDevice struct {
	log  *slog.Logger
	opts AudioOptions

	port chan ringbuf.InitParams

	ring atomic.Pointer[ringbuf.Buffer]

	// Owned by the rendering goroutine.
	planes  [][]float32
	scratch []byte

	running   atomic.Bool
	closed    atomic.Bool
	rendered  atomic.Int64
	underruns atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewAudioDevice opens a device over the state plane behind h. If log is nil,
// slog.Default() is used.
func NewAudioDevice(h state.Handles, opts AudioOptions, log *slog.Logger) (*AudioDevice, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.SampleRate <= 0 || opts.Channels <= 0 {
		return nil, fmt.Errorf("output: invalid audio layout %d Hz %d ch", opts.SampleRate, opts.Channels)
	}
	if opts.Quantum <= 0 {
		opts.Quantum = DefaultQuantum
	}
	if opts.BaseLatency <= 0 {
		opts.BaseLatency = DefaultBaseLatency
	}
	shared, err := state.Deserialize(h)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	d := &AudioDevice{
		log:    shared.Logger(log).With("component", "audio-device"),
		opts:   opts,
		port:   make(chan ringbuf.InitParams, 1),
		planes: make([][]float32, opts.Channels),
		done:   make(chan struct{}),
	}
	for ch := range d.planes {
		d.planes[ch] = make([]float32, opts.Quantum)
	}
	return d, nil
}

// Port is where the audio decode thread sends the ring's parameters.
func (d *AudioDevice) Port() chan<- ringbuf.InitParams {
	return d.port
}

// Start resumes rendering.
func (d *AudioDevice) Start() error {
	if d.closed.Load() {
		return ErrDeviceClosed
	}
	d.running.Store(true)
	return nil
}

// Pause suspends rendering; the clock stops with it.
func (d *AudioDevice) Pause() {
	d.running.Store(false)
}

// Running reports whether the device is rendering.
func (d *AudioDevice) Running() bool {
	return d.running.Load()
}

// CurrentTime is the playback position of the audio heard so far.
func (d *AudioDevice) CurrentTime() time.Duration {
	t := time.Duration(d.rendered.Load()) * time.Second / time.Duration(d.opts.SampleRate)
	return max(t-d.opts.BaseLatency, 0)
}

// Underruns returns the number of quanta rendered as silence because the
// ring was empty or not yet attached.
func (d *AudioDevice) Underruns() uint64 {
	return d.underruns.Load()
}

// Buffered returns the samples waiting in the ring, or zero before one is
// attached.
func (d *AudioDevice) Buffered() int {
	ring := d.ring.Load()
	if ring == nil {
		return 0
	}
	return ring.AvailableRead()
}

// Drained reports whether less than one quantum is left in the ring.
func (d *AudioDevice) Drained() bool {
	return d.Buffered() < d.opts.Quantum
}

// attach picks up ring parameters sent to the port.
func (d *AudioDevice) attach() {
	select {
	case p := <-d.port:
		ring, err := ringbuf.New(p, d.log)
		if err != nil {
			d.log.Error("ring rejected", "error", err)
			return
		}
		if ch := ring.Options().Channels; ch != d.opts.Channels {
			d.log.Warn("ring channel count differs from device", "ring", ch, "device", d.opts.Channels)
		}
		d.ring.Store(ring)
		d.log.Debug("ring attached", "buf_length", ring.Options().BufLength)
	default:
	}
}

// Render produces one quantum if the device is running and reports whether
// it did.
func (d *AudioDevice) Render() bool {
	if d.closed.Load() {
		return false
	}
	d.attach()
	if !d.running.Load() {
		return false
	}

	n := d.opts.Quantum
	out := d.planes
	ring := d.ring.Load()
	if ring != nil && len(out) > ring.Options().Channels {
		out = out[:ring.Options().Channels]
	}
	if ring == nil || ring.AvailableRead() < n || !ring.Read(out, n) {
		for _, p := range d.planes {
			clear(p)
		}
		if d.underruns.Add(1) == 1 {
			d.log.Debug("underrun, rendering silence")
		}
	}
	d.emit(n)
	d.rendered.Add(int64(n))
	return true
}

func (d *AudioDevice) emit(n int) {
	if d.opts.Sink == nil {
		return
	}
	d.scratch = d.scratch[:0]
	for i := range n {
		for _, p := range d.planes {
			d.scratch = binary.LittleEndian.AppendUint32(d.scratch, math.Float32bits(p[i]))
		}
	}
	if _, err := d.opts.Sink.Write(d.scratch); err != nil {
		d.log.Warn("sink write failed, discarding audio", "error", err)
		d.opts.Sink = nil
	}
}

// Run renders in real time until ctx is done or the device is closed,
// catching up on quanta that fell due between ticks.
func (d *AudioDevice) Run(ctx context.Context) error {
	ticker := time.NewTicker(defaultPace)
	defer ticker.Stop()

	var (
		last    time.Time
		elapsed time.Duration
		due     int64
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.done:
			return nil
		case now := <-ticker.C:
			if !d.running.Load() {
				d.attach()
				last = time.Time{}
				continue
			}
			if !last.IsZero() {
				elapsed += now.Sub(last)
			}
			last = now
			due = int64(elapsed) * int64(d.opts.SampleRate) / int64(time.Second)
			for d.rendered.Load() < due {
				if !d.Render() {
					break
				}
			}
		}
	}
}

// Close stops the device. It is safe to call more than once.
func (d *AudioDevice) Close() error {
	d.closeOnce.Do(func() {
		d.running.Store(false)
		d.closed.Store(true)
		close(d.done)
		d.log.Debug("closed", "rendered", d.rendered.Load(), "underruns", d.underruns.Load())
	})
	return nil
}
