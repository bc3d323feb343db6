package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/zsiec/webvideo/internal/demux"
	"github.com/zsiec/webvideo/internal/media"
	"github.com/zsiec/webvideo/internal/ringbuf"
	"github.com/zsiec/webvideo/internal/state"
)

const shortSource = "testsrc://?duration=1s&fps=10&rate=8000&channels=1"

func plane(url string) *state.Shared {
	return state.NewShared(url, slog.LevelError)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func closeCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	c := Config{}.withDefaults()
	if c.Demuxer != demux.BackendTestSrc || c.Decoder != "passthrough" {
		t.Errorf("backends: got %q %q", c.Demuxer, c.Decoder)
	}
	if c.WaitTimeout != DefaultWaitTimeout {
		t.Errorf("WaitTimeout: got %v", c.WaitTimeout)
	}
	if c.Ring.BufLength != 128*400 || c.Ring.ThresholdWaitBufLength != 1024 {
		t.Errorf("Ring: got %+v", c.Ring)
	}
}

func TestConfigDefaultsSmallRing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ring ringbuf.Options
		want int
	}{
		{ringbuf.Options{BufLength: 512}, 0},
		{ringbuf.Options{BufLength: 2047}, 0},
		{ringbuf.Options{BufLength: 2048}, DefaultAudioWaitThresh},
		{ringbuf.Options{BufLength: 512, ThresholdWaitBufLength: 100}, 100},
	}
	for _, tt := range tests {
		c := Config{Ring: tt.ring}.withDefaults()
		if got := c.Ring.ThresholdWaitBufLength; got != tt.want {
			t.Errorf("BufLength %d: threshold got %d, want %d", tt.ring.BufLength, got, tt.want)
		}
	}
}

func TestVideoDecodesInOrder(t *testing.T) {
	t.Parallel()

	shared := plane(shortSource)
	v := NewVideo(Config{}, nil)
	s, err := v.Init(closeCtx(t), shared.Serialize())
	if err != nil {
		t.Fatal(err)
	}
	if s.Type != media.StreamVideo || s.Video.Width != 320 {
		t.Fatalf("stream: got %+v", s)
	}
	if err := v.Start(closeCtx(t)); err != nil {
		t.Fatal(err)
	}

	var last time.Duration = -1
	for i := range 10 {
		select {
		case f := <-v.Frames():
			ts, ok := f.Timestamp()
			if !ok || ts <= last {
				t.Fatalf("frame %d: ts %v after %v", i, ts, last)
			}
			last = ts
			f.Close()
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
	eventually(t, "video EOF", v.Ended)

	if err := v.Close(closeCtx(t), shared); err != nil {
		t.Errorf("Close: %v", err)
	}
	if !shared.VideoDecoderShouldBeDead.Load() {
		t.Error("Close did not raise the death flag")
	}
}

func TestVideoBackpressure(t *testing.T) {
	t.Parallel()

	shared := plane(shortSource)
	shared.VideoBufferFull.Store(true)

	v := NewVideo(Config{WaitTimeout: 50 * time.Millisecond}, nil)
	if _, err := v.Init(closeCtx(t), shared.Serialize()); err != nil {
		t.Fatal(err)
	}
	if err := v.Start(closeCtx(t)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-v.Frames():
		t.Fatal("frame handed over while videoBufferFull was set")
	case <-time.After(200 * time.Millisecond):
	}

	shared.VideoBufferFull.Store(false)
	select {
	case f := <-v.Frames():
		f.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("no frame after videoBufferFull cleared")
	}

	if err := v.Close(closeCtx(t), shared); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestVideoCloseWhileBlocked(t *testing.T) {
	t.Parallel()

	shared := plane(shortSource)
	shared.VideoBufferFull.Store(true)

	const timeout = 100 * time.Millisecond
	v := NewVideo(Config{WaitTimeout: timeout}, nil)
	if _, err := v.Init(closeCtx(t), shared.Serialize()); err != nil {
		t.Fatal(err)
	}
	if err := v.Start(closeCtx(t)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	if err := v.Close(closeCtx(t), shared); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > timeout+time.Second {
		t.Errorf("Close took %v, want about one wait timeout", elapsed)
	}
	select {
	case f := <-v.Frames():
		t.Errorf("frame %v handed over after shutdown", f)
	default:
	}
}

func TestCloseTimesOutWithoutDeathFlag(t *testing.T) {
	t.Parallel()

	shared := plane(shortSource)
	shared.VideoBufferFull.Store(true)

	v := NewVideo(Config{WaitTimeout: 200 * time.Millisecond}, nil)
	if _, err := v.Init(closeCtx(t), shared.Serialize()); err != nil {
		t.Fatal(err)
	}
	if err := v.Start(closeCtx(t)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// Without the death flag the decode loop never exits, so no ack.
	if err := v.close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
	v.terminate()

	if _, err := v.Init(closeCtx(t), shared.Serialize()); !errors.Is(err, ErrTerminated) {
		t.Errorf("Init after terminate: got %v, want ErrTerminated", err)
	}
}

func TestInitErrors(t *testing.T) {
	t.Parallel()

	bad := plane(shortSource).Serialize()
	bad.VideoBufferFull = nil

	tests := []struct {
		name   string
		cfg    Config
		h      state.Handles
		target error
	}{
		{"bad handles", Config{}, bad, state.ErrInvalidSegment},
		{"unknown demuxer", Config{Demuxer: "mp4box"}, plane(shortSource).Serialize(), demux.ErrUnknownBackend},
		{"bad url", Config{}, plane("testsrc://?fps=zero").Serialize(), nil},
		{"mpegts without opener", Config{Demuxer: demux.BackendMPEGTS}, plane("clip.ts").Serialize(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := NewVideo(tt.cfg, nil)
			defer v.terminate()
			_, err := v.Init(closeCtx(t), tt.h)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("got %v, want %v", err, tt.target)
			}
		})
	}
}

func TestStartBeforeInit(t *testing.T) {
	t.Parallel()

	a := NewAudio(Config{}, nil)
	port := make(chan ringbuf.InitParams, 1)
	if err := a.Start(closeCtx(t), port); err != nil {
		t.Fatal(err)
	}
	select {
	case <-port:
		t.Error("ring sent by an uninitialized thread")
	case <-time.After(50 * time.Millisecond):
	}
	if err := a.Close(closeCtx(t), plane("x")); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// consumer receives the ring from a started audio thread.
func consumer(t *testing.T, port <-chan ringbuf.InitParams) *ringbuf.Buffer {
	t.Helper()
	select {
	case p := <-port:
		ring, err := ringbuf.New(p, nil)
		if err != nil {
			t.Fatal(err)
		}
		return ring
	case <-time.After(5 * time.Second):
		t.Fatal("ring never sent")
		return nil
	}
}

func TestAudioFillsRing(t *testing.T) {
	t.Parallel()

	shared := plane(shortSource)
	a := NewAudio(Config{Ring: ringbuf.Options{BufLength: 20000, ThresholdWaitBufLength: 1024}}, nil)
	s, err := a.Init(closeCtx(t), shared.Serialize())
	if err != nil {
		t.Fatal(err)
	}
	if s.Audio.SampleRate != 8000 || s.Audio.Channels != 1 {
		t.Fatalf("stream: got %+v", s.Audio)
	}

	port := make(chan ringbuf.InitParams, 1)
	if err := a.Start(closeCtx(t), port); err != nil {
		t.Fatal(err)
	}
	ring := consumer(t, port)
	if ring.Options().Channels != 1 {
		t.Errorf("ring channels: got %d, want 1", ring.Options().Channels)
	}
	eventually(t, "audio EOF", a.Ended)

	if got := ring.AvailableRead(); got != 8000 {
		t.Errorf("samples in ring: got %d, want 8000", got)
	}
	if shared.AudioBufferFull.Load() {
		t.Error("audioBufferFull set with room to spare")
	}
	if err := a.Close(closeCtx(t), shared); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestAudioBackpressureAndShutdown(t *testing.T) {
	t.Parallel()

	const timeout = 100 * time.Millisecond
	shared := plane("testsrc://?duration=0&rate=8000&channels=2")
	a := NewAudio(Config{
		WaitTimeout: timeout,
		Ring:        ringbuf.Options{BufLength: 4096, ThresholdWaitBufLength: 1024},
	}, nil)
	if _, err := a.Init(closeCtx(t), shared.Serialize()); err != nil {
		t.Fatal(err)
	}
	port := make(chan ringbuf.InitParams, 1)
	if err := a.Start(closeCtx(t), port); err != nil {
		t.Fatal(err)
	}
	ring := consumer(t, port)

	// Nobody reads, so the producer fills the ring and parks.
	eventually(t, "audioBufferFull", shared.AudioBufferFull.Load)
	filled := ring.AvailableRead()
	if filled < 4096-1-1024 {
		t.Errorf("ring holds %d samples, want at least %d", filled, 4096-1-1024)
	}

	// Raise only the death flag: the producer must notice it within one
	// wait timeout even though no capacity ever frees.
	start := time.Now()
	shared.AudioDecoderShouldBeDead.Store(true)
	if err := a.close(closeCtx(t)); err != nil {
		t.Fatalf("close: %v", err)
	}
	a.terminate()
	if elapsed := time.Since(start); elapsed > timeout+time.Second {
		t.Errorf("shutdown took %v, want about one wait timeout", elapsed)
	}
	if got := ring.AvailableRead(); got != filled {
		t.Errorf("samples written after shutdown: %d -> %d", filled, got)
	}
}

func TestAudioSmallRingKeepsFlowing(t *testing.T) {
	t.Parallel()

	shared := plane("testsrc://?duration=0&rate=8000&channels=1")
	a := NewAudio(Config{Ring: ringbuf.Options{BufLength: 512}}, nil)
	if _, err := a.Init(closeCtx(t), shared.Serialize()); err != nil {
		t.Fatal(err)
	}
	port := make(chan ringbuf.InitParams, 1)
	if err := a.Start(closeCtx(t), port); err != nil {
		t.Fatal(err)
	}
	ring := consumer(t, port)
	if got := ring.Options().ThresholdWaitBufLength; got >= 511 {
		t.Fatalf("effective threshold %d does not fit a ring of 512", got)
	}

	// Several rings' worth must pass through; a stalled producer stops at
	// one.
	dst := [][]float32{make([]float32, 128)}
	read := 0
	eventually(t, "producer refills", func() bool {
		if ring.AvailableRead() >= 128 && ring.Read(dst, -1) {
			read += 128
		}
		return read >= 8*512
	})

	if err := a.Close(closeCtx(t), shared); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestAudioDropsRaggedFrame(t *testing.T) {
	t.Parallel()

	a := &Audio{thread: newThread("audio-decoder", Config{}, nil)}
	t.Cleanup(a.cancel)
	ring, err := ringbuf.New(ringbuf.Allocate(nil, ringbuf.Options{Channels: 2, BufLength: 256}), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.ring = ring
	dead := plane("x").AudioDecoderShouldBeDead

	ragged := &media.AudioFrame{SampleRate: 8000, Planes: [][]float32{make([]float32, 64), make([]float32, 10)}}
	if !a.pushSamples(ragged, dead) {
		t.Fatal("ragged frame stopped the decode loop")
	}
	if got := ring.AvailableRead(); got != 0 {
		t.Errorf("samples written from ragged frame: got %d, want 0", got)
	}

	good := &media.AudioFrame{SampleRate: 8000, Planes: [][]float32{make([]float32, 64), make([]float32, 64)}}
	if !a.pushSamples(good, dead) {
		t.Fatal("pushSamples: got false, want true")
	}
	if got := ring.AvailableRead(); got != 64 {
		t.Errorf("samples after good frame: got %d, want 64", got)
	}
}

func TestAudioResumesWhenDrained(t *testing.T) {
	t.Parallel()

	shared := plane("testsrc://?duration=0&rate=8000&channels=1")
	a := NewAudio(Config{Ring: ringbuf.Options{BufLength: 4096, ThresholdWaitBufLength: 1024}}, nil)
	if _, err := a.Init(closeCtx(t), shared.Serialize()); err != nil {
		t.Fatal(err)
	}
	port := make(chan ringbuf.InitParams, 1)
	if err := a.Start(closeCtx(t), port); err != nil {
		t.Fatal(err)
	}
	ring := consumer(t, port)
	eventually(t, "audioBufferFull", shared.AudioBufferFull.Load)

	// Drain enough to make the ring hungry; the producer refills it.
	dst := [][]float32{make([]float32, 2048)}
	if !ring.Read(dst, -1) {
		t.Fatal("read failed")
	}
	eventually(t, "refill", func() bool { return ring.AvailableRead() > 2048 })

	if err := a.Close(closeCtx(t), shared); err != nil {
		t.Errorf("Close: %v", err)
	}
	if shared.AudioBufferFull.Load() {
		t.Error("Close left audioBufferFull set")
	}
}
