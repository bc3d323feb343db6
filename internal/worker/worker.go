// Package worker runs the audio and video decode threads.
//
// Each thread is a goroutine with its own mailbox. The coordinator talks to
// it only through requests (init, decode, close) and the shared state plane:
// backpressure arrives through the buffer-full flags, shutdown through the
// should-be-dead flags. A thread blocked on backpressure wakes at least once
// per WaitTimeout to look at its death flag, so a shutdown request is seen
// within one timeout. Close is acknowledged only after the decode loop has
// exited and the decoder has been destroyed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/webvideo/internal/decode"
	"github.com/zsiec/webvideo/internal/demux"
	"github.com/zsiec/webvideo/internal/media"
	"github.com/zsiec/webvideo/internal/ringbuf"
	"github.com/zsiec/webvideo/internal/state"
)

var (
	// ErrNotInitialized is returned when decode is requested before init.
	ErrNotInitialized = errors.New("worker: thread not initialized")
	// ErrTerminated is returned for requests to a terminated thread.
	ErrTerminated = errors.New("worker: thread terminated")
)

// Defaults.
const (
	DefaultWaitTimeout     = 10 * time.Second
	DefaultAudioBufLength  = 128 * 400
	DefaultAudioWaitThresh = 1024
)

// Config configures a decode thread.
type Config struct {
	Demuxer demux.Backend
	Decoder decode.Backend
	// Opener fetches sources for demuxers that read bytes.
	Opener demux.Opener
	// WaitTimeout bounds every backpressure wait.
	WaitTimeout time.Duration
	// Ring sizes the audio ring. Channels always follows the stream.
	Ring ringbuf.Options
}

func (c Config) withDefaults() Config {
	if c.Demuxer == "" {
		c.Demuxer = demux.BackendTestSrc
	}
	if c.Decoder == "" {
		c.Decoder = decode.BackendPassthrough
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.Ring.BufLength <= 0 {
		c.Ring.BufLength = DefaultAudioBufLength
	}
	// Rings too small for the fixed threshold keep the proportional
	// high and low water marks.
	if c.Ring.ThresholdWaitBufLength <= 0 && c.Ring.BufLength >= 2*DefaultAudioWaitThresh {
		c.Ring.ThresholdWaitBufLength = DefaultAudioWaitThresh
	}
	return c
}

type requestKind int

const (
	reqInit requestKind = iota
	reqDecode
	reqClose
)

type request struct {
	kind    requestKind
	handles state.Handles
	port    chan<- ringbuf.InitParams
	reply   chan reply
}

type reply struct {
	stream media.StreamInfo
	err    error
}

// thread is the mailbox machinery shared by both decode threads.
type thread struct {
	name string
	cfg  Config
	base *slog.Logger
	log  *slog.Logger

	inbox  chan request
	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}

	// Owned by the thread goroutine.
	shared   *state.Shared
	decoder  decode.Decoder
	stream   media.StreamInfo
	decoding chan struct{}

	ended    atomic.Bool
	termOnce sync.Once
}

func newThread(name string, cfg Config, log *slog.Logger) *thread {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &thread{
		name:   name,
		cfg:    cfg.withDefaults(),
		base:   log,
		log:    log.With("component", name),
		inbox:  make(chan request, 4),
		ctx:    ctx,
		cancel: cancel,
		exited: make(chan struct{}),
	}
}

// run is the thread's message loop.
func (t *thread) run(handle func(request)) {
	defer close(t.exited)
	for {
		select {
		case <-t.ctx.Done():
			return
		case req := <-t.inbox:
			if t.ctx.Err() != nil {
				return
			}
			handle(req)
		}
	}
}

// post delivers req to the mailbox and waits for its reply, if any.
func (t *thread) post(ctx context.Context, req request) (reply, error) {
	select {
	case t.inbox <- req:
	case <-t.exited:
		return reply{}, ErrTerminated
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	if req.reply == nil {
		return reply{}, nil
	}
	select {
	case r := <-req.reply:
		return r, r.err
	case <-t.exited:
		return reply{}, ErrTerminated
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// open deserializes the plane and opens a decoder on its own demuxer.
func (t *thread) open(h state.Handles, kind media.StreamType) (media.StreamInfo, error) {
	shared, err := state.Deserialize(h)
	if err != nil {
		return media.StreamInfo{}, fmt.Errorf("%s: %w", t.name, err)
	}
	t.shared = shared
	t.log = shared.Logger(t.base).With("component", t.name)

	dmx, err := demux.New(t.cfg.Demuxer, t.cfg.Opener, t.log)
	if err != nil {
		return media.StreamInfo{}, err
	}
	dec, err := decode.New(t.cfg.Decoder, dmx, t.log)
	if err != nil {
		dmx.Close()
		return media.StreamInfo{}, err
	}
	info, err := dec.Open(t.ctx, shared.URL, kind)
	if err != nil {
		dec.Destroy(t.ctx)
		return media.StreamInfo{}, fmt.Errorf("%s: %w", t.name, err)
	}
	s, _ := info.Find(kind)
	t.decoder, t.stream = dec, s
	t.log.Info("stream opened", "index", s.Index, "codec", s.Codec)
	return s, nil
}

// startLoop runs loop in its own goroutine so the mailbox stays responsive.
func (t *thread) startLoop(loop func()) {
	done := make(chan struct{})
	t.decoding = done
	go func() {
		defer close(done)
		loop()
	}()
}

// shutdown waits for the decode loop, destroys the decoder and acks.
func (t *thread) shutdown(req request) {
	if t.decoding != nil {
		select {
		case <-t.decoding:
		case <-t.ctx.Done():
			return
		}
	}
	if t.decoder != nil {
		if err := t.decoder.Destroy(t.ctx); err != nil {
			t.log.Warn("decoder destroy failed", "error", err)
		}
		t.decoder = nil
	}
	t.log.Debug("closed")
	req.reply <- reply{}
}

// close requests an acknowledged shutdown. The death flag must already be
// set so the decode loop can exit.
func (t *thread) close(ctx context.Context) error {
	_, err := t.post(ctx, request{kind: reqClose, reply: make(chan reply, 1)})
	return err
}

// terminate abandons the thread without waiting for it.
func (t *thread) terminate() {
	t.termOnce.Do(t.cancel)
}

// Ended reports whether the decode loop reached end of stream.
func (t *thread) Ended() bool {
	return t.ended.Load()
}
