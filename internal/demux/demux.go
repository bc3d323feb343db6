// Package demux splits a container into per-stream packet sequences.
//
// A [Demuxer] is opened with Load, which probes the source and reports the
// streams it carries, and then yields one stream's packets through Demux as
// a lazy iterator ending in an end-of-stream marker. Backends form a closed
// set selected by name with [New].
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/zsiec/webvideo/internal/media"
)

// Sentinel errors for demuxer setup and probing.
var (
	ErrUnknownBackend = errors.New("demux: unknown backend")
	ErrNoStreams      = errors.New("demux: no playable streams")
	ErrNotLoaded      = errors.New("demux: not loaded")
	ErrStreamIndex    = errors.New("demux: stream index out of range")
)

// Backend names a demuxer implementation.
type Backend string

// Available backends.
const (
	BackendMPEGTS  Backend = "mpegts"
	BackendTestSrc Backend = "testsrc"
)

// Output is one step of a demux sequence: a packet, or the end of the
// stream. Packet is nil when EOF is set.
type Output struct {
	Packet *media.Packet
	EOF    bool
}

// Demuxer produces packets for the streams of one source.
type Demuxer interface {
	// Load opens url and reports the streams it carries.
	Load(ctx context.Context, url string) (media.Info, error)
	// Demux yields the packets of one stream in decode order, then a
	// single EOF output. Read failures are logged and end the stream.
	Demux(ctx context.Context, streamIndex int) iter.Seq[Output]
	// Close releases the source.
	Close() error
}

// Opener opens the byte source behind a URL.
type Opener interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// New returns a demuxer for backend. The mpegts backend reads through
// opener; testsrc ignores it. If log is nil, slog.Default() is used.
func New(backend Backend, opener Opener, log *slog.Logger) (Demuxer, error) {
	if log == nil {
		log = slog.Default()
	}
	switch backend {
	case BackendMPEGTS:
		if opener == nil {
			return nil, fmt.Errorf("demux: %s backend needs an opener", backend)
		}
		return newTSDemuxer(opener, log), nil
	case BackendTestSrc:
		return newTestSource(log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// eof is the terminal output of every sequence.
var eof = Output{EOF: true}
