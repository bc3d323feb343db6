package output

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/webvideo/internal/media"
)

// FrameSink receives every frame the renderer draws. The frame is only
// valid for the duration of the call.
type FrameSink interface {
	DrawFrame(f *media.VideoFrame)
}

// VideoStats describes what a VideoRenderer has drawn.
type VideoStats struct {
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Drawn    uint64        `json:"drawn"`
	LastPTS  time.Duration `json:"lastPts"`
	Captions uint64        `json:"captions"`
	Caption  string        `json:"caption,omitempty"`
}

// VideoRenderer is the headless stand-in for a display surface. It is sized
// from the stream info and records what it is asked to draw. Draw and Clear
// are called from the render goroutine; Stats may be called from anywhere.
type VideoRenderer struct {
	log  *slog.Logger
	sink FrameSink

	mu    sync.Mutex
	stats VideoStats
}

// NewVideoRenderer creates a renderer sized for s. sink may be nil. If log is
// nil, slog.Default() is used.
func NewVideoRenderer(s media.StreamInfo, sink FrameSink, log *slog.Logger) *VideoRenderer {
	if log == nil {
		log = slog.Default()
	}
	r := &VideoRenderer{
		log:  log.With("component", "video-renderer"),
		sink: sink,
	}
	if s.Video != nil {
		r.stats.Width, r.stats.Height = s.Video.Width, s.Video.Height
	}
	return r
}

// Draw presents f. Frames that are not video are ignored.
func (r *VideoRenderer) Draw(f media.Frame) {
	vf, ok := f.(*media.VideoFrame)
	if !ok {
		return
	}
	pts, _ := vf.Timestamp()

	r.mu.Lock()
	r.stats.Drawn++
	r.stats.LastPTS = pts
	if r.stats.Width == 0 && vf.CodedWidth > 0 {
		r.stats.Width, r.stats.Height = vf.CodedWidth, vf.CodedHeight
	}
	for _, c := range vf.Captions {
		r.stats.Captions++
		r.stats.Caption = c.Text
		r.log.Info("caption", "channel", c.Channel, "text", c.Text, "pts", pts)
	}
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.DrawFrame(vf)
	}
}

// Clear blanks the surface.
func (r *VideoRenderer) Clear() {
	r.mu.Lock()
	r.stats.Caption = ""
	r.mu.Unlock()
}

// Stats returns a snapshot of the renderer's counters.
func (r *VideoRenderer) Stats() VideoStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
