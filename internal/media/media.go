// Package media defines the stream metadata, packets and decoded frames that
// flow through the player, from demuxing through rendering.
package media

import (
	"sync"
	"time"
)

// StreamType classifies an elementary stream.
type StreamType string

// Stream types.
const (
	StreamVideo StreamType = "video"
	StreamAudio StreamType = "audio"
	StreamOther StreamType = "other"
)

// Info describes an opened container. It is copied by value across the
// thread boundary and never mutated after open.
type Info struct {
	Duration  int64
	Timescale int
	Streams   []StreamInfo
}

// Find returns the first stream of type t and whether one exists.
func (i Info) Find(t StreamType) (StreamInfo, bool) {
	for _, s := range i.Streams {
		if s.Type == t {
			return s, true
		}
	}
	return StreamInfo{}, false
}

// StreamInfo describes one elementary stream.
type StreamInfo struct {
	Index     int
	Type      StreamType
	Codec     string
	Timescale int
	Duration  int64
	Bitrate   int
	NbSamples int

	Video *VideoInfo
	Audio *AudioInfo
}

// VideoInfo holds picture geometry.
type VideoInfo struct {
	Width  int
	Height int
}

// AudioInfo holds PCM layout.
type AudioInfo struct {
	SampleRate int
	Channels   int
	SampleSize int
}

// Caption is one decoded caption cue carried alongside a video packet.
type Caption struct {
	Channel int
	Text    string
}

// Packet is one demuxed access unit. DTS, CTS and Duration are in
// Timescale units.
type Packet struct {
	StreamIndex int
	Timescale   int
	DTS         int64
	CTS         int64
	Duration    int64
	Data        []byte
	Keyframe    bool
	Untimed     bool // no presentation timestamp
	Captions    []Caption
}

// Time converts a timescale value to a duration.
func Time(v int64, timescale int) time.Duration {
	if timescale <= 0 {
		return 0
	}
	return time.Duration(v) * time.Second / time.Duration(timescale)
}

// PTS returns the packet's presentation time.
func (p *Packet) PTS() time.Duration {
	return Time(p.CTS, p.Timescale)
}

// Frame is a decoded unit ready for rendering. Close releases any resources
// the frame holds; it is safe to call more than once.
type Frame interface {
	Type() StreamType
	Timestamp() (time.Duration, bool)
	Duration() time.Duration
	Close()
}

// Timing is the presentation timing shared by every frame type.
type Timing struct {
	PTS          time.Duration
	HasTimestamp bool
	Length       time.Duration
}

// Timestamp returns the presentation time and whether the frame has one.
func (t Timing) Timestamp() (time.Duration, bool) {
	return t.PTS, t.HasTimestamp
}

// Duration returns how long the frame is presented.
func (t Timing) Duration() time.Duration {
	return t.Length
}

// VideoFrame is one decoded picture. Data holds the picture payload the
// active decoder produced.
type VideoFrame struct {
	Timing
	Codec       string
	CodedWidth  int
	CodedHeight int
	Keyframe    bool
	Data        []byte
	Captions    []Caption

	once    sync.Once
	release func()
}

// NewVideoFrame wraps data in a frame. release, if non-nil, runs once when
// the frame is closed.
func NewVideoFrame(t Timing, data []byte, release func()) *VideoFrame {
	return &VideoFrame{Timing: t, Data: data, release: release}
}

// Type implements Frame.
func (f *VideoFrame) Type() StreamType { return StreamVideo }

// Close releases the frame's payload.
func (f *VideoFrame) Close() {
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
		f.Data = nil
	})
}

// AudioFrame is a run of decoded PCM, one float32 plane per channel.
type AudioFrame struct {
	Timing
	SampleRate int
	Planes     [][]float32
}

// Type implements Frame.
func (f *AudioFrame) Type() StreamType { return StreamAudio }

// Channels returns the number of planes.
func (f *AudioFrame) Channels() int { return len(f.Planes) }

// Samples returns the number of samples per channel.
func (f *AudioFrame) Samples() int {
	if len(f.Planes) == 0 {
		return 0
	}
	return len(f.Planes[0])
}

// Close drops the sample planes.
func (f *AudioFrame) Close() { f.Planes = nil }
