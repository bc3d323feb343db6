// Package config loads the host process configuration: built-in defaults,
// then an optional YAML file, then environment overrides, then validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/webvideo/internal/decode"
	"github.com/zsiec/webvideo/internal/demux"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete host configuration.
type Config struct {
	URL      string       `yaml:"url"`
	LogLevel string       `yaml:"log_level"`
	Player   PlayerConfig `yaml:"player"`
	Fetch    FetchConfig  `yaml:"fetch"`
	API      APIConfig    `yaml:"api"`
}

// PlayerConfig tunes the playback pipeline.
type PlayerConfig struct {
	MaxVideoFrames     int           `yaml:"max_video_frames"`
	WaitTimeout        time.Duration `yaml:"wait_timeout"`
	CloseTimeout       time.Duration `yaml:"close_timeout"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	AudioBufferLength  int           `yaml:"audio_buffer_length"`
	AudioWaitThreshold int           `yaml:"audio_wait_threshold"`
	AudioBaseLatency   time.Duration `yaml:"audio_base_latency"`
	// Demuxer defaults to testsrc for testsrc:// URLs and mpegts otherwise.
	Demuxer  string `yaml:"demuxer"`
	Decoder  string `yaml:"decoder"`
	Autoplay bool   `yaml:"autoplay"`
}

// FetchConfig configures how sources are opened.
type FetchConfig struct {
	HTTP3       bool          `yaml:"http3"`
	InsecureTLS bool          `yaml:"insecure_tls"`
	SRTLatency  time.Duration `yaml:"srt_latency"`
}

// APIConfig configures the control API listeners.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	HTTP3   bool   `yaml:"http3"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Player: PlayerConfig{
			MaxVideoFrames:     10,
			WaitTimeout:        10 * time.Second,
			CloseTimeout:       5 * time.Second,
			TickInterval:       time.Second / 60,
			AudioBufferLength:  128 * 400,
			AudioWaitThreshold: 1024,
			AudioBaseLatency:   20 * time.Millisecond,
			Decoder:            string(decode.BackendPassthrough),
			Autoplay:           true,
		},
		Fetch: FetchConfig{
			SRTLatency: 120 * time.Millisecond,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    ":4444",
			HTTP3:   true,
		},
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// environment, then overrides, and validates the result.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	c := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()
		if err := c.Decode(f); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := c.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Decode overlays YAML from r. Unknown keys are rejected; an empty document
// changes nothing.
func (c *Config) Decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(c)
}

// ApplyEnv overrides fields from the environment read through getenv.
// DEBUG forces debug logging.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	envOr := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	c.URL = envOr("WEBVIDEO_URL", c.URL)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	if getenv("DEBUG") != "" {
		c.LogLevel = "debug"
	}
	c.API.Addr = envOr("API_ADDR", c.API.Addr)
	c.Player.Demuxer = envOr("WEBVIDEO_DEMUXER", c.Player.Demuxer)

	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"API_ENABLED", &c.API.Enabled},
		{"FETCH_HTTP3", &c.Fetch.HTTP3},
		{"FETCH_INSECURE_TLS", &c.Fetch.InsecureTLS},
		{"WEBVIDEO_AUTOPLAY", &c.Player.Autoplay},
	} {
		v := getenv(b.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, b.key, v, err)
		}
		*b.dst = parsed
	}
	return nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.URL == "" {
		bad("url is required")
	} else if _, err := url.Parse(c.URL); err != nil {
		bad("url: %v", err)
	}
	if _, err := c.Level(); err != nil {
		bad("log_level %q", c.LogLevel)
	}

	p := c.Player
	if p.MaxVideoFrames <= 0 {
		bad("player.max_video_frames %d must be positive", p.MaxVideoFrames)
	}
	for name, d := range map[string]time.Duration{
		"player.wait_timeout":  p.WaitTimeout,
		"player.close_timeout": p.CloseTimeout,
		"player.tick_interval": p.TickInterval,
	} {
		if d <= 0 {
			bad("%s %v must be positive", name, d)
		}
	}
	if p.AudioBaseLatency < 0 {
		bad("player.audio_base_latency %v is negative", p.AudioBaseLatency)
	}
	if p.AudioBufferLength <= 1 {
		bad("player.audio_buffer_length %d must exceed 1", p.AudioBufferLength)
	}
	// The ring holds at most length-1 samples; a threshold at or above that
	// keeps the producer blocked forever.
	if p.AudioWaitThreshold < 0 || p.AudioWaitThreshold >= p.AudioBufferLength-1 {
		bad("player.audio_wait_threshold %d must be in [0, %d)", p.AudioWaitThreshold, p.AudioBufferLength-1)
	}
	switch demux.Backend(p.Demuxer) {
	case "", demux.BackendMPEGTS, demux.BackendTestSrc:
	default:
		bad("player.demuxer %q", p.Demuxer)
	}
	switch decode.Backend(p.Decoder) {
	case "", decode.BackendPassthrough:
	default:
		bad("player.decoder %q", p.Decoder)
	}

	if c.Fetch.SRTLatency < 0 {
		bad("fetch.srt_latency %v is negative", c.Fetch.SRTLatency)
	}
	if c.API.Enabled && c.API.Addr == "" {
		bad("api.addr is required when the API is enabled")
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}

// DemuxerBackend resolves the demuxer for URL.
func (c *Config) DemuxerBackend() demux.Backend {
	if c.Player.Demuxer != "" {
		return demux.Backend(c.Player.Demuxer)
	}
	if u, err := url.Parse(c.URL); err == nil && u.Scheme == "testsrc" {
		return demux.BackendTestSrc
	}
	return demux.BackendMPEGTS
}
