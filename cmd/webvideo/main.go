package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/webvideo/internal/api"
	"github.com/zsiec/webvideo/internal/certs"
	"github.com/zsiec/webvideo/internal/config"
	"github.com/zsiec/webvideo/internal/decode"
	"github.com/zsiec/webvideo/internal/fetch"
	"github.com/zsiec/webvideo/internal/player"
	"github.com/zsiec/webvideo/internal/ringbuf"
	"github.com/zsiec/webvideo/internal/session"
)

var version = "dev"

const statsInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("WEBVIDEO_CONFIG"), "YAML config file")
	audioOut := flag.String("audio-out", "", "write rendered audio as interleaved f32le to this file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [url]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath, func(c *config.Config) {
		if u := flag.Arg(0); u != "" {
			c.URL = u
		}
	})
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	level, _ = cfg.Level()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var sink io.Writer
	if *audioOut != "" {
		f, err := os.Create(*audioOut)
		if err != nil {
			slog.Error("failed to open audio output", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		sink = f
	}

	opener := fetch.New(fetch.Options{
		HTTP3:       cfg.Fetch.HTTP3,
		InsecureTLS: cfg.Fetch.InsecureTLS,
		SRTLatency:  cfg.Fetch.SRTLatency,
	}, nil)
	defer opener.Close()

	a := &app{
		cfg: cfg,
		mgr: session.NewManager(nil),
		player: player.New(player.Config{
			URL:            cfg.URL,
			LogLevel:       level,
			MaxVideoFrames: cfg.Player.MaxVideoFrames,
			WaitTimeout:    cfg.Player.WaitTimeout,
			CloseTimeout:   cfg.Player.CloseTimeout,
			TickInterval:   cfg.Player.TickInterval,
			Demuxer:        cfg.DemuxerBackend(),
			Decoder:        decode.Backend(cfg.Player.Decoder),
			Opener:         opener,
			AudioRing: ringbuf.Options{
				BufLength:              cfg.Player.AudioBufferLength,
				ThresholdWaitBufLength: cfg.Player.AudioWaitThreshold,
			},
			AudioBaseLatency: cfg.Player.AudioBaseLatency,
			AudioSink:        sink,
		}, nil),
	}

	slog.Info("webvideo starting",
		"version", version,
		"url", cfg.URL,
		"demuxer", cfg.DemuxerBackend(),
		"api", cfg.API.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		cert, err := certs.Generate(certs.MaxValidity)
		if err != nil {
			slog.Error("failed to generate cert", "error", err)
			os.Exit(1)
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintHex(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		srv := api.NewServer(api.Config{
			Addr:  cfg.API.Addr,
			Cert:  cert,
			HTTP3: cfg.API.HTTP3,
		}, a.mgr, nil)
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	g.Go(func() error {
		// The process exits once playback ends, API included.
		defer cancel()
		return a.play(gctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("webvideo failed", "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    *config.Config
	mgr    *session.Manager
	player *player.Player
}

// play loads the source, registers it as a session and plays it until it
// ends or ctx is cancelled.
func (a *app) play(ctx context.Context) error {
	hooks := player.Hooks{
		OnStart: func(context.Context) error {
			slog.Info("loading", "url", a.cfg.URL)
			return nil
		},
		OnEnd: func(context.Context) error {
			slog.Info("buffered", "url", a.cfg.URL)
			return nil
		},
	}
	if err := a.player.Load(ctx, hooks); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	sess := a.mgr.Create(a.cfg.URL, a.player)
	defer func() {
		a.mgr.Remove(sess.ID)
		if err := a.player.Unload(context.Background(), player.Hooks{}); err != nil {
			slog.Warn("unload failed", "error", err)
		}
	}()

	if a.cfg.Player.Autoplay {
		if err := a.player.Play(ctx); err != nil {
			return fmt.Errorf("play: %w", err)
		}
	}

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.player.Ended():
			st := a.player.Stats()
			slog.Info("playback finished",
				"session", sess.ID,
				"position", st.Position,
				"presented", st.Sync.Presented,
				"dropped", st.Sync.DroppedLate+st.Sync.DroppedUntimed,
				"underruns", st.Underruns,
			)
			return nil
		case <-ticker.C:
			st := a.player.Stats()
			slog.Info("playback",
				"session", sess.ID,
				"state", st.State,
				"position", st.Position,
				"queued", st.QueuedFrames,
				"audio", st.BufferedAudio,
				"underruns", st.Underruns,
			)
		}
	}
}
