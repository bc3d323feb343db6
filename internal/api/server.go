// Package api serves the REST control API for playback sessions over HTTPS,
// and over HTTP/3 when enabled.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/webvideo/internal/certs"
	"github.com/zsiec/webvideo/internal/player"
	"github.com/zsiec/webvideo/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Config configures a Server.
type Config struct {
	Addr  string
	Cert  *certs.Cert
	HTTP3 bool
}

// SessionInfo is the JSON view of a session.
type SessionInfo struct {
	ID        string       `json:"id"`
	URL       string       `json:"url"`
	StartedAt time.Time    `json:"startedAt"`
	Stats     player.Stats `json:"stats"`
}

type certResponse struct {
	Fingerprint string    `json:"fingerprint"`
	NotAfter    time.Time `json:"notAfter"`
}

// Server exposes a session manager over HTTP.
type Server struct {
	cfg Config
	mgr *session.Manager
	log *slog.Logger
	h3  *http3.Server
}

// NewServer creates a server for mgr. If log is nil, slog.Default() is used.
func NewServer(cfg Config, mgr *session.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg: cfg,
		mgr: mgr,
		log: log.With("component", "api"),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("POST /api/sessions/{id}/play", s.handleControl((session.Player).Play))
	mux.HandleFunc("POST /api/sessions/{id}/pause", s.handleControl((session.Player).Pause))
	mux.HandleFunc("GET /api/cert", s.handleCert)
	return s.altSvc(corsMiddleware(mux))
}

// Start serves until ctx is cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Cert == nil {
		return errors.New("api: no certificate")
	}
	if s.cfg.HTTP3 {
		s.h3 = &http3.Server{
			Addr:       s.cfg.Addr,
			TLSConfig:  http3.ConfigureTLSConfig(s.cfg.Cert.TLSConfig()),
			QUICConfig: &quic.Config{MaxIdleTimeout: 30 * time.Second},
		}
	}
	handler := s.Handler()
	tcp := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           handler,
		TLSConfig:         s.cfg.Cert.TLSConfig("h2", "http/1.1"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("HTTPS API listening", "addr", s.cfg.Addr)
		if err := tcp.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api: https: %w", err)
		}
		return nil
	})
	if s.h3 != nil {
		s.h3.Handler = handler
		g.Go(func() error {
			s.log.Info("HTTP/3 API listening", "addr", s.cfg.Addr)
			err := s.h3.ListenAndServe()
			if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("api: http3: %w", err)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if s.h3 != nil {
			s.h3.Close()
		}
		return tcp.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// altSvc advertises the HTTP/3 endpoint on TCP responses.
func (s *Server) altSvc(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.h3 != nil && r.ProtoMajor < 3 {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("alt-svc unavailable", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func info(sess *session.Session) SessionInfo {
	return SessionInfo{
		ID:        sess.ID,
		URL:       sess.URL,
		StartedAt: sess.StartedAt,
		Stats:     sess.Player.Stats(),
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	sessions := s.mgr.List()
	resp := make([]SessionInfo, len(sessions))
	for i, sess := range sessions {
		resp[i] = info(sess)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info(sess))
}

func (s *Server) handleControl(op func(session.Player, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		sess, ok := s.mgr.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if err := op(sess.Player, r.Context()); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, player.ErrNotReady) {
				code = http.StatusConflict
			}
			s.log.Warn("control request failed", "id", id, "path", r.URL.Path, "error", err)
			writeError(w, code, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, info(sess))
	}
}

func (s *Server) handleCert(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Cert == nil {
		writeError(w, http.StatusNotFound, "no certificate")
		return
	}
	writeJSON(w, http.StatusOK, certResponse{
		Fingerprint: s.cfg.Cert.FingerprintHex(),
		NotAfter:    s.cfg.Cert.NotAfter,
	})
}
