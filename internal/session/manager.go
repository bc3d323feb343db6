// Package session tracks the playback sessions the host process is running,
// providing create/get/remove/list operations for the control API.
package session

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/webvideo/internal/player"
)

// Player is the part of a player a session exposes to controllers.
type Player interface {
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stats() player.Stats
}

// Session is one loaded source.
type Session struct {
	ID        string
	URL       string
	StartedAt time.Time
	Player    Player
	done      chan struct{}
}

// Done is closed when the session is removed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Manager manages the lifecycle of sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create registers p under a fresh random ID.
func (m *Manager) Create(url string, p Player) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		URL:       url,
		StartedAt: time.Now(),
		Player:    p,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Info("session created", "id", s.ID, "url", url)
	return s
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove removes a session from the manager. Unknown IDs are ignored.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("session removed", "id", id)
	}
}

// List returns all sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return sessions
}

