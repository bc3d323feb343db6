package session

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/zsiec/webvideo/internal/player"
)

type stubPlayer struct{}

func (stubPlayer) Play(context.Context) error  { return nil }
func (stubPlayer) Pause(context.Context) error { return nil }
func (stubPlayer) Stats() player.Stats         { return player.Stats{} }

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	s := m.Create("testsrc://", stubPlayer{})
	if _, err := uuid.Parse(s.ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", s.ID, err)
	}
	if s.URL != "testsrc://" {
		t.Errorf("url: got %q, want %q", s.URL, "testsrc://")
	}
	if s.StartedAt.IsZero() {
		t.Error("StartedAt should not be zero")
	}

	got, ok := m.Get(s.ID)
	if !ok || got != s {
		t.Errorf("Get: got %v %v, want the created session", got, ok)
	}
	if _, ok := m.Get("nope"); ok {
		t.Error("Get of unknown id succeeded")
	}
}

func TestManagerUniqueIDs(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	a := m.Create("a.ts", stubPlayer{})
	b := m.Create("a.ts", stubPlayer{})
	if a.ID == b.ID {
		t.Errorf("duplicate id %q", a.ID)
	}
	if len(m.List()) != 2 {
		t.Errorf("count: got %d, want 2", len(m.List()))
	}
}

func TestManagerRemove(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	s := m.Create("a.ts", stubPlayer{})
	m.Remove(s.ID)
	if len(m.List()) != 0 {
		t.Errorf("count after remove: got %d, want 0", len(m.List()))
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed by Remove")
	}

	// Unknown and repeated removes are no-ops.
	m.Remove(s.ID)
	m.Remove("nonexistent")
}

func TestManagerListOrder(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	var ids []string
	for _, u := range []string{"a.ts", "b.ts", "c.ts"} {
		ids = append(ids, m.Create(u, stubPlayer{}).ID)
	}

	list := m.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].StartedAt.Before(list[i-1].StartedAt) {
			t.Errorf("list not ordered by start time at %d", i)
		}
	}
	seen := make(map[string]bool)
	for _, s := range list {
		seen[s.ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("missing session %q", id)
		}
	}
}
