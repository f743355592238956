package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/taleweave/internal/engine"
	"github.com/ent0n29/taleweave/internal/generation"
	"github.com/ent0n29/taleweave/internal/roleplay"
)

// stubBackend serves an empty session; generation streams stay open until the
// request context ends.
type stubBackend struct {
	mu      sync.Mutex
	lists   int
	listErr error
}

func (b *stubBackend) hold(ctx context.Context) (<-chan generation.Event, error) {
	s := generation.NewStream(1)
	go func() {
		<-ctx.Done()
		s.Finish(generation.Failed(ctx.Err().Error()))
	}()
	return s.Events(), nil
}

func (b *stubBackend) GenerateOpening(ctx context.Context, _ string) (<-chan generation.Event, error) {
	return b.hold(ctx)
}

func (b *stubBackend) GenerateTurn(ctx context.Context, _, _ string, _ roleplay.InputMode) (<-chan generation.Event, error) {
	return b.hold(ctx)
}

func (b *stubBackend) RegenerateTurn(ctx context.Context, _ string, _ int64) (<-chan generation.Event, error) {
	return b.hold(ctx)
}

func (b *stubBackend) AutoContinue(ctx context.Context, _ string, _ int) (<-chan generation.Event, error) {
	return b.hold(ctx)
}

func (b *stubBackend) AutoPlayerDraft(ctx context.Context, _ string) (<-chan generation.Event, error) {
	return b.hold(ctx)
}

func (b *stubBackend) ListTurns(context.Context, string) ([]roleplay.Turn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists++
	return nil, b.listErr
}

func (b *stubBackend) EditTurn(context.Context, string, int64, string) error { return nil }
func (b *stubBackend) DeleteTurnsFrom(context.Context, string, int) error   { return nil }

func (b *stubBackend) ListCharacters(context.Context, string) ([]roleplay.Character, error) {
	return []roleplay.Character{{StoryCharacterID: 1, Name: "Alice", IsActive: true}}, nil
}

func (b *stubBackend) AddCharacter(_ context.Context, _ string, c roleplay.Character) (roleplay.Character, error) {
	return c, nil
}

func (b *stubBackend) RemoveCharacter(context.Context, string, int64) error { return nil }

func newTestManager(ttl time.Duration, backend *stubBackend) *Manager {
	return NewManager(ttl, func(id string) *engine.Orchestrator {
		return engine.New(id, backend, engine.Options{})
	}, nil)
}

func TestManagerOpenGetEnd(t *testing.T) {
	backend := &stubBackend{}
	m := newTestManager(time.Minute, backend)
	ctx := context.Background()

	orch, info, err := m.Open(ctx, "rp-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if info.ID != "rp-1" || info.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", info)
	}
	if got := len(orch.Snapshot().Characters); got != 1 {
		t.Fatalf("characters = %d, want 1", got)
	}

	again, _, err := m.Open(ctx, "rp-1")
	if err != nil {
		t.Fatalf("Open() second call error = %v", err)
	}
	if again != orch {
		t.Fatalf("Open() returned a different orchestrator for the same session")
	}
	if backend.lists != 1 {
		t.Fatalf("ListTurns calls = %d, want 1", backend.lists)
	}

	got, err := m.Get("rp-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != orch {
		t.Fatalf("Get() returned a different orchestrator")
	}

	ended, err := m.End(ctx, "rp-1")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.Get("rp-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after End error = %v, want ErrNotFound", err)
	}
	if err := orch.SubmitTurn(ctx, "hello", roleplay.ModeCharacter); !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("SubmitTurn() after End error = %v, want ErrClosed", err)
	}
}

func TestManagerOpenFailsWhenReloadFails(t *testing.T) {
	m := newTestManager(time.Minute, &stubBackend{listErr: errors.New("backend down")})
	if _, _, err := m.Open(context.Background(), "rp-1"); err == nil {
		t.Fatalf("Open() error = nil, want reload failure")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := newTestManager(30*time.Millisecond, &stubBackend{})
	if _, _, err := m.Open(context.Background(), "rp-1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	expired := make(chan Session, 1)
	m.SetExpireHook(func(s Session) { expired <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case s := <-expired:
		if s.ID != "rp-1" || s.Status != StatusEnded {
			t.Fatalf("expired session = %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session was not expired")
	}
	if _, err := m.Info("rp-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Info() error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorKeepsGeneratingSession(t *testing.T) {
	m := newTestManager(20*time.Millisecond, &stubBackend{})
	ctx := context.Background()
	orch, _, err := m.Open(ctx, "rp-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := orch.SubmitTurn(ctx, "hello", roleplay.ModeCharacter); err != nil {
		t.Fatalf("SubmitTurn() error = %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	m.expireInactive(ctx)
	if _, err := m.Info("rp-1"); err != nil {
		t.Fatalf("generating session expired: %v", err)
	}

	if err := orch.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	m.expireInactive(ctx)
	if _, err := m.Info("rp-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Info() error = %v, want ErrNotFound after stop", err)
	}
}

func TestManagerCloseAll(t *testing.T) {
	m := newTestManager(time.Minute, &stubBackend{})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, _, err := m.Open(ctx, id); err != nil {
			t.Fatalf("Open(%q) error = %v", id, err)
		}
	}
	if m.ActiveCount() != 2 {
		t.Fatalf("ActiveCount() = %d, want 2", m.ActiveCount())
	}
	m.CloseAll(ctx)
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() after CloseAll = %d, want 0", m.ActiveCount())
	}
}
