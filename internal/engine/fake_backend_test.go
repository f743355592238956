package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/taleweave/internal/generation"
	"github.com/ent0n29/taleweave/internal/roleplay"
)

// scriptedStream lets a test drive one generation stream event by event.
type scriptedStream struct {
	op  string
	arg any
	in  chan generation.Event
}

func (s *scriptedStream) send(evts ...generation.Event) {
	for _, evt := range evts {
		s.in <- evt
	}
}

// hangUp closes the stream without a terminal event.
func (s *scriptedStream) hangUp() { close(s.in) }

type editCall struct {
	sceneID int64
	content string
}

type fakeBackend struct {
	mu        sync.Mutex
	opened    chan *scriptedStream
	openErr   error
	turns     []roleplay.Turn
	chars     []roleplay.Character
	edits     []editCall
	deletes   []int
	editErr   error
	deleteErr error
	calls     int
	// listGate, when set, holds ListTurns until it is closed.
	listGate  chan struct{}
}

func newFakeBackend(turns []roleplay.Turn, chars []roleplay.Character) *fakeBackend {
	return &fakeBackend{
		opened: make(chan *scriptedStream, 16),
		turns:  turns,
		chars:  chars,
	}
}

func (b *fakeBackend) open(ctx context.Context, op string, arg any) (<-chan generation.Event, error) {
	b.mu.Lock()
	b.calls++
	err := b.openErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s := &scriptedStream{op: op, arg: arg, in: make(chan generation.Event)}
	out := make(chan generation.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				out <- generation.Failed(ctx.Err().Error())
				return
			case evt, ok := <-s.in:
				if !ok {
					return
				}
				out <- evt
				if evt.Kind.Terminal() {
					return
				}
			}
		}
	}()
	b.opened <- s
	return out, nil
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBackend) GenerateOpening(ctx context.Context, _ string) (<-chan generation.Event, error) {
	return b.open(ctx, "opening", nil)
}

func (b *fakeBackend) GenerateTurn(ctx context.Context, _ string, text string, mode roleplay.InputMode) (<-chan generation.Event, error) {
	return b.open(ctx, "turn", text+"|"+string(mode))
}

func (b *fakeBackend) RegenerateTurn(ctx context.Context, _ string, target int64) (<-chan generation.Event, error) {
	return b.open(ctx, "regenerate", target)
}

func (b *fakeBackend) AutoContinue(ctx context.Context, _ string, count int) (<-chan generation.Event, error) {
	return b.open(ctx, "auto_continue", count)
}

func (b *fakeBackend) AutoPlayerDraft(ctx context.Context, _ string) (<-chan generation.Event, error) {
	return b.open(ctx, "auto_player_draft", nil)
}

func (b *fakeBackend) ListTurns(ctx context.Context, _ string) ([]roleplay.Turn, error) {
	b.mu.Lock()
	gate := b.listGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return roleplay.CloneTurns(b.turns), nil
}

// persist stores turns the way a backend does when it saves text on its own,
// replacing any turn at the same sequence.
func (b *fakeBackend) persist(turns ...roleplay.Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range turns {
		replaced := false
		for i := range b.turns {
			if b.turns[i].Sequence == t.Sequence {
				b.turns[i] = t
				replaced = true
			}
		}
		if !replaced {
			b.turns = append(b.turns, t)
		}
	}
}

func (b *fakeBackend) EditTurn(_ context.Context, _ string, sceneID int64, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edits = append(b.edits, editCall{sceneID: sceneID, content: content})
	return b.editErr
}

func (b *fakeBackend) DeleteTurnsFrom(_ context.Context, _ string, sequence int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, sequence)
	return b.deleteErr
}

func (b *fakeBackend) ListCharacters(context.Context, string) ([]roleplay.Character, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]roleplay.Character, len(b.chars))
	copy(out, b.chars)
	return out, nil
}

func (b *fakeBackend) AddCharacter(_ context.Context, _ string, c roleplay.Character) (roleplay.Character, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.StoryCharacterID = int64(len(b.chars) + 1)
	c.IsActive = true
	b.chars = append(b.chars, c)
	return c, nil
}

func (b *fakeBackend) RemoveCharacter(_ context.Context, _ string, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.chars {
		if b.chars[i].StoryCharacterID == id {
			b.chars[i].IsActive = false
		}
	}
	return nil
}

func waitOpened(t *testing.T, b *fakeBackend) *scriptedStream {
	t.Helper()
	select {
	case s := <-b.opened:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("backend stream was not opened")
		return nil
	}
}
