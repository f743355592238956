package generation

import (
	"context"

	"github.com/ent0n29/taleweave/internal/roleplay"
)

// Service opens generation streams. The context passed in is the cycle's
// cancellation handle: cancelling it asks the backend to stop, after which the
// stream still ends with a terminal event. Consumers must drain the channel.
type Service interface {
	GenerateOpening(ctx context.Context, sessionID string) (<-chan Event, error)
	GenerateTurn(ctx context.Context, sessionID, text string, mode roleplay.InputMode) (<-chan Event, error)
	RegenerateTurn(ctx context.Context, sessionID string, targetSceneID int64) (<-chan Event, error)
	AutoContinue(ctx context.Context, sessionID string, count int) (<-chan Event, error)
	AutoPlayerDraft(ctx context.Context, sessionID string) (<-chan Event, error)
}

// Store is the persisted-turn surface the engine mirrors its local edits to.
type Store interface {
	ListTurns(ctx context.Context, sessionID string) ([]roleplay.Turn, error)
	EditTurn(ctx context.Context, sessionID string, sceneID int64, content string) error
	DeleteTurnsFrom(ctx context.Context, sessionID string, sequence int) error
}

// Roster is the character mutation surface.
type Roster interface {
	ListCharacters(ctx context.Context, sessionID string) ([]roleplay.Character, error)
	AddCharacter(ctx context.Context, sessionID string, c roleplay.Character) (roleplay.Character, error)
	RemoveCharacter(ctx context.Context, sessionID string, storyCharacterID int64) error
}

// Backend is everything the engine consumes from the outside world.
type Backend interface {
	Service
	Store
	Roster
}
