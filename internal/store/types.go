package store

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/taleweave/internal/roleplay"
)

var ErrNotFound = errors.New("record not found")

// Roleplay is the persisted header of a session.
type Roleplay struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Scenario  string    `json:"scenario"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurn is a scene about to be written. Sequence 0 appends after the
// current last scene.
type NewTurn struct {
	Sequence         int
	Content          string
	GenerationMethod roleplay.GenerationMethod
}

// Store persists roleplays, their scenes (with variants) and characters.
// Listed turns always carry the current variant of each scene.
type Store interface {
	CreateRoleplay(ctx context.Context, rp Roleplay) (Roleplay, error)
	GetRoleplay(ctx context.Context, id string) (Roleplay, error)

	ListTurns(ctx context.Context, roleplayID string) ([]roleplay.Turn, error)
	InsertTurn(ctx context.Context, roleplayID string, t NewTurn) (roleplay.Turn, error)
	AddVariant(ctx context.Context, roleplayID string, sceneID int64, content string) (roleplay.Turn, error)
	UpdateTurnContent(ctx context.Context, roleplayID string, sceneID int64, content string) error
	DeleteTurnsFrom(ctx context.Context, roleplayID string, sequence int) error

	ListCharacters(ctx context.Context, roleplayID string) ([]roleplay.Character, error)
	AddCharacter(ctx context.Context, roleplayID string, c roleplay.Character) (roleplay.Character, error)
	SetCharacterActive(ctx context.Context, roleplayID string, storyCharacterID int64, active bool) error

	Close() error
}
