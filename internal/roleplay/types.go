package roleplay

import (
	"strings"
	"time"
)

// GenerationMethod records how a turn's content was produced.
type GenerationMethod string

const (
	MethodAuto        GenerationMethod = "auto"
	MethodUserWritten GenerationMethod = "user_written"
	MethodDirection   GenerationMethod = "direction"
	MethodAutoPlayer  GenerationMethod = "auto_player"
)

// InputMode is the submit mode chosen by the player.
type InputMode string

const (
	ModeCharacter  InputMode = "character"
	ModeDirection  InputMode = "direction"
	ModeAutoPlayer InputMode = "auto_player"
)

// Method maps a submit mode onto the generation method stored with the turn.
func (m InputMode) Method() (GenerationMethod, bool) {
	switch m {
	case ModeCharacter:
		return MethodUserWritten, true
	case ModeDirection:
		return MethodDirection, true
	case ModeAutoPlayer:
		return MethodAutoPlayer, true
	default:
		return "", false
	}
}

// PlayerAuthored reports whether the content was written (or accepted) by the player.
func (g GenerationMethod) PlayerAuthored() bool {
	return g == MethodUserWritten || g == MethodAutoPlayer
}

// Turn is one exchange unit in a roleplay session. SceneID 0 marks an
// optimistic turn that the backend has not confirmed yet.
type Turn struct {
	Sequence         int              `json:"sequence"`
	SceneID          int64            `json:"scene_id"`
	VariantID        int64            `json:"variant_id"`
	Content          string           `json:"content"`
	GenerationMethod GenerationMethod `json:"generation_method"`
	CreatedAt        *time.Time       `json:"created_at"`
}

func (t Turn) Optimistic() bool { return t.SceneID == 0 }

// Character is a participant in a session.
type Character struct {
	StoryCharacterID int64  `json:"story_character_id"`
	Name             string `json:"name"`
	Role             string `json:"role,omitempty"`
	IsPlayer         bool   `json:"is_player"`
	IsActive         bool   `json:"is_active"`
}

// Roster is the set of characters participating in a session, inactive ones included.
type Roster []Character

// Player returns the human-controlled character, if any.
func (r Roster) Player() (Character, bool) {
	for _, c := range r {
		if c.IsPlayer {
			return c, true
		}
	}
	return Character{}, false
}

// ActiveNonPlayers returns AI characters still present in the scene, in roster order.
func (r Roster) ActiveNonPlayers() []Character {
	out := make([]Character, 0, len(r))
	for _, c := range r {
		if c.IsPlayer || !c.IsActive || strings.TrimSpace(c.Name) == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ByName finds a character by name, ignoring case and surrounding space.
func (r Roster) ByName(name string) (Character, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Character{}, false
	}
	for _, c := range r {
		if strings.EqualFold(strings.TrimSpace(c.Name), name) {
			return c, true
		}
	}
	return Character{}, false
}

func (r Roster) Clone() Roster {
	if r == nil {
		return nil
	}
	out := make(Roster, len(r))
	copy(out, r)
	return out
}

// CloneTurns copies a turn slice including the CreatedAt pointers.
func CloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t
		if t.CreatedAt != nil {
			at := *t.CreatedAt
			out[i].CreatedAt = &at
		}
	}
	return out
}

// NextSequence returns the sequence number that follows the highest one in turns.
func NextSequence(turns []Turn) int {
	max := 0
	for _, t := range turns {
		if t.Sequence > max {
			max = t.Sequence
		}
	}
	return max + 1
}
