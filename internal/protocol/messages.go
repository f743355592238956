package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/taleweave/internal/engine"
	"github.com/ent0n29/taleweave/internal/roleplay"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAction  MessageType = "client_action"
	TypeStateSnapshot MessageType = "state_snapshot"
	TypeStateChanged  MessageType = "state_changed"
	TypeContentDelta  MessageType = "content_delta"
	TypeTurnCommitted MessageType = "turn_committed"
	TypeTurnsReplaced MessageType = "turns_replaced"
	TypeDraftReady    MessageType = "draft_ready"
	TypeRosterUpdated MessageType = "roster_updated"
	TypeErrorEvent    MessageType = "error_event"
)

// Action names what a client_action asks the session to do.
type Action string

const (
	ActionOpening         Action = "opening"
	ActionSubmit          Action = "submit"
	ActionRegenerate      Action = "regenerate"
	ActionAutoContinue    Action = "auto_continue"
	ActionAutoPlayerDraft Action = "auto_player_draft"
	ActionStop            Action = "stop"
	ActionEdit            Action = "edit"
	ActionDelete          Action = "delete"
	ActionReload          Action = "reload"
	ActionAddCharacter    Action = "add_character"
	ActionRemoveCharacter Action = "remove_character"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAction struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    Action      `json:"action"`

	Text        string              `json:"text,omitempty"`
	Mode        roleplay.InputMode  `json:"mode,omitempty"`
	Count       int                 `json:"count,omitempty"`
	SceneID     int64               `json:"scene_id,omitempty"`
	Sequence    int                 `json:"sequence,omitempty"`
	Character   *roleplay.Character `json:"character,omitempty"`
	CharacterID int64               `json:"character_id,omitempty"`
}

type StateSnapshot struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Snapshot  engine.Snapshot `json:"snapshot"`
}

type StateChanged struct {
	Type      MessageType      `json:"type"`
	SessionID string           `json:"session_id"`
	State     engine.State     `json:"state"`
	Cycle     engine.CycleKind `json:"cycle,omitempty"`
	Progress  *engine.Progress `json:"progress,omitempty"`
}

type ContentDelta struct {
	Type      MessageType      `json:"type"`
	SessionID string           `json:"session_id"`
	Cycle     engine.CycleKind `json:"cycle"`
	TextDelta string           `json:"text_delta"`
}

type TurnCommitted struct {
	Type      MessageType         `json:"type"`
	SessionID string              `json:"session_id"`
	Turn      engine.RenderedTurn `json:"turn"`
}

type TurnsReplaced struct {
	Type      MessageType           `json:"type"`
	SessionID string                `json:"session_id"`
	Turns     []engine.RenderedTurn `json:"turns"`
}

type DraftReady struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type RosterUpdated struct {
	Type       MessageType          `json:"type"`
	SessionID  string               `json:"session_id"`
	Characters []roleplay.Character `json:"characters"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAction:
		var msg ClientAction
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := msg.validate(); err != nil {
			return nil, fmt.Errorf("invalid client_action: %w", err)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func (m *ClientAction) validate() error {
	if m.SessionID == "" {
		return errors.New("session_id is required")
	}
	switch m.Action {
	case ActionOpening, ActionRegenerate, ActionAutoPlayerDraft, ActionStop, ActionReload:
	case ActionSubmit:
		if strings.TrimSpace(m.Text) == "" {
			return errors.New("text is required")
		}
		if m.Mode == "" {
			m.Mode = roleplay.ModeCharacter
		}
		if _, ok := m.Mode.Method(); !ok {
			return fmt.Errorf("unknown mode %q", m.Mode)
		}
	case ActionAutoContinue:
		if m.Count < 1 {
			return errors.New("count must be at least 1")
		}
	case ActionEdit:
		if m.SceneID <= 0 || strings.TrimSpace(m.Text) == "" {
			return errors.New("scene_id and text are required")
		}
	case ActionDelete:
		if m.Sequence < 1 {
			return errors.New("sequence must be at least 1")
		}
	case ActionAddCharacter:
		if m.Character == nil || strings.TrimSpace(m.Character.Name) == "" {
			return errors.New("character name is required")
		}
	case ActionRemoveCharacter:
		if m.CharacterID <= 0 {
			return errors.New("character_id is required")
		}
	default:
		return fmt.Errorf("unknown action %q", m.Action)
	}
	return nil
}

// FromUpdate converts an engine update into its websocket message. Updates
// with no wire form return nil.
func FromUpdate(sessionID string, u engine.Update) any {
	switch u.Kind {
	case engine.UpdateState:
		return StateChanged{Type: TypeStateChanged, SessionID: sessionID, State: u.State, Cycle: u.Cycle, Progress: u.Progress}
	case engine.UpdateChunk:
		return ContentDelta{Type: TypeContentDelta, SessionID: sessionID, Cycle: u.Cycle, TextDelta: u.Text}
	case engine.UpdateTurnCommitted:
		if u.Turn == nil {
			return nil
		}
		return TurnCommitted{Type: TypeTurnCommitted, SessionID: sessionID, Turn: *u.Turn}
	case engine.UpdateTurnsReplaced:
		return TurnsReplaced{Type: TypeTurnsReplaced, SessionID: sessionID, Turns: u.Turns}
	case engine.UpdateDraftReady:
		return DraftReady{Type: TypeDraftReady, SessionID: sessionID, Text: u.Text}
	case engine.UpdateRoster:
		return RosterUpdated{Type: TypeRosterUpdated, SessionID: sessionID, Characters: u.Characters}
	case engine.UpdateError:
		return ErrorEvent{
			Type:      TypeErrorEvent,
			SessionID: sessionID,
			Code:      "generation_failed",
			Source:    string(u.Cycle),
			Retryable: true,
			Detail:    u.Error,
		}
	default:
		return nil
	}
}
