package engine

import (
	"errors"
	"time"

	"github.com/ent0n29/taleweave/internal/attribution"
	"github.com/ent0n29/taleweave/internal/roleplay"
)

// State is the generation state of one session.
type State string

const (
	StateIdle           State = "idle"
	StateRequesting     State = "requesting"
	StateStreaming      State = "streaming"
	StateAutoContinuing State = "auto_continuing"
	StateAborting       State = "aborting"
)

// Generating reports whether a cycle is in flight.
func (s State) Generating() bool { return s != StateIdle }

// CycleKind names the action that started a generation cycle.
type CycleKind string

const (
	CycleOpening    CycleKind = "opening"
	CycleTurn       CycleKind = "turn"
	CycleRegenerate CycleKind = "regenerate"
	CycleAuto       CycleKind = "auto_continue"
	CycleDraft      CycleKind = "auto_player_draft"
)

var (
	ErrBusy           = errors.New("a generation is already in progress")
	ErrNoAITurn       = errors.New("no AI turn to regenerate")
	ErrEmptyInput     = errors.New("turn text is empty")
	ErrInvalidMode    = errors.New("unknown input mode")
	ErrInFlightTarget = errors.New("turn is part of the in-flight generation")
	ErrTurnNotFound   = errors.New("turn not found")
	ErrNotPersisted   = errors.New("turn has not been persisted yet")
	ErrInvalidCount   = errors.New("auto-continue count must be at least 1")
	ErrInvalidSeq     = errors.New("sequence must be at least 1")
	ErrNotEmpty       = errors.New("session already has turns")
	ErrClosed         = errors.New("session is closed")
)

// Progress tracks an auto-continue loop.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Confirmation carries the backend-assigned identity of an optimistic turn.
type Confirmation struct {
	SceneID   int64
	VariantID int64
	Sequence  int
}

// RenderedTurn is a turn together with its attribution. Content stays raw.
type RenderedTurn struct {
	roleplay.Turn
	Speaker        string                `json:"speaker,omitempty"`
	CleanedContent string                `json:"cleaned_content"`
	Sections       []attribution.Section `json:"sections"`
}

// Snapshot is a consistent read of a session.
type Snapshot struct {
	SessionID  string               `json:"session_id"`
	State      State                `json:"state"`
	Cycle      CycleKind            `json:"cycle,omitempty"`
	Progress   *Progress            `json:"progress,omitempty"`
	Buffer     string               `json:"buffer,omitempty"`
	Speaker    string               `json:"speaker,omitempty"`
	LastError  string               `json:"last_error,omitempty"`
	Draft      string               `json:"draft,omitempty"`
	Turns      []RenderedTurn       `json:"turns"`
	Characters []roleplay.Character `json:"characters"`
	TakenAt    time.Time            `json:"taken_at"`
}

// UpdateKind tags a change pushed to subscribers.
type UpdateKind string

const (
	UpdateState         UpdateKind = "state"
	UpdateChunk         UpdateKind = "chunk"
	UpdateTurnCommitted UpdateKind = "turn_committed"
	UpdateTurnsReplaced UpdateKind = "turns_replaced"
	UpdateDraftReady    UpdateKind = "draft_ready"
	UpdateError         UpdateKind = "error"
	UpdateRoster        UpdateKind = "roster"
)

// Update is one change pushed to subscribers.
type Update struct {
	Kind     UpdateKind     `json:"kind"`
	State    State          `json:"state,omitempty"`
	Cycle    CycleKind      `json:"cycle,omitempty"`
	Progress *Progress      `json:"progress,omitempty"`
	Text     string         `json:"text,omitempty"`
	Turn     *RenderedTurn  `json:"turn,omitempty"`
	Turns    []RenderedTurn `json:"turns,omitempty"`
	Error    string         `json:"error,omitempty"`

	Characters []roleplay.Character `json:"characters,omitempty"`
}
