// Package generation defines the streaming contract between the turn engine
// and a generation backend.
package generation

import (
	"context"
	"errors"
)

// EventKind tags one step of a generation stream.
type EventKind string

const (
	EventStarted           EventKind = "started"
	EventChunk             EventKind = "chunk"
	EventCompleted         EventKind = "completed"
	EventAutoTurnStarted   EventKind = "auto_turn_started"
	EventAutoTurnCompleted EventKind = "auto_turn_completed"
	EventFailed            EventKind = "failed"
	EventDone              EventKind = "done"
)

// Terminal reports whether the kind ends a stream.
func (k EventKind) Terminal() bool {
	return k == EventFailed || k == EventDone
}

// StartMeta is reported when the backend accepts a request. For submitted
// turns it carries the ids the backend assigned to the player's turn.
type StartMeta struct {
	UserSceneID   int64 `json:"user_scene_id,omitempty"`
	UserVariantID int64 `json:"user_variant_id,omitempty"`
	UserSequence  int   `json:"user_sequence,omitempty"`
}

// Result is the final payload of one generated turn.
type Result struct {
	SceneID   int64  `json:"scene_id"`
	VariantID int64  `json:"variant_id"`
	Content   string `json:"content"`
}

// Event is one item of a generation stream. Streams are delivered in order on a
// channel that is closed right after exactly one terminal event.
type Event struct {
	Kind      EventKind `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Meta      StartMeta `json:"meta,omitempty"`
	Result    Result    `json:"result,omitempty"`
	Index     int       `json:"index,omitempty"`
	SceneID   int64     `json:"scene_id,omitempty"`
	VariantID int64     `json:"variant_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

func Started(meta StartMeta) Event { return Event{Kind: EventStarted, Meta: meta} }
func Chunk(text string) Event      { return Event{Kind: EventChunk, Text: text} }
func Completed(r Result) Event     { return Event{Kind: EventCompleted, Result: r} }
func AutoTurnStarted(i int) Event  { return Event{Kind: EventAutoTurnStarted, Index: i} }
func Failed(msg string) Event      { return Event{Kind: EventFailed, Message: msg} }
func Done() Event                  { return Event{Kind: EventDone} }

func AutoTurnCompleted(i int, sceneID, variantID int64) Event {
	return Event{Kind: EventAutoTurnCompleted, Index: i, SceneID: sceneID, VariantID: variantID}
}

var (
	ErrStreamUnavailable = errors.New("generation stream unavailable")
	ErrNotFound          = errors.New("not found")
)

// Stream is the producer side of an event channel. Emit blocks until the
// consumer receives or ctx ends; Close must be called exactly once.
type Stream struct {
	ch     chan Event
	closed bool
}

func NewStream(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{ch: make(chan Event, buffer)}
}

func (s *Stream) Events() <-chan Event { return s.ch }

func (s *Stream) Emit(ctx context.Context, evt Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- evt:
		return nil
	}
}

// Finish emits a terminal event without honoring ctx cancellation, then closes
// the channel, so every stream ends with one terminal event.
func (s *Stream) Finish(evt Event) {
	if s.closed {
		return
	}
	s.closed = true
	s.ch <- evt
	close(s.ch)
}

// Collect drains a stream into a slice.
func Collect(ch <-chan Event) []Event {
	var out []Event
	for evt := range ch {
		out = append(out, evt)
	}
	return out
}
