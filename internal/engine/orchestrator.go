// Package engine drives one roleplay session: it owns the turn list and runs
// at most one generation cycle at a time against a generation backend.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/taleweave/internal/attribution"
	"github.com/ent0n29/taleweave/internal/generation"
	"github.com/ent0n29/taleweave/internal/observability"
	"github.com/ent0n29/taleweave/internal/roleplay"
)

const subscriberBuffer = 256

type Options struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Orchestrator is the turn stream state machine for a single session. All
// methods are safe for concurrent use; generation actions are rejected with
// ErrBusy unless the session is idle.
type Orchestrator struct {
	sessionID string
	backend   generation.Backend
	log       *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu        sync.Mutex
	state     State
	turns     []roleplay.Turn
	roster    roleplay.Roster
	cycle     *cycle
	cycleSeq  uint64
	lastErr   string
	draft     string
	closed    bool
	subs      map[int]chan Update
	nextSubID int
}

func New(sessionID string, backend generation.Backend, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		sessionID: sessionID,
		backend:   backend,
		log:       log.With(zap.String("session_id", sessionID)),
		metrics:   opts.Metrics,
		now:       now,
		state:     StateIdle,
		subs:      make(map[int]chan Update),
	}
}

func (o *Orchestrator) SessionID() string { return o.sessionID }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// GenerateOpening asks the backend for the first scene of an empty session.
func (o *Orchestrator) GenerateOpening(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	if len(o.turns) > 0 && o.state == StateIdle && !o.closed {
		o.mu.Unlock()
		return ErrNotEmpty
	}
	c, err := o.beginLocked(ctx, CycleOpening)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	c.protected = roleplay.NextSequence(o.turns)
	o.mu.Unlock()

	o.launch(c, func(ctx context.Context) (<-chan generation.Event, error) {
		return o.backend.GenerateOpening(ctx, o.sessionID)
	})
	return nil
}

// SubmitTurn appends the player's turn optimistically and streams the reply.
func (o *Orchestrator) SubmitTurn(ctx context.Context, text string, mode roleplay.InputMode) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	method, ok := mode.Method()
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	c, err := o.beginLocked(ctx, CycleTurn)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	seq := roleplay.NextSequence(o.turns)
	o.turns = append(o.turns, roleplay.Turn{
		Sequence:         seq,
		Content:          text,
		GenerationMethod: method,
	})
	c.optimistic = len(o.turns) - 1
	c.protected = seq
	rendered := o.renderLocked(o.turns[c.optimistic])
	o.publishLocked(Update{Kind: UpdateTurnCommitted, Turn: &rendered})
	o.mu.Unlock()

	o.launch(c, func(ctx context.Context) (<-chan generation.Event, error) {
		return o.backend.GenerateTurn(ctx, o.sessionID, text, mode)
	})
	return nil
}

// RegenerateLastAITurn removes the most recent AI turn and streams a new
// variant that takes over its sequence.
func (o *Orchestrator) RegenerateLastAITurn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrBusy
	}
	idx := -1
	for i := len(o.turns) - 1; i >= 0; i-- {
		if o.turns[i].GenerationMethod == roleplay.MethodAuto {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return ErrNoAITurn
	}
	target := o.turns[idx]
	if target.Optimistic() {
		o.mu.Unlock()
		return ErrNotPersisted
	}

	c, err := o.beginLocked(ctx, CycleRegenerate)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.turns = append(o.turns[:idx], o.turns[idx+1:]...)
	c.removed = &target
	c.protected = target.Sequence
	o.publishLocked(Update{Kind: UpdateTurnsReplaced, Turns: o.renderAllLocked()})
	o.mu.Unlock()

	o.launch(c, func(ctx context.Context) (<-chan generation.Event, error) {
		return o.backend.RegenerateTurn(ctx, o.sessionID, target.SceneID)
	})
	return nil
}

// AutoContinue generates up to n AI turns back to back.
func (o *Orchestrator) AutoContinue(ctx context.Context, n int) error {
	if n < 1 {
		return ErrInvalidCount
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	c, err := o.beginLocked(ctx, CycleAuto)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	c.progress = &Progress{Current: 1, Total: n}
	c.protected = roleplay.NextSequence(o.turns)
	o.publishStateLocked()
	o.mu.Unlock()

	o.launch(c, func(ctx context.Context) (<-chan generation.Event, error) {
		return o.backend.AutoContinue(ctx, o.sessionID, n)
	})
	return nil
}

// AutoPlayerDraft generates text in the player's voice. The result is exposed
// as a draft and never becomes a turn on its own.
func (o *Orchestrator) AutoPlayerDraft(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	c, err := o.beginLocked(ctx, CycleDraft)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.draft = ""
	o.mu.Unlock()

	o.launch(c, func(ctx context.Context) (<-chan generation.Event, error) {
		return o.backend.AutoPlayerDraft(ctx, o.sessionID)
	})
	return nil
}

// Stop cancels the in-flight cycle. A non-empty buffer is kept as a partial
// turn before cancellation. Stop returns once the cycle has unwound and the
// session is idle again, or when ctx ends first.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	c := o.cycle
	if c == nil {
		o.mu.Unlock()
		return nil
	}
	if !c.aborting {
		c.aborting = true
		c.stoppedAt = o.now()
		o.flushPartialLocked(c)
		o.state = StateAborting
		o.publishStateLocked()
		c.cancel()
		o.log.Info("generation stop requested", zap.String("cycle", string(c.kind)))
	}
	o.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until no cycle is in flight.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	c := o.cycle
	o.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EditTurn rewrites a persisted turn locally and mirrors the change to the
// backend. A backend failure is reported but the local edit stays.
func (o *Orchestrator) EditTurn(ctx context.Context, sceneID int64, content string) error {
	if sceneID == 0 {
		return ErrNotPersisted
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyInput
	}

	o.mu.Lock()
	idx := -1
	for i, t := range o.turns {
		if t.SceneID == sceneID {
			idx = i
			break
		}
	}
	if c := o.cycle; c != nil {
		if c.removed != nil && c.removed.SceneID == sceneID {
			o.mu.Unlock()
			return ErrInFlightTarget
		}
		if idx >= 0 && c.protected > 0 && o.turns[idx].Sequence >= c.protected {
			o.mu.Unlock()
			return ErrInFlightTarget
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return ErrTurnNotFound
	}
	o.turns[idx].Content = content
	o.publishLocked(Update{Kind: UpdateTurnsReplaced, Turns: o.renderAllLocked()})
	o.mu.Unlock()

	if err := o.backend.EditTurn(ctx, o.sessionID, sceneID, content); err != nil {
		o.reportError("edit_turn", err)
		return fmt.Errorf("edit turn %d: %w", sceneID, err)
	}
	return nil
}

// DeleteFromSequence truncates the history at seq (inclusive) and mirrors the
// truncation to the backend. Like EditTurn it does not roll back on failure.
func (o *Orchestrator) DeleteFromSequence(ctx context.Context, seq int) error {
	if seq < 1 {
		return ErrInvalidSeq
	}

	o.mu.Lock()
	// Auto-continue keeps appending, so any cut would race its later slots.
	if c := o.cycle; c != nil && (c.kind == CycleAuto || (c.protected > 0 && seq <= c.protected)) {
		o.mu.Unlock()
		return ErrInFlightTarget
	}
	cut := -1
	for i, t := range o.turns {
		if t.Sequence >= seq {
			cut = i
			break
		}
	}
	if cut < 0 {
		o.mu.Unlock()
		return ErrTurnNotFound
	}
	o.turns = o.turns[:cut]
	o.publishLocked(Update{Kind: UpdateTurnsReplaced, Turns: o.renderAllLocked()})
	o.mu.Unlock()

	if err := o.backend.DeleteTurnsFrom(ctx, o.sessionID, seq); err != nil {
		o.reportError("delete_turns", err)
		return fmt.Errorf("delete turns from %d: %w", seq, err)
	}
	return nil
}

// Reload replaces local turns and roster with the backend's authoritative copy.
func (o *Orchestrator) Reload(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrBusy
	}
	o.mu.Unlock()

	turns, err := o.backend.ListTurns(ctx, o.sessionID)
	if err != nil {
		o.reportError("list_turns", err)
		return fmt.Errorf("list turns: %w", err)
	}
	chars, err := o.backend.ListCharacters(ctx, o.sessionID)
	if err != nil {
		o.reportError("list_characters", err)
		return fmt.Errorf("list characters: %w", err)
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].Sequence < turns[j].Sequence })

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return ErrBusy
	}
	o.turns = turns
	o.roster = roleplay.Roster(chars)
	o.publishLocked(Update{Kind: UpdateRoster, Characters: o.roster.Clone()})
	o.publishLocked(Update{Kind: UpdateTurnsReplaced, Turns: o.renderAllLocked()})
	return nil
}

// AddCharacter adds a participant through the backend and reloads the roster.
// The new roster applies to attribution from the next render on.
func (o *Orchestrator) AddCharacter(ctx context.Context, c roleplay.Character) (roleplay.Character, error) {
	if strings.TrimSpace(c.Name) == "" {
		return roleplay.Character{}, fmt.Errorf("%w: character name", ErrEmptyInput)
	}
	added, err := o.backend.AddCharacter(ctx, o.sessionID, c)
	if err != nil {
		o.reportError("add_character", err)
		return roleplay.Character{}, fmt.Errorf("add character: %w", err)
	}
	if err := o.reloadRoster(ctx); err != nil {
		return added, err
	}
	return added, nil
}

func (o *Orchestrator) RemoveCharacter(ctx context.Context, storyCharacterID int64) error {
	if err := o.backend.RemoveCharacter(ctx, o.sessionID, storyCharacterID); err != nil {
		o.reportError("remove_character", err)
		return fmt.Errorf("remove character %d: %w", storyCharacterID, err)
	}
	return o.reloadRoster(ctx)
}

func (o *Orchestrator) reloadRoster(ctx context.Context) error {
	chars, err := o.backend.ListCharacters(ctx, o.sessionID)
	if err != nil {
		o.reportError("list_characters", err)
		return fmt.Errorf("list characters: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.roster = roleplay.Roster(chars)
	o.publishLocked(Update{Kind: UpdateRoster, Characters: o.roster.Clone()})
	return nil
}

// Snapshot returns the session as it should be rendered right now.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		SessionID:  o.sessionID,
		State:      o.state,
		LastError:  o.lastErr,
		Draft:      o.draft,
		Turns:      o.renderAllLocked(),
		Characters: o.roster.Clone(),
		TakenAt:    o.now(),
	}
	if c := o.cycle; c != nil {
		snap.Cycle = c.kind
		snap.Progress = c.progressCopy()
		snap.Buffer = c.buffer.String()
		snap.Speaker = o.bufferSpeakerLocked(c)
	}
	return snap
}

// Subscribe streams updates until the returned cancel func is called or the
// session closes. Slow subscribers miss updates rather than stall the session.
func (o *Orchestrator) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	o.nextSubID++
	id := o.nextSubID
	o.subs[id] = ch
	o.mu.Unlock()

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

// Close stops any in-flight cycle and detaches all subscribers. Further
// generation actions fail with ErrClosed.
func (o *Orchestrator) Close(ctx context.Context) error {
	// Mark closed first so nothing can begin while the current cycle unwinds.
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	err := o.Stop(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
	return err
}

func (o *Orchestrator) beginLocked(ctx context.Context, kind CycleKind) (*cycle, error) {
	if o.closed {
		return nil, ErrClosed
	}
	if o.state != StateIdle || o.cycle != nil {
		return nil, ErrBusy
	}
	o.cycleSeq++
	// The cycle outlives the request that started it; only Stop cancels it.
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &cycle{
		id:         o.cycleSeq,
		kind:       kind,
		ctx:        cctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		optimistic: -1,
		startedAt:  o.now(),
	}
	o.cycle = c
	o.lastErr = ""
	if kind == CycleAuto {
		o.state = StateAutoContinuing
	} else {
		o.state = StateRequesting
		o.publishStateLocked()
	}
	return c, nil
}

// reconcileLocked confirms the optimistic turn at index in place, keyed by
// list position rather than identity.
func (o *Orchestrator) reconcileLocked(index int, conf Confirmation) error {
	if index < 0 || index >= len(o.turns) {
		return ErrTurnNotFound
	}
	t := &o.turns[index]
	if !t.Optimistic() {
		return fmt.Errorf("turn at %d already confirmed as scene %d", index, t.SceneID)
	}
	if conf.SceneID == 0 {
		return ErrNotPersisted
	}
	t.SceneID = conf.SceneID
	t.VariantID = conf.VariantID
	at := o.now()
	t.CreatedAt = &at
	if conf.Sequence > 0 && conf.Sequence != t.Sequence {
		t.Sequence = conf.Sequence
		sort.SliceStable(o.turns, func(i, j int) bool { return o.turns[i].Sequence < o.turns[j].Sequence })
	}
	return nil
}

// commitLocked inserts turn keeping the list ordered by sequence.
func (o *Orchestrator) commitLocked(turn roleplay.Turn) {
	if turn.CreatedAt == nil {
		at := o.now()
		turn.CreatedAt = &at
	}
	i := sort.Search(len(o.turns), func(i int) bool { return o.turns[i].Sequence > turn.Sequence })
	o.turns = append(o.turns, roleplay.Turn{})
	copy(o.turns[i+1:], o.turns[i:])
	o.turns[i] = turn

	rendered := o.renderLocked(turn)
	o.publishLocked(Update{Kind: UpdateTurnCommitted, Turn: &rendered})
}

func (o *Orchestrator) renderLocked(t roleplay.Turn) RenderedTurn {
	res := attribution.AttributeTurn(t, o.roster)
	return RenderedTurn{
		Turn:           t,
		Speaker:        res.PrimarySpeaker,
		CleanedContent: res.CleanedContent,
		Sections:       res.Sections,
	}
}

func (o *Orchestrator) renderAllLocked() []RenderedTurn {
	out := make([]RenderedTurn, 0, len(o.turns))
	for _, t := range roleplay.CloneTurns(o.turns) {
		out = append(out, o.renderLocked(t))
	}
	return out
}

func (o *Orchestrator) bufferSpeakerLocked(c *cycle) string {
	if c.kind == CycleDraft {
		if p, ok := o.roster.Player(); ok {
			return p.Name
		}
		return ""
	}
	if c.buffer.Len() == 0 {
		return ""
	}
	return attribution.Attribute(c.buffer.String(), o.roster).PrimarySpeaker
}

func (o *Orchestrator) publishStateLocked() {
	u := Update{Kind: UpdateState, State: o.state}
	if c := o.cycle; c != nil {
		u.Cycle = c.kind
		u.Progress = c.progressCopy()
	}
	o.publishLocked(u)
}

func (o *Orchestrator) publishLocked(u Update) {
	for _, ch := range o.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (o *Orchestrator) reportError(operation string, err error) {
	o.metrics.IncBackendError(operation)
	o.log.Warn("backend operation failed", zap.String("operation", operation), zap.Error(err))

	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastErr = err.Error()
	o.publishLocked(Update{Kind: UpdateError, Error: o.lastErr})
}
