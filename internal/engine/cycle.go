package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/taleweave/internal/generation"
	"github.com/ent0n29/taleweave/internal/roleplay"
)

const resyncTimeout = 5 * time.Second

type opener func(ctx context.Context) (<-chan generation.Event, error)

// cycle is the live generation session. It exists from the triggering action
// until its stream has unwound.
type cycle struct {
	id     uint64
	kind   CycleKind
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	buffer   strings.Builder
	progress *Progress

	// optimistic is the index of the submitted turn awaiting confirmation.
	optimistic int
	reconciled bool
	// removed is the turn being regenerated; restored if nothing replaces it.
	removed *roleplay.Turn
	// protected is the lowest sequence the cycle may still write; 0 for none.
	protected int

	committed int
	// partial is set once a stop or failure committed unconfirmed text.
	partial   bool
	sawChunk  bool
	aborting  bool
	startedAt time.Time
	stoppedAt time.Time
}

func (c *cycle) progressCopy() *Progress {
	if c.progress == nil {
		return nil
	}
	p := *c.progress
	return &p
}

func (o *Orchestrator) launch(c *cycle, open opener) {
	go o.run(c, open)
}

func (o *Orchestrator) run(c *cycle, open opener) {
	defer close(c.done)
	defer c.cancel()

	terminal := o.consume(c, open)
	var persisted []roleplay.Turn
	if o.needsResync(c, terminal) {
		persisted = o.fetchPersisted()
	}
	o.finish(c, terminal, persisted)
}

// needsResync reports whether the cycle may leave turns the backend stored
// without telling the engine their ids: a stopped or failed cycle that kept
// partial text, or a submitted turn that was never confirmed.
func (o *Orchestrator) needsResync(c *cycle, terminal generation.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cycle != c || c.kind == CycleDraft {
		return false
	}
	if !c.aborting && terminal.Kind != generation.EventFailed {
		return false
	}
	return c.partial || strings.TrimSpace(c.buffer.String()) != "" || (c.optimistic >= 0 && !c.reconciled)
}

// fetchPersisted reads the backend's turns once the stream has unwound, so
// text the backend saved on cancel or failure is visible.
func (o *Orchestrator) fetchPersisted() []roleplay.Turn {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	turns, err := o.backend.ListTurns(ctx, o.sessionID)
	if err != nil {
		o.metrics.IncBackendError("resync_turns")
		o.log.Warn("resync turns after interrupted cycle", zap.Error(err))
		return nil
	}
	return turns
}

// adoptPersistedLocked copies scene and variant ids from the backend onto the
// turns this cycle wrote, matched by sequence and generation method. Content
// is left alone; only identity is taken over.
func (o *Orchestrator) adoptPersistedLocked(c *cycle, persisted []roleplay.Turn) {
	if len(persisted) == 0 || c.protected == 0 {
		return
	}
	bySeq := make(map[int]roleplay.Turn, len(persisted))
	for _, p := range persisted {
		if p.SceneID != 0 {
			bySeq[p.Sequence] = p
		}
	}
	changed := false
	for i := range o.turns {
		t := &o.turns[i]
		if t.Sequence < c.protected {
			continue
		}
		p, ok := bySeq[t.Sequence]
		if !ok || p.GenerationMethod != t.GenerationMethod {
			continue
		}
		if t.SceneID != 0 && t.SceneID != p.SceneID {
			continue
		}
		if t.SceneID == p.SceneID && t.VariantID == p.VariantID {
			continue
		}
		t.SceneID = p.SceneID
		t.VariantID = p.VariantID
		changed = true
	}
	if changed {
		o.publishLocked(Update{Kind: UpdateTurnsReplaced, Turns: o.renderAllLocked()})
	}
}

// consume applies non-terminal events in arrival order and returns the
// terminal event. A stream that closes without one counts as a failure.
func (o *Orchestrator) consume(c *cycle, open opener) generation.Event {
	ch, err := open(c.ctx)
	if err != nil {
		return generation.Failed(err.Error())
	}
	for evt := range ch {
		if evt.Kind.Terminal() {
			return evt
		}
		o.apply(c, evt)
	}
	return generation.Failed(generation.ErrStreamUnavailable.Error() + ": closed without a terminal event")
}

func (o *Orchestrator) apply(c *cycle, evt generation.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cycle != c || c.aborting {
		return
	}

	switch evt.Kind {
	case generation.EventStarted:
		if c.kind != CycleTurn || c.optimistic < 0 || evt.Meta.UserSceneID == 0 {
			return
		}
		err := o.reconcileLocked(c.optimistic, Confirmation{
			SceneID:   evt.Meta.UserSceneID,
			VariantID: evt.Meta.UserVariantID,
			Sequence:  evt.Meta.UserSequence,
		})
		if err != nil {
			o.log.Warn("reconcile submitted turn", zap.Error(err))
			return
		}
		c.reconciled = true
		if evt.Meta.UserSequence > 0 {
			c.protected = evt.Meta.UserSequence
		}
		o.publishLocked(Update{Kind: UpdateTurnsReplaced, Turns: o.renderAllLocked()})

	case generation.EventChunk:
		if evt.Text == "" {
			return
		}
		if !c.sawChunk {
			c.sawChunk = true
			o.metrics.ObserveFirstChunkLatency(o.now().Sub(c.startedAt))
		}
		c.buffer.WriteString(evt.Text)
		o.metrics.IncChunk(string(c.kind))
		if o.state == StateRequesting {
			o.state = StateStreaming
			o.publishStateLocked()
		}
		o.publishLocked(Update{Kind: UpdateChunk, Cycle: c.kind, Text: evt.Text})

	case generation.EventCompleted:
		o.completeLocked(c, evt.Result)

	case generation.EventAutoTurnStarted:
		if c.progress == nil {
			return
		}
		c.buffer.Reset()
		current := evt.Index
		if current <= 0 {
			current = c.progress.Current + 1
		}
		if current > c.progress.Total {
			current = c.progress.Total
		}
		c.progress.Current = current
		o.publishStateLocked()

	case generation.EventAutoTurnCompleted:
		content := c.buffer.String()
		c.buffer.Reset()
		if strings.TrimSpace(content) == "" {
			return
		}
		o.commitLocked(roleplay.Turn{
			Sequence:         roleplay.NextSequence(o.turns),
			SceneID:          evt.SceneID,
			VariantID:        evt.VariantID,
			Content:          content,
			GenerationMethod: roleplay.MethodAuto,
		})
		c.committed++
	}
}

func (o *Orchestrator) completeLocked(c *cycle, r generation.Result) {
	content := c.buffer.String()
	if strings.TrimSpace(content) == "" {
		content = r.Content
	}
	c.buffer.Reset()

	if c.kind == CycleDraft {
		o.draft = content
		o.publishLocked(Update{Kind: UpdateDraftReady, Cycle: c.kind, Text: content})
		return
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	turn := roleplay.Turn{
		Sequence:         roleplay.NextSequence(o.turns),
		SceneID:          r.SceneID,
		VariantID:        r.VariantID,
		Content:          content,
		GenerationMethod: roleplay.MethodAuto,
	}
	if c.kind == CycleRegenerate && c.removed != nil {
		turn.Sequence = c.removed.Sequence
		if turn.SceneID == 0 {
			turn.SceneID = c.removed.SceneID
		}
		c.removed = nil
	}
	o.commitLocked(turn)
	c.committed++
}

// flushPartialLocked keeps whatever the buffer holds so no streamed text is
// lost on stop or failure.
func (o *Orchestrator) flushPartialLocked(c *cycle) {
	content := c.buffer.String()
	c.buffer.Reset()
	if strings.TrimSpace(content) == "" {
		return
	}
	if c.kind == CycleDraft {
		o.draft = content
		o.publishLocked(Update{Kind: UpdateDraftReady, Cycle: c.kind, Text: content})
		return
	}

	turn := roleplay.Turn{
		Sequence:         roleplay.NextSequence(o.turns),
		Content:          content,
		GenerationMethod: roleplay.MethodAuto,
	}
	if c.removed != nil {
		// A stopped regenerate still belongs to the scene it was replacing.
		turn.Sequence = c.removed.Sequence
		turn.SceneID = c.removed.SceneID
		c.removed = nil
	}
	o.commitLocked(turn)
	c.committed++
	c.partial = true
}

func (o *Orchestrator) finish(c *cycle, terminal generation.Event, persisted []roleplay.Turn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cycle != c {
		return
	}

	outcome := "done"
	switch {
	case c.aborting:
		outcome = "stopped"
		o.metrics.ObserveStage("stop_to_idle", o.now().Sub(c.stoppedAt))
	case terminal.Kind == generation.EventFailed:
		outcome = "failed"
		o.flushPartialLocked(c)
		msg := strings.TrimSpace(terminal.Message)
		if msg == "" {
			msg = "generation failed"
		}
		o.lastErr = msg
		o.metrics.IncBackendError(string(c.kind))
		o.publishLocked(Update{Kind: UpdateError, Cycle: c.kind, Error: msg})
		o.log.Warn("generation cycle failed",
			zap.String("cycle", string(c.kind)),
			zap.String("error", msg),
			zap.Bool("retryable", terminal.Retryable),
		)
	default:
		o.flushPartialLocked(c)
		o.metrics.ObserveStage("request_to_commit", o.now().Sub(c.startedAt))
	}

	if c.removed != nil {
		// Nothing replaced the regenerated turn; put it back.
		o.commitLocked(*c.removed)
		c.removed = nil
	}
	o.adoptPersistedLocked(c, persisted)

	o.cycle = nil
	o.state = StateIdle
	o.metrics.IncCycle(string(c.kind), outcome)
	o.publishStateLocked()
	o.log.Info("generation cycle finished",
		zap.String("cycle", string(c.kind)),
		zap.String("outcome", outcome),
		zap.Int("committed", c.committed),
		zap.Duration("elapsed", o.now().Sub(c.startedAt)),
	)
}
