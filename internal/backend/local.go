// Package backend implements the generation contract in-process on top of a
// store and an LLM adapter.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/taleweave/internal/attribution"
	"github.com/ent0n29/taleweave/internal/generation"
	"github.com/ent0n29/taleweave/internal/llm"
	"github.com/ent0n29/taleweave/internal/logging"
	"github.com/ent0n29/taleweave/internal/reliability"
	"github.com/ent0n29/taleweave/internal/roleplay"
	"github.com/ent0n29/taleweave/internal/store"
)

const (
	streamBuffer        = 64
	defaultHistoryTurns = 40
)

type LocalConfig struct {
	Store   store.Store
	Adapter llm.Adapter
	Logger  *zap.Logger
	// ChunkMinChars coalesces model deltas into chunks of at least this size.
	ChunkMinChars int
	HistoryTurns  int
}

// Local persists scenes through a store and writes prose with an LLM adapter.
type Local struct {
	store         store.Store
	llm           llm.Adapter
	log           *zap.Logger
	chunkMinChars int
	historyTurns  int
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Store == nil {
		return nil, errors.New("local backend requires a store")
	}
	if cfg.Adapter == nil {
		return nil, errors.New("local backend requires an llm adapter")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	history := cfg.HistoryTurns
	if history <= 0 {
		history = defaultHistoryTurns
	}
	return &Local{
		store:         cfg.Store,
		llm:           cfg.Adapter,
		log:           log,
		chunkMinChars: cfg.ChunkMinChars,
		historyTurns:  history,
	}, nil
}

// CreateRoleplay persists a new session with its starting cast.
func (b *Local) CreateRoleplay(ctx context.Context, rp store.Roleplay, cast []roleplay.Character) (store.Roleplay, error) {
	created, err := b.store.CreateRoleplay(ctx, rp)
	if err != nil {
		return store.Roleplay{}, err
	}
	for _, c := range cast {
		if _, err := b.store.AddCharacter(ctx, created.ID, c); err != nil {
			return store.Roleplay{}, fmt.Errorf("add character %q: %w", c.Name, err)
		}
	}
	return created, nil
}

func (b *Local) GenerateOpening(ctx context.Context, sessionID string) (<-chan generation.Event, error) {
	sc, err := b.loadScene(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return b.run(ctx, func(ctx context.Context, s *generation.Stream) generation.Event {
		if err := s.Emit(ctx, generation.Started(generation.StartMeta{})); err != nil {
			return failure(err)
		}
		speaker := sc.firstSpeaker()
		text, err := b.generate(ctx, s, sc.request(speaker, false))
		turn, perr := b.persistAuto(ctx, sessionID, text, err)
		if err != nil {
			return failure(err)
		}
		if perr != nil {
			return failure(perr)
		}
		return b.complete(ctx, s, turn)
	}), nil
}

func (b *Local) GenerateTurn(ctx context.Context, sessionID, text string, mode roleplay.InputMode) (<-chan generation.Event, error) {
	method, ok := mode.Method()
	if !ok {
		return nil, fmt.Errorf("unknown input mode %q", mode)
	}
	sc, err := b.loadScene(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return b.run(ctx, func(ctx context.Context, s *generation.Stream) generation.Event {
		userTurn, err := b.store.InsertTurn(ctx, sessionID, store.NewTurn{Content: text, GenerationMethod: method})
		if err != nil {
			return failure(fmt.Errorf("save player turn: %w", err))
		}
		meta := generation.StartMeta{
			UserSceneID:   userTurn.SceneID,
			UserVariantID: userTurn.VariantID,
			UserSequence:  userTurn.Sequence,
		}
		if err := s.Emit(ctx, generation.Started(meta)); err != nil {
			return failure(err)
		}

		sc.turns = append(sc.turns, userTurn)
		speaker := sc.nextSpeaker()
		reply, err := b.generate(ctx, s, sc.request(speaker, false))
		turn, perr := b.persistAuto(ctx, sessionID, reply, err)
		if err != nil {
			return failure(err)
		}
		if perr != nil {
			return failure(perr)
		}
		return b.complete(ctx, s, turn)
	}), nil
}

func (b *Local) RegenerateTurn(ctx context.Context, sessionID string, targetSceneID int64) (<-chan generation.Event, error) {
	sc, err := b.loadScene(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, t := range sc.turns {
		if t.SceneID == targetSceneID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("scene %d: %w", targetSceneID, generation.ErrNotFound)
	}
	target := sc.turns[idx]
	speaker := attribution.Attribute(target.Content, sc.roster).PrimarySpeaker
	if speaker == "" {
		speaker = sc.firstSpeaker()
	}
	sc.turns = sc.turns[:idx]

	return b.run(ctx, func(ctx context.Context, s *generation.Stream) generation.Event {
		if err := s.Emit(ctx, generation.Started(generation.StartMeta{})); err != nil {
			return failure(err)
		}
		text, err := b.generate(ctx, s, sc.request(speaker, false))
		if strings.TrimSpace(text) == "" {
			if err != nil {
				return failure(err)
			}
			return generation.Failed("model returned no text")
		}
		turn, perr := b.store.AddVariant(context.WithoutCancel(ctx), sessionID, targetSceneID, text)
		if err != nil {
			return failure(err)
		}
		if perr != nil {
			return failure(fmt.Errorf("save variant: %w", perr))
		}
		return b.complete(ctx, s, turn)
	}), nil
}

func (b *Local) AutoContinue(ctx context.Context, sessionID string, count int) (<-chan generation.Event, error) {
	if count < 1 {
		return nil, fmt.Errorf("auto-continue count %d", count)
	}
	sc, err := b.loadScene(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(sc.roster.ActiveNonPlayers()) == 0 {
		return nil, errors.New("no active AI characters to continue with")
	}
	return b.run(ctx, func(ctx context.Context, s *generation.Stream) generation.Event {
		if err := s.Emit(ctx, generation.Started(generation.StartMeta{})); err != nil {
			return failure(err)
		}
		for i := 1; i <= count; i++ {
			if err := s.Emit(ctx, generation.AutoTurnStarted(i)); err != nil {
				return failure(err)
			}
			speaker := sc.nextSpeaker()
			text, err := b.generate(ctx, s, sc.request(speaker, false))
			turn, perr := b.persistAuto(ctx, sessionID, text, err)
			if err != nil {
				return failure(err)
			}
			if perr != nil {
				return failure(perr)
			}
			sc.turns = append(sc.turns, turn)
			if err := s.Emit(ctx, generation.AutoTurnCompleted(i, turn.SceneID, turn.VariantID)); err != nil {
				return failure(err)
			}
		}
		return generation.Done()
	}), nil
}

// AutoPlayerDraft writes in the player's voice and never persists the result.
func (b *Local) AutoPlayerDraft(ctx context.Context, sessionID string) (<-chan generation.Event, error) {
	sc, err := b.loadScene(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	player, ok := sc.roster.Player()
	if !ok {
		return nil, errors.New("session has no player character")
	}
	return b.run(ctx, func(ctx context.Context, s *generation.Stream) generation.Event {
		if err := s.Emit(ctx, generation.Started(generation.StartMeta{})); err != nil {
			return failure(err)
		}
		text, err := b.generate(ctx, s, sc.request(player.Name, true))
		if err != nil {
			return failure(err)
		}
		if err := s.Emit(ctx, generation.Completed(generation.Result{Content: text})); err != nil {
			return failure(err)
		}
		return generation.Done()
	}), nil
}

func (b *Local) ListTurns(ctx context.Context, sessionID string) ([]roleplay.Turn, error) {
	return b.store.ListTurns(ctx, sessionID)
}

func (b *Local) EditTurn(ctx context.Context, sessionID string, sceneID int64, content string) error {
	err := b.store.UpdateTurnContent(ctx, sessionID, sceneID, content)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("scene %d: %w", sceneID, generation.ErrNotFound)
	}
	return err
}

func (b *Local) DeleteTurnsFrom(ctx context.Context, sessionID string, sequence int) error {
	return b.store.DeleteTurnsFrom(ctx, sessionID, sequence)
}

func (b *Local) ListCharacters(ctx context.Context, sessionID string) ([]roleplay.Character, error) {
	return b.store.ListCharacters(ctx, sessionID)
}

func (b *Local) AddCharacter(ctx context.Context, sessionID string, c roleplay.Character) (roleplay.Character, error) {
	return b.store.AddCharacter(ctx, sessionID, c)
}

// RemoveCharacter deactivates the character; history keeps referring to it.
func (b *Local) RemoveCharacter(ctx context.Context, sessionID string, storyCharacterID int64) error {
	err := b.store.SetCharacterActive(ctx, sessionID, storyCharacterID, false)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("character %d: %w", storyCharacterID, generation.ErrNotFound)
	}
	return err
}

type producer func(ctx context.Context, s *generation.Stream) generation.Event

// run executes p on its own goroutine; the stream always ends with the
// terminal event p returns.
func (b *Local) run(ctx context.Context, p producer) <-chan generation.Event {
	s := generation.NewStream(streamBuffer)
	go func() {
		s.Finish(p(ctx, s))
	}()
	return s.Events()
}

// generate streams model output as coalesced chunks and returns everything
// produced so far, also when the model fails midway.
func (b *Local) generate(ctx context.Context, s *generation.Stream, req llm.Request) (string, error) {
	c := llm.NewCoalescer(b.chunkMinChars)
	var out strings.Builder
	_, err := b.llm.StreamCompletion(ctx, req, func(delta string) error {
		out.WriteString(delta)
		for _, chunk := range c.Push(delta) {
			if err := s.Emit(ctx, generation.Chunk(chunk)); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		for _, chunk := range c.Flush() {
			if emitErr := s.Emit(ctx, generation.Chunk(chunk)); emitErr != nil {
				err = emitErr
				break
			}
		}
	}
	if err != nil {
		b.log.Warn("llm stream failed",
			zap.String("session_id", req.SessionID),
			zap.String("speaker", req.Speaker),
			logging.RedactedError(err),
		)
	}
	return out.String(), err
}

// persistAuto saves generated text as an auto scene. Text produced before a
// failure is saved too, matching what the engine keeps locally.
func (b *Local) persistAuto(ctx context.Context, sessionID, text string, genErr error) (roleplay.Turn, error) {
	if strings.TrimSpace(text) == "" {
		if genErr == nil {
			return roleplay.Turn{}, errors.New("model returned no text")
		}
		return roleplay.Turn{}, nil
	}
	turn, err := b.store.InsertTurn(context.WithoutCancel(ctx), sessionID, store.NewTurn{
		Content:          text,
		GenerationMethod: roleplay.MethodAuto,
	})
	if err != nil {
		return roleplay.Turn{}, fmt.Errorf("save generated turn: %w", err)
	}
	return turn, nil
}

func (b *Local) complete(ctx context.Context, s *generation.Stream, turn roleplay.Turn) generation.Event {
	err := s.Emit(ctx, generation.Completed(generation.Result{
		SceneID:   turn.SceneID,
		VariantID: turn.VariantID,
		Content:   turn.Content,
	}))
	if err != nil {
		return failure(err)
	}
	return generation.Done()
}

func failure(err error) generation.Event {
	evt := generation.Failed(err.Error())
	evt.Retryable = reliability.IsRetryableError(err)
	return evt
}
