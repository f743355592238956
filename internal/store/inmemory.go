package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/taleweave/internal/roleplay"
)

type memScene struct {
	id       int64
	sequence int
	method   roleplay.GenerationMethod
	variants map[int64]string
	current  int64
	created  time.Time
}

type memRoleplay struct {
	header     Roleplay
	scenes     []*memScene
	characters []roleplay.Character
}

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	roleplays   map[string]*memRoleplay
	nextScene   int64
	nextVariant int64
	nextChar    int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{roleplays: make(map[string]*memRoleplay)}
}

func (s *InMemoryStore) CreateRoleplay(_ context.Context, rp Roleplay) (Roleplay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rp.ID == "" {
		rp.ID = uuid.NewString()
	}
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = time.Now().UTC()
	}
	if _, ok := s.roleplays[rp.ID]; ok {
		return Roleplay{}, fmt.Errorf("roleplay %s already exists", rp.ID)
	}
	s.roleplays[rp.ID] = &memRoleplay{header: rp}
	return rp, nil
}

func (s *InMemoryStore) GetRoleplay(_ context.Context, id string) (Roleplay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rp, ok := s.roleplays[id]
	if !ok {
		return Roleplay{}, ErrNotFound
	}
	return rp.header, nil
}

func (s *InMemoryStore) ListTurns(_ context.Context, roleplayID string) ([]roleplay.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rp, ok := s.roleplays[roleplayID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]roleplay.Turn, 0, len(rp.scenes))
	for _, sc := range rp.scenes {
		out = append(out, sc.turn())
	}
	return out, nil
}

func (s *InMemoryStore) InsertTurn(_ context.Context, roleplayID string, t NewTurn) (roleplay.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.roleplays[roleplayID]
	if !ok {
		return roleplay.Turn{}, ErrNotFound
	}
	seq := t.Sequence
	if seq <= 0 {
		seq = 1
		if n := len(rp.scenes); n > 0 {
			seq = rp.scenes[n-1].sequence + 1
		}
	}
	s.nextScene++
	s.nextVariant++
	sc := &memScene{
		id:       s.nextScene,
		sequence: seq,
		method:   t.GenerationMethod,
		variants: map[int64]string{s.nextVariant: t.Content},
		current:  s.nextVariant,
		created:  time.Now().UTC(),
	}
	rp.scenes = append(rp.scenes, sc)
	sort.SliceStable(rp.scenes, func(i, j int) bool { return rp.scenes[i].sequence < rp.scenes[j].sequence })
	return sc.turn(), nil
}

func (s *InMemoryStore) AddVariant(_ context.Context, roleplayID string, sceneID int64, content string) (roleplay.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, err := s.sceneLocked(roleplayID, sceneID)
	if err != nil {
		return roleplay.Turn{}, err
	}
	s.nextVariant++
	sc.variants[s.nextVariant] = content
	sc.current = s.nextVariant
	return sc.turn(), nil
}

func (s *InMemoryStore) UpdateTurnContent(_ context.Context, roleplayID string, sceneID int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, err := s.sceneLocked(roleplayID, sceneID)
	if err != nil {
		return err
	}
	sc.variants[sc.current] = content
	return nil
}

func (s *InMemoryStore) DeleteTurnsFrom(_ context.Context, roleplayID string, sequence int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.roleplays[roleplayID]
	if !ok {
		return ErrNotFound
	}
	kept := rp.scenes[:0]
	for _, sc := range rp.scenes {
		if sc.sequence < sequence {
			kept = append(kept, sc)
		}
	}
	rp.scenes = kept
	return nil
}

func (s *InMemoryStore) ListCharacters(_ context.Context, roleplayID string) ([]roleplay.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rp, ok := s.roleplays[roleplayID]
	if !ok {
		return nil, ErrNotFound
	}
	return roleplay.Roster(rp.characters).Clone(), nil
}

func (s *InMemoryStore) AddCharacter(_ context.Context, roleplayID string, c roleplay.Character) (roleplay.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.roleplays[roleplayID]
	if !ok {
		return roleplay.Character{}, ErrNotFound
	}
	if c.IsPlayer {
		if _, exists := roleplay.Roster(rp.characters).Player(); exists {
			return roleplay.Character{}, fmt.Errorf("roleplay %s already has a player character", roleplayID)
		}
	}
	s.nextChar++
	c.StoryCharacterID = s.nextChar
	c.IsActive = true
	rp.characters = append(rp.characters, c)
	return c, nil
}

func (s *InMemoryStore) SetCharacterActive(_ context.Context, roleplayID string, storyCharacterID int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.roleplays[roleplayID]
	if !ok {
		return ErrNotFound
	}
	for i := range rp.characters {
		if rp.characters[i].StoryCharacterID == storyCharacterID {
			rp.characters[i].IsActive = active
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) sceneLocked(roleplayID string, sceneID int64) (*memScene, error) {
	rp, ok := s.roleplays[roleplayID]
	if !ok {
		return nil, ErrNotFound
	}
	for _, sc := range rp.scenes {
		if sc.id == sceneID {
			return sc, nil
		}
	}
	return nil, ErrNotFound
}

func (sc *memScene) turn() roleplay.Turn {
	created := sc.created
	return roleplay.Turn{
		Sequence:         sc.sequence,
		SceneID:          sc.id,
		VariantID:        sc.current,
		Content:          sc.variants[sc.current],
		GenerationMethod: sc.method,
		CreatedAt:        &created,
	}
}
