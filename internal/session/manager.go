package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/taleweave/internal/engine"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Factory builds the orchestrator for a session id.
type Factory func(sessionID string) *engine.Orchestrator

type Session struct {
	ID             string    `json:"session_id"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	info Session
	orch *engine.Orchestrator
}

// Manager keeps one live orchestrator per open session.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	factory           Factory
	log               *zap.Logger
	onExpire          func(Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration, factory Factory, log *zap.Logger) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		factory:           factory,
		log:               log,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Open returns the live orchestrator for sessionID, creating it and loading
// the persisted turns when the session is not open yet.
func (m *Manager) Open(ctx context.Context, sessionID string) (*engine.Orchestrator, Session, error) {
	m.mu.Lock()
	if e, ok := m.sessions[sessionID]; ok {
		e.info.LastActivityAt = m.now()
		info := e.info
		m.mu.Unlock()
		return e.orch, info, nil
	}
	m.mu.Unlock()

	orch := m.factory(sessionID)
	if err := orch.Reload(ctx); err != nil {
		_ = orch.Close(context.WithoutCancel(ctx))
		return nil, Session{}, err
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		// Lost a race with a concurrent Open.
		_ = orch.Close(context.WithoutCancel(ctx))
		e.info.LastActivityAt = now
		return e.orch, e.info, nil
	}
	e := &entry{
		info: Session{ID: sessionID, Status: StatusActive, StartedAt: now, LastActivityAt: now},
		orch: orch,
	}
	m.sessions[sessionID] = e
	m.log.Info("session opened", zap.String("session_id", sessionID))
	return orch, e.info, nil
}

// Get returns an open session's orchestrator and marks the session active.
func (m *Manager) Get(sessionID string) (*engine.Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	e.info.LastActivityAt = m.now()
	return e.orch, nil
}

func (m *Manager) Info(sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.info, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.info.LastActivityAt = m.now()
	return nil
}

// End stops any in-flight generation and forgets the session. Persisted
// turns are untouched, so the session can be opened again later.
func (m *Manager) End(ctx context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrNotFound
	}
	delete(m.sessions, sessionID)
	e.info.Status = StatusEnded
	e.info.LastActivityAt = m.now()
	info := e.info
	m.mu.Unlock()

	err := e.orch.Close(ctx)
	m.log.Info("session ended", zap.String("session_id", sessionID))
	return info, err
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive(ctx)
			}
		}
	}()
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll ends every open session, used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for id, e := range m.sessions {
		entries = append(entries, e)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if err := e.orch.Close(ctx); err != nil {
			m.log.Warn("close session", zap.String("session_id", e.info.ID), zap.Error(err))
		}
	}
}

// expireInactive ends idle sessions. A session that is still generating is
// never expired, however long ago the client last spoke.
func (m *Manager) expireInactive(ctx context.Context) {
	now := m.now()
	var expired []*entry

	m.mu.Lock()
	for id, e := range m.sessions {
		if now.Sub(e.info.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		if e.orch.State().Generating() {
			continue
		}
		delete(m.sessions, id)
		e.info.Status = StatusEnded
		e.info.LastActivityAt = now
		expired = append(expired, e)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		if err := e.orch.Close(ctx); err != nil {
			m.log.Warn("close expired session", zap.String("session_id", e.info.ID), zap.Error(err))
		}
		m.log.Info("session expired", zap.String("session_id", e.info.ID))
		if hook != nil {
			hook(e.info)
		}
	}
}
