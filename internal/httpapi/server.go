package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/taleweave/internal/config"
	"github.com/ent0n29/taleweave/internal/engine"
	"github.com/ent0n29/taleweave/internal/observability"
	"github.com/ent0n29/taleweave/internal/roleplay"
	"github.com/ent0n29/taleweave/internal/session"
	"github.com/ent0n29/taleweave/internal/store"
)

// RoleplayCreator is implemented by backends that can start new roleplays.
// Without one, clients must resume an existing roleplay by id.
type RoleplayCreator interface {
	CreateRoleplay(ctx context.Context, rp store.Roleplay, cast []roleplay.Character) (store.Roleplay, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	creator  RoleplayCreator
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, creator RoleplayCreator, metrics *observability.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		creator:  creator,
		metrics:  metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/roleplays", s.handleCreateSession)
	r.Route("/v1/roleplays/{id}", func(r chi.Router) {
		r.Get("/", s.handleSnapshot)
		r.Post("/end", s.handleEndSession)
		r.Get("/ws", s.handleSessionWS)

		r.Post("/opening", s.handleOpening)
		r.Post("/turns", s.handleSubmitTurn)
		r.Patch("/turns/{sceneID}", s.handleEditTurn)
		r.Delete("/turns", s.handleDeleteTurns)
		r.Post("/regenerate", s.handleRegenerate)
		r.Post("/auto-continue", s.handleAutoContinue)
		r.Post("/auto-player-draft", s.handleAutoPlayerDraft)
		r.Post("/stop", s.handleStop)
		r.Post("/reload", s.handleReload)

		r.Post("/characters", s.handleAddCharacter)
		r.Delete("/characters/{characterID}", s.handleRemoveCharacter)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"backend_mode": s.cfg.BackendMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"backend_mode":    s.cfg.BackendMode,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	event := "resumed"
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		if s.creator == nil {
			respondError(w, http.StatusBadRequest, "missing_session_id", "this backend can only resume existing roleplays")
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			req.Title = "Untitled roleplay"
		}
		rp, err := s.creator.CreateRoleplay(r.Context(), store.Roleplay{Title: req.Title, Scenario: req.Scenario}, req.Characters)
		if err != nil {
			s.log.Warn("create roleplay", zap.Error(err))
			respondError(w, http.StatusBadRequest, "create_failed", err.Error())
			return
		}
		id = rp.ID
		event = "created"
	}

	orch, info, err := s.sessions.Open(r.Context(), id)
	if err != nil {
		status, code := statusFor(err)
		respondError(w, status, code, err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.IncSessionEvent(event)

	status := http.StatusCreated
	if req.Opening {
		if err := orch.GenerateOpening(r.Context()); err != nil && !errors.Is(err, engine.ErrNotEmpty) {
			status, code := statusFor(err)
			respondError(w, status, code, err.Error())
			return
		}
	}

	respondJSON(w, status, session.CreateResponse{
		SessionID:       info.ID,
		Status:          info.Status,
		StartedAt:       info.StartedAt,
		LastActivityAt:  info.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		Snapshot:        orch.Snapshot(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err != nil {
		s.log.Warn("end session", zap.String("session_id", id), zap.Error(err))
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.IncSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, orch.Snapshot())
}

// lookup resolves the {id} path parameter to an open session, writing a 404
// when there is none.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*engine.Orchestrator, bool) {
	orch, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return orch, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
