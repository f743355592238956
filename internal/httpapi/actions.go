package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/taleweave/internal/engine"
	"github.com/ent0n29/taleweave/internal/generation"
	"github.com/ent0n29/taleweave/internal/protocol"
	"github.com/ent0n29/taleweave/internal/roleplay"
	"github.com/ent0n29/taleweave/internal/session"
	"github.com/ent0n29/taleweave/internal/store"
)

type submitRequest struct {
	Text string             `json:"text"`
	Mode roleplay.InputMode `json:"mode"`
}

type autoContinueRequest struct {
	Count int `json:"count"`
}

type editRequest struct {
	Content string `json:"content"`
}

// dispatch runs one client action against a session. HTTP handlers and the
// websocket read loop share it.
func dispatch(ctx context.Context, orch *engine.Orchestrator, a protocol.ClientAction) error {
	switch a.Action {
	case protocol.ActionOpening:
		return orch.GenerateOpening(ctx)
	case protocol.ActionSubmit:
		mode := a.Mode
		if mode == "" {
			mode = roleplay.ModeCharacter
		}
		return orch.SubmitTurn(ctx, a.Text, mode)
	case protocol.ActionRegenerate:
		return orch.RegenerateLastAITurn(ctx)
	case protocol.ActionAutoContinue:
		return orch.AutoContinue(ctx, a.Count)
	case protocol.ActionAutoPlayerDraft:
		return orch.AutoPlayerDraft(ctx)
	case protocol.ActionStop:
		return orch.Stop(ctx)
	case protocol.ActionEdit:
		return orch.EditTurn(ctx, a.SceneID, a.Text)
	case protocol.ActionDelete:
		return orch.DeleteFromSequence(ctx, a.Sequence)
	case protocol.ActionReload:
		return orch.Reload(ctx)
	case protocol.ActionAddCharacter:
		if a.Character == nil {
			return engine.ErrEmptyInput
		}
		_, err := orch.AddCharacter(ctx, *a.Character)
		return err
	case protocol.ActionRemoveCharacter:
		return orch.RemoveCharacter(ctx, a.CharacterID)
	default:
		return protocol.ErrUnsupportedType
	}
}

// statusFor maps engine and backend errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, engine.ErrInFlightTarget):
		return http.StatusConflict, "in_flight_target"
	case errors.Is(err, engine.ErrNotEmpty):
		return http.StatusConflict, "not_empty"
	case errors.Is(err, engine.ErrNoAITurn):
		return http.StatusConflict, "no_ai_turn"
	case errors.Is(err, engine.ErrNotPersisted):
		return http.StatusConflict, "not_persisted"
	case errors.Is(err, engine.ErrEmptyInput),
		errors.Is(err, engine.ErrInvalidMode),
		errors.Is(err, engine.ErrInvalidCount),
		errors.Is(err, engine.ErrInvalidSeq),
		errors.Is(err, protocol.ErrUnsupportedType):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, engine.ErrTurnNotFound),
		errors.Is(err, generation.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrClosed):
		return http.StatusGone, "session_closed"
	default:
		return http.StatusBadGateway, "backend_error"
	}
}

// act runs an action for the session in the URL and answers with the
// session snapshot.
func (s *Server) act(w http.ResponseWriter, r *http.Request, status int, a protocol.ClientAction) {
	orch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := dispatch(r.Context(), orch, a); err != nil {
		code, name := statusFor(err)
		respondError(w, code, name, err.Error())
		return
	}
	respondJSON(w, status, orch.Snapshot())
}

func (s *Server) handleOpening(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, http.StatusAccepted, protocol.ClientAction{Action: protocol.ActionOpening})
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.act(w, r, http.StatusAccepted, protocol.ClientAction{Action: protocol.ActionSubmit, Text: req.Text, Mode: req.Mode})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, http.StatusAccepted, protocol.ClientAction{Action: protocol.ActionRegenerate})
}

func (s *Server) handleAutoContinue(w http.ResponseWriter, r *http.Request) {
	req := autoContinueRequest{Count: 1}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.act(w, r, http.StatusAccepted, protocol.ClientAction{Action: protocol.ActionAutoContinue, Count: req.Count})
}

func (s *Server) handleAutoPlayerDraft(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, http.StatusAccepted, protocol.ClientAction{Action: protocol.ActionAutoPlayerDraft})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, http.StatusOK, protocol.ClientAction{Action: protocol.ActionStop})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, http.StatusOK, protocol.ClientAction{Action: protocol.ActionReload})
}

func (s *Server) handleEditTurn(w http.ResponseWriter, r *http.Request) {
	sceneID, err := strconv.ParseInt(chi.URLParam(r, "sceneID"), 10, 64)
	if err != nil || sceneID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_scene_id", "scene id must be a positive integer")
		return
	}
	var req editRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.act(w, r, http.StatusOK, protocol.ClientAction{Action: protocol.ActionEdit, SceneID: sceneID, Text: req.Content})
}

func (s *Server) handleDeleteTurns(w http.ResponseWriter, r *http.Request) {
	from, err := strconv.Atoi(r.URL.Query().Get("from"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_sequence", "query parameter from must be an integer")
		return
	}
	s.act(w, r, http.StatusOK, protocol.ClientAction{Action: protocol.ActionDelete, Sequence: from})
}

func (s *Server) handleAddCharacter(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var c roleplay.Character
	if err := decodeJSON(r, &c); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	added, err := orch.AddCharacter(r.Context(), c)
	if err != nil {
		code, name := statusFor(err)
		respondError(w, code, name, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, added)
}

func (s *Server) handleRemoveCharacter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "characterID"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_character_id", "character id must be a positive integer")
		return
	}
	s.act(w, r, http.StatusOK, protocol.ClientAction{Action: protocol.ActionRemoveCharacter, CharacterID: id})
}
