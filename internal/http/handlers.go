package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"healthsync/internal/core"
	"healthsync/internal/llm"
	"healthsync/pkg"
)

// agentRequest is the stateless extraction contract: the client owns the
// history and posts it whole on every turn.
type agentRequest struct {
	ConversationHistory []pkg.Turn `json:"conversationHistory"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"variant":         s.Chat.Extractor.Variant(),
		"model":           s.Model,
		"active_sessions": s.Chat.Sessions.ActiveCount(),
	})
}

// handleAgentInfo answers GET /api/agent with a fixed placeholder.
func (s *Server) handleAgentInfo(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"name": "John Doe"})
}

// handleAgent runs one extraction over a client-held history. A reply that
// is not a JSON object cannot be represented in this contract and is
// reported as malformed output together with the raw text.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.ConversationHistory) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "conversationHistory must not be empty")
		return
	}

	conv := core.NewConversation(req.ConversationHistory...)
	res, err := s.Chat.Extractor.Extract(r.Context(), conv, "")
	if err != nil {
		respondExtractError(w, err)
		return
	}
	if res.Record == nil {
		log.Warn().Int("turns", len(req.ConversationHistory)).Msg("model reply is not a JSON object")
		respondJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "Failed to get AI response",
			Code:  "malformed_output",
			Reply: res.Raw,
		})
		return
	}
	respondJSON(w, http.StatusOK, res.Record)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req pkg.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, s.Chat.Start(req.Assistant))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Chat.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req pkg.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	resp, err := s.Chat.Reply(r.Context(), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFinishSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Chat.Finish(chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Chat.End(chi.URLParam(r, "id"))
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, core.ErrSessionFinalized):
		respondError(w, http.StatusConflict, "session_finalized", err.Error())
	case errors.Is(err, core.ErrTurnInProgress):
		respondError(w, http.StatusConflict, "turn_in_progress", err.Error())
	case errors.Is(err, core.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "empty_message", err.Error())
	default:
		respondExtractError(w, err)
	}
}

// respondExtractError reports a failed turn. Every failure is a 500; the
// code tells the client whether sending again may help.
func respondExtractError(w http.ResponseWriter, err error) {
	body := errorResponse{Error: "Failed to get AI response", Code: core.ErrorCode(err)}
	var te *llm.TransportError
	if errors.As(err, &te) {
		body.Retryable = te.Retryable()
	}
	if body.Code == "internal_error" {
		body.Error = "Internal Server Error"
		log.Error().Err(err).Msg("turn failed")
	}
	respondJSON(w, http.StatusInternalServerError, body)
}
