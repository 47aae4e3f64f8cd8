package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/captionfeed/internal/observe"
	"github.com/MrWong99/captionfeed/internal/rag"
	"github.com/MrWong99/captionfeed/internal/resilience"
)

type sessionView struct {
	SessionKey string `json:"session_key"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	key, err := s.deps.Identity.GetOrCreateSessionKey(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("session key unavailable", "err", err)
		// The last known key (or the placeholder) is still usable.
		key = s.deps.Identity.SessionKey()
	}
	writeJSON(w, http.StatusOK, sessionView{SessionKey: key})
}

type queryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.RAG == nil {
		writeError(w, http.StatusServiceUnavailable, "knowledge base is not configured")
		return
	}
	var req queryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	resp, err := s.deps.RAG.Query(r.Context(), req.Query)
	if err != nil {
		var se *rag.StatusError
		switch {
		case errors.Is(err, rag.ErrEmptyQuery):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, resilience.ErrCircuitOpen):
			writeError(w, http.StatusServiceUnavailable, "knowledge base temporarily unavailable")
		case errors.As(err, &se) && !se.Retryable():
			writeError(w, http.StatusBadGateway, se.Error())
		default:
			writeError(w, http.StatusBadGateway, "knowledge base query failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
