package server

import (
	"errors"
	"net/http"

	"github.com/MrWong99/captionfeed/internal/level"
)

type levelView struct {
	Level          float64 `json:"level"`
	Active         bool    `json:"active"`
	HasPermissions bool    `json:"has_permissions"`
	IsRequesting   bool    `json:"is_requesting"`
}

func (s *Server) levelView() levelView {
	var v levelView
	if l := s.deps.Level; l != nil {
		v.Level = l.Level()
		v.Active = l.Active()
	}
	if p := s.deps.Permissions; p != nil {
		v.HasPermissions = p.HasPermissions()
		v.IsRequesting = p.IsRequesting()
	}
	return v
}

func (s *Server) handleLevel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.levelView())
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Permissions == nil {
		writeError(w, http.StatusServiceUnavailable, "microphone capture is disabled")
		return
	}
	err := s.deps.Permissions.RequestPermissions(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.levelView())
	case errors.Is(err, level.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}
