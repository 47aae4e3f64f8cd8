package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/captionfeed/internal/caption"
	"github.com/MrWong99/captionfeed/internal/observe"
)

const streamWriteTimeout = 5 * time.Second

// captionsView is the caption payload for both the REST read and the stream.
type captionsView struct {
	Seq       uint64          `json:"seq"`
	Captions  []caption.Entry `json:"captions"`
	Speaking  bool            `json:"speaking"`
	Accepting bool            `json:"accepting"`
}

func (s *Server) view(snap *caption.Snapshot, n int) captionsView {
	v := captionsView{
		Seq:       snap.Seq,
		Captions:  snap.Visible(n),
		Accepting: snap.Accepting,
	}
	if s.deps.Speaker != nil {
		v.Speaking = s.deps.Speaker.Speaking()
	}
	return v
}

// visibleCount reads ?n=, defaulting to the engine's configured count.
func (s *Server) visibleCount(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("n")
	if raw == "" {
		return s.deps.Engine.Config().VisibleCount, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("n must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	n, err := s.visibleCount(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.view(s.deps.Engine.Snapshot(), n))
}

// ingestRequest is the body of POST /v1/captions.
type ingestRequest struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type ingestResponse struct {
	Result string `json:"result"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	role := caption.Role(req.Role)
	if role == "" {
		role = caption.RoleAssistant
	}
	if role != caption.RoleUser && role != caption.RoleAssistant {
		writeError(w, http.StatusBadRequest, "role must be user or assistant")
		return
	}

	res := s.deps.Engine.Ingest(role, req.Text)
	status := http.StatusOK
	switch res {
	case caption.ResultCreated:
		status = http.StatusCreated
	case caption.ResultRejected:
		status = http.StatusConflict
	}
	writeJSON(w, status, ingestResponse{Result: res.String()})
}

// handleCaptionStream upgrades to a websocket and pushes a captionsView on
// every engine change. Intermediate snapshots are skipped for slow clients.
func (s *Server) handleCaptionStream(w http.ResponseWriter, r *http.Request) {
	n, err := s.visibleCount(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the error response.
		observe.Logger(r.Context()).Debug("caption stream upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The stream is write-only; CloseRead handles pings and the client's close.
	ctx := conn.CloseRead(r.Context())

	s.instruments.StreamClients.Add(ctx, 1)
	defer s.instruments.StreamClients.Add(context.WithoutCancel(ctx), -1)

	snaps, unsubscribe := s.deps.Engine.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "caption feed closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, s.view(&snap, n))
			cancel()
			if err != nil {
				observe.Logger(ctx).Debug("caption stream write failed", "err", err)
				return
			}
		}
	}
}
