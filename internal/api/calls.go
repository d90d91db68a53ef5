package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/consult/internal/call"
	"github.com/petervdpas/consult/internal/identity"
	"github.com/petervdpas/consult/internal/media"
	"github.com/petervdpas/consult/internal/util"
)

var errBadRequest = errors.New("bad request")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The hosting page may be served from any local origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type ctxKey struct{}

// withSession resolves {appointment} to a live session or answers 404.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "appointment")
		sess, ok := s.mgr.Get(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("no session for appointment %q", id)})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sess)))
	})
}

func sessionFrom(r *http.Request) *call.Session {
	return r.Context().Value(ctxKey{}).(*call.Session)
}

// GET /api/call/debug: every session on this node.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	sessions := s.mgr.All()
	statuses := make([]call.Status, 0, len(sessions))
	for _, sess := range sessions {
		statuses = append(statuses, sess.Status())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_count": len(statuses),
		"sessions":      statuses,
	})
}

type startRequest struct {
	AppointmentID string `json:"appointment_id"`
	Role          string `json:"role"`
}

// POST /api/call/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}
	role, err := identity.ParseRole(req.Role)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	sess, err := s.mgr.Start(r.Context(), req.AppointmentID, role)
	if err != nil {
		var st *call.Status
		if sess != nil {
			v := sess.Status()
			st = &v
		}
		writeError(w, err, st)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Status())
}

// GET /api/call/{appointment}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r).Status())
}

// POST /api/call/{appointment}/end
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if err := sess.EndCall(r.Context()); err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleToggle(kind string, toggle func(*call.Session) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		on, err := toggle(sessionFrom(r))
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "enabled": on})
	}
}

// POST /api/call/{appointment}/share: multipart field "file".
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	limit := int64(s.opts.MaxFileSize)
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var mbe *http.MaxBytesError
		if !errors.As(err, &mbe) {
			err = fmt.Errorf("%w: %v", errBadRequest, err)
		}
		writeError(w, err, nil)
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err), nil)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		writeError(w, err, nil)
		return
	}

	shared, err := sess.ShareFile(r.Context(), hdr.Filename, hdr.Header.Get("Content-Type"), data)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": shared.Name, "type": shared.Type, "size": len(data)})
}

// GET /api/call/{appointment}/file: the document currently displayed.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	f := sessionFrom(r).SharedFile()
	if f == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no shared file"})
		return
	}
	ctype, data, err := f.Decode()
	if err != nil {
		writeError(w, err, nil)
		return
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(f.Name)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

// GET /api/call/{appointment}/events: SSE of session events. The first
// event is the current status; the stream ends with the session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sess := sessionFrom(r)
	ch, cancel := sess.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	writeSSE(w, "status", sess.Status())
	flusher.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event string, v any) {
	b, _ := json.Marshal(v)
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}

// GET /api/call/{appointment}/media?view=remote|self: binary WebM messages
// for a Media Source Extensions player.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	var view *media.LiveView
	name := r.URL.Query().Get("view")
	switch name {
	case "", "remote":
		name = "remote"
		view = sess.RemoteView()
	case "self":
		view = sess.SelfView()
	default:
		writeError(w, fmt.Errorf("%w: view must be remote or self", errBadRequest), nil)
		return
	}
	if view == nil {
		writeJSON(w, http.StatusConflict, errorBody{Error: name + " view is not available yet"})
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("[%s] media websocket upgrade: %v", sess.Self(), err)
		return
	}
	defer conn.Close()
	log.Infof("[%s] %s media websocket connected", sess.Self(), name)

	dataCh, cancel := view.Subscribe()
	defer cancel()

	// Drain incoming messages (ping/pong, close frames) without blocking.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-sess.Done():
			return
		case data, ok := <-dataCh:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}
}

// GET /api/call/{appointment}/history?limit=n: ledger events, also for
// appointments whose session has ended.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no ledger configured"})
		return
	}
	id := util.SanitizeName(chi.URLParam(r, "appointment"))
	if id == "" {
		writeError(w, fmt.Errorf("%w: empty appointment id", errBadRequest), nil)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.opts.History.Events(r.Context(), id, limit)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
