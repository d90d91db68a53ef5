// Package api is the participant's local HTTP API. A hosting page starts and
// ends sessions, shares documents and renders the live views through it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/consult/internal/call"
	"github.com/petervdpas/consult/internal/identity"
	"github.com/petervdpas/consult/internal/storage"
	"github.com/petervdpas/consult/internal/util"
)

var log = logging.Logger("api")

// History lists ledger events. *storage.DB satisfies it.
type History interface {
	Events(ctx context.Context, appointmentID string, limit int) ([]storage.Event, error)
}

type Options struct {
	Addr           string
	AllowedOrigins []string
	// MaxFileSize mirrors call.Options.MaxFileSize; uploads are cut off a
	// little above it so the session reports the precise error.
	MaxFileSize int
	History     History // optional
}

type Server struct {
	mgr  *call.Manager
	opts Options
	srv  *http.Server
	addr string
}

func New(mgr *call.Manager, opts Options) *Server {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = call.DefaultMaxFileSize
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{mgr: mgr, opts: opts, addr: opts.Addr}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/call", func(r chi.Router) {
		r.Get("/debug", s.handleDebug)
		r.Post("/start", s.handleStart)

		r.Route("/{appointment}", func(r chi.Router) {
			r.Get("/history", s.handleHistory)

			r.Group(func(r chi.Router) {
				r.Use(s.withSession)
				r.Get("/", s.handleStatus)
				r.Post("/end", s.handleEnd)
				r.Post("/toggle-audio", s.handleToggle("audio", (*call.Session).ToggleAudio))
				r.Post("/toggle-video", s.handleToggle("video", (*call.Session).ToggleVideo))
				r.Post("/share", s.handleShare)
				r.Get("/file", s.handleFile)
				r.Get("/events", s.handleEvents)
				r.Get("/media", s.handleMedia)
			})
		})
	})
	return r
}

// Start listens on Options.Addr and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("api server error: %v", err)
		}
	}()
	log.Infof("[api] listening on http://%s", s.addr)
	return nil
}

func (s *Server) URL() string { return "http://" + s.addr }

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debugf("[api] %s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string       `json:"error"`
	Kind   call.Kind    `json:"kind,omitempty"`
	Status *call.Status `json:"status,omitempty"`
}

// writeError maps err onto an HTTP status. st, when set, is the session the
// failed operation left behind.
func writeError(w http.ResponseWriter, err error, st *call.Status) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Kind: call.KindOf(err), Status: st})
}

func statusFor(err error) int {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, call.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, call.ErrNoTrack):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, identity.ErrUnknownRole),
		errors.Is(err, identity.ErrEmptyAppointmentID):
		return http.StatusBadRequest
	}
	switch call.KindOf(err) {
	case call.KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case call.KindChannelNotOpen, call.KindIdentityCollision:
		return http.StatusConflict
	case call.KindUnsupportedFile:
		return http.StatusUnsupportedMediaType
	case call.KindPermissionDenied:
		return http.StatusForbidden
	case call.KindSessionClosed:
		return http.StatusGone
	case call.KindTransport, call.KindPeerUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
