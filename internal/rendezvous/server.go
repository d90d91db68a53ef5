// Package rendezvous is the broker participants meet at: a name registry with
// signaling relay on /peer and named broadcast channels on /broadcast.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/cors"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/petervdpas/consult/internal/proto"
	"github.com/petervdpas/consult/internal/storage"
	"github.com/petervdpas/consult/internal/util"
)

var log = logging.Logger("rendezvous")

const (
	defaultTTL     = 15 * time.Second
	defaultMaxLogs = 500
	adminUser      = "admin"
)

// Ledger records registry events. *storage.DB satisfies it.
type Ledger interface {
	Record(ctx context.Context, e storage.Event) error
}

type Options struct {
	Addr        string
	ExternalURL string // public URL for brokers behind NAT/reverse proxy
	// A registration without traffic for TTL is dropped.
	TTL time.Duration
	// bcrypt hash for HTTP Basic user "admin". Empty disables /api/peers and /api/log.
	AdminPasswordHash string
	AllowedOrigins    []string
	Ledger            Ledger
	MaxLogs           int
}

type Server struct {
	opts Options
	srv  *http.Server

	mu    sync.RWMutex
	peers map[string]*registration
	addr  string

	hub *hub

	logs *util.RingBuffer[string]
}

func New(opts Options) *Server {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = defaultMaxLogs
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{
		opts:  opts,
		peers: make(map[string]*registration),
		hub:   newHub(),
		logs:  util.NewRingBuffer[string](opts.MaxLogs),
		addr:  opts.Addr,
	}
}

// Handler returns the broker's routes behind CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc(proto.PeerPath, s.handlePeer)
	mux.HandleFunc(proto.BroadcastPath, s.handleBroadcast)

	// Admin-protected endpoints
	mux.HandleFunc("/api/peers", s.handlePeersJSON)
	mux.HandleFunc("/api/log", s.handleLogJSON)

	return cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	})(mux)
}

// Start listens on Options.Addr and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go s.expireLoop(ctx)

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Stop server when ctx ends
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		s.closeAll()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("rendezvous server error: %v", err)
		}
	}()

	s.addLog(fmt.Sprintf("listening on %s (registration ttl %s)", s.addr, s.opts.TTL))
	return nil
}

func (s *Server) URL() string {
	if s.opts.ExternalURL != "" {
		return s.opts.ExternalURL
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return "http://" + s.addr
}

// PeerInfo is one row of /api/peers.
type PeerInfo struct {
	ID          string `json:"id"`
	RemoteAddr  string `json:"remote_addr"`
	ConnectedAt int64  `json:"connected_at"`
	LastSeen    int64  `json:"last_seen"`
	Messages    int64  `json:"messages"`
}

// Snapshot lists current registrations ordered by name.
func (s *Server) Snapshot() []PeerInfo {
	s.mu.RLock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, reg := range s.peers {
		out = append(out, reg.info())
	}
	s.mu.RUnlock()
	sortPeers(out)
	return out
}

func (s *Server) handlePeersJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"peers":    s.Snapshot(),
		"channels": s.hub.channels(),
	})
}

func (s *Server) handleLogJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	n := -1
	if v := r.URL.Query().Get("n"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			n = i
		}
	}
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.logs.Last(n))
}

func (s *Server) addLog(msg string) {
	s.logs.Push(fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg))
	log.Info(msg)
}

// record writes a registry event to the ledger, if any.
func (s *Server) record(kind, peer, detail string) {
	if s.opts.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := s.opts.Ledger.Record(ctx, storage.Event{Peer: peer, Kind: kind, Detail: detail}); err != nil {
		log.Warnf("[%s] ledger: %v", peer, err)
	}
}

// requireAdmin checks HTTP Basic Auth against the bcrypt hash. Returns true if authorized.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.AdminPasswordHash == "" {
		http.Error(w, "admin endpoints disabled", http.StatusForbidden)
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != adminUser ||
		bcrypt.CompareHashAndPassword([]byte(s.opts.AdminPasswordHash), []byte(pass)) != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="Consult Broker"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// HashPassword returns the bcrypt hash stored in broker.admin_password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// closeAll drops every registration and broadcast subscriber.
func (s *Server) closeAll() {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.peers))
	for id, reg := range s.peers {
		regs = append(regs, reg)
		delete(s.peers, id)
	}
	s.mu.Unlock()
	for _, reg := range regs {
		reg.close()
	}
	s.hub.closeAll()
}

// extractIP returns the IP portion of a host:port address.
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
