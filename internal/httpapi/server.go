// Package httpapi serves the read API over the per-player repositories, the
// Prometheus metrics endpoint, and a WebSocket stream of sync progress.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/matchvault/internal/repository"
	"github.com/you/matchvault/internal/syncer"
)

// TokenReloader re-reads credentials from disk and returns a fresh access
// token. Satisfied by auth.RefreshManager.
type TokenReloader interface {
	Refresh(ctx context.Context) (string, error)
}

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type Options struct {
	Addr        string
	CorsOrigins []string
	RateRPS     int
	RateBurst   int
	Metrics     bool
	AccessLog   bool
	Build       BuildInfo

	// Registry is shared with the sync engine's collectors; nil means a
	// private registry.
	Registry *prometheus.Registry
}

type Server struct {
	httpServer *http.Server
	opts       Options

	repos    map[string]*repository.Repository
	metrics  *Metrics
	limiter  *ipRateLimiter
	cors     *corsPolicy
	reloader TokenReloader

	mu      sync.Mutex
	clients map[chan syncer.Summary]struct{}
	closed  bool
}

// New builds the API server over one repository per tracked player.
func New(repos map[string]*repository.Repository, reloader TokenReloader, opts Options) *Server {
	srv := &Server{
		opts:     opts,
		repos:    repos,
		metrics:  newMetrics(opts.Registry),
		limiter:  newIPRateLimiter(opts.RateRPS, opts.RateBurst),
		cors:     newCORSPolicy(opts.CorsOrigins),
		reloader: reloader,
		clients:  make(map[chan syncer.Summary]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.wrap("healthz", srv.handleHealthz))
	mux.HandleFunc("/api/info", srv.wrap("info", srv.handleInfo))
	mux.HandleFunc("/api/players", srv.wrap("players", srv.handlePlayers))
	mux.HandleFunc("/api/matches", srv.wrap("matches", srv.handleMatches))
	mux.HandleFunc("/api/matches/", srv.wrap("match", srv.handleMatch))
	mux.HandleFunc("/api/citations", srv.wrap("citations", srv.handleCitations))
	mux.HandleFunc("/api/score", srv.wrap("score", srv.handleScore))
	mux.HandleFunc("/api/sessions", srv.wrap("sessions", srv.handleSessions))
	mux.HandleFunc("/api/count", srv.wrap("count", srv.handleCount))
	mux.HandleFunc("/api/stream", srv.wrap("stream", srv.handleStream))
	mux.HandleFunc("/admin/token/reload", srv.wrap("token_reload", srv.handleTokenReload))
	if opts.Metrics {
		mux.Handle("/metrics", srv.metrics.Handler())
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// wrap applies the shared middleware chain: rate limit, CORS, gzip, metrics,
// and the optional access log.
func (s *Server) wrap(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)

		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(rec, "rate limit exceeded", http.StatusTooManyRequests)
			s.observe(route, r, rec, start)
			return
		}

		if handled, _ := s.cors.handlePreflight(rec, r); handled {
			s.observe(route, r, rec, start)
			return
		}
		if !s.cors.applyHeaders(rec, r) {
			http.Error(rec, "origin not allowed", http.StatusForbidden)
			s.observe(route, r, rec, start)
			return
		}

		if gz, ok := maybeGzip(rec, r); ok {
			defer gz.Close()
		}

		next(rec, r)
		s.observe(route, r, rec, start)
	}
}

func (s *Server) observe(route string, r *http.Request, rec *responseRecorder, start time.Time) {
	dur := time.Since(start)
	s.metrics.ObserveRequest(route, r.Method, rec.Status(), dur)
	if s.opts.AccessLog {
		slog.Info("http",
			"route", route,
			"method", r.Method,
			"status", rec.Status(),
			"bytes", rec.Bytes(),
			"ip", remoteIP(r),
			"dur_ms", dur.Milliseconds())
	}
}

// repo resolves the repository for the request's player parameter. With a
// single tracked player the parameter may be omitted.
func (s *Server) repo(w http.ResponseWriter, r *http.Request) *repository.Repository {
	player := strings.TrimSpace(r.URL.Query().Get("player"))
	if player == "" && len(s.repos) == 1 {
		for _, repo := range s.repos {
			return repo
		}
	}
	repo, ok := s.repos[player]
	if !ok {
		http.Error(w, "unknown player", http.StatusNotFound)
		return nil
	}
	return repo
}

func (s *Server) filters(w http.ResponseWriter, r *http.Request) (repository.Filters, bool) {
	f, err := repository.ParseFilters(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return repository.Filters{}, false
	}
	return f, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handlePlayers(w http.ResponseWriter, _ *http.Request) {
	players := make([]string, 0, len(s.repos))
	for id := range s.repos {
		players = append(players, id)
	}
	sort.Strings(players)
	writeJSON(w, map[string]any{"players": players})
}

func (s *Server) handleTokenReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.reloader == nil {
		http.Error(w, "token refresh not configured", http.StatusNotImplemented)
		return
	}
	if _, err := s.reloader.Refresh(r.Context()); err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"ok": "true"})
}

// Publish fans a sync progress summary out to connected stream clients.
// Slow clients drop events rather than blocking the sync loop.
func (s *Server) Publish(sum syncer.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.clients {
		select {
		case ch <- sum:
		default:
			s.metrics.IncBroadcastDrops()
		}
	}
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
