// Package daemon repeats a poll on an interval and serves the latest
// status and the shutdown journal over HTTP.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OpenCHAMI/upsmon/pkg/journal"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwt"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"
)

const defaultHistoryLimit = 100

// Poller runs one poll cycle.
type Poller func(ctx context.Context)

// StatusLines returns the most recent status line per UPS.
type StatusLines interface {
	Last() map[string]string
}

// History lists recorded journal events, newest first.
type History interface {
	List(limit int) ([]journal.Event, error)
}

type Config struct {
	Listen   string
	Interval time.Duration
	// HS256 key for bearer tokens; empty serves without authentication
	TokenKey []byte
}

type Server struct {
	config  Config
	poll    Poller
	status  StatusLines
	history History

	mu       sync.RWMutex
	lastPoll time.Time
	polls    int
}

func New(cfg Config, poll Poller, status StatusLines, history History) *Server {
	return &Server{config: cfg, poll: poll, status: status, history: history}
}

// Router builds the HTTP routes. /healthz is always open; everything else
// needs a valid bearer token when a token key is set.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger,
		middleware.Recoverer,
		middleware.StripSlashes,
		middleware.Timeout(60*time.Second),
	)

	router.Get("/healthz", s.handleHealth)
	router.Group(func(r chi.Router) {
		if len(s.config.TokenKey) > 0 {
			r.Use(bearerAuth(s.config.TokenKey))
		}
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
	})
	return router
}

// Run polls immediately and then every interval until ctx is cancelled,
// serving HTTP on the configured address meanwhile. If the server fails,
// the loop is cancelled and an in-flight poll is waited for before Run
// returns, so its sessions are still logged out.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.loop(loopCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.config.Listen).Msg("serving status")
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("status server stopped")
		}
	}
	cancelLoop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("failed to shut down status server cleanly")
	}
	<-loopDone
	return err
}

func (s *Server) loop(ctx context.Context) {
	interval := s.config.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		s.runPoll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) runPoll(ctx context.Context) {
	s.poll(ctx)
	s.mu.Lock()
	s.lastPoll = time.Now()
	s.polls++
	s.mu.Unlock()
}

type health struct {
	Status   string    `json:"status"`
	LastPoll time.Time `json:"last_poll"`
	Polls    int       `json:"polls"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := health{Status: "ok", LastPoll: s.lastPoll, Polls: s.polls}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lines := map[string]string{}
	if s.status != nil {
		lines = s.status.Last()
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, lines)
		return
	}
	// line protocol, one line per UPS, so the endpoint can be scraped as is
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, name := range sortedNames(lines) {
		_, _ = w.Write([]byte(lines[name] + "\n"))
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events, err := s.history.List(limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list journal events")
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// bearerAuth rejects requests without an HS256 token signed with key.
func bearerAuth(key []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if _, err := jwt.Parse([]byte(raw), jwt.WithVerify(jwa.HS256, key), jwt.WithValidate(true)); err != nil {
				log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("rejected bearer token")
				writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func sortedNames(lines map[string]string) []string {
	names := maps.Keys(lines)
	sort.Strings(names)
	return names
}
