// Package web provides the HTTP admin interface for Kestrel: JSON stats for
// the server and each queue.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/strategist922/kestrel/internal/queue"
	"github.com/strategist922/kestrel/internal/version"
)

const apiVersionPath = "/api/v1"

// Server represents the admin web server.
type Server struct {
	addr      string
	queues    *queue.Collection
	server    *http.Server
	startTime time.Time
	apiToken  string // shared secret for API auth (empty = no auth)
}

// New creates an admin server for the collection.
func New(addr string, queues *queue.Collection) *Server {
	return NewWithToken(addr, queues, "")
}

// NewWithToken creates an admin server with an optional bearer token.
func NewWithToken(addr string, queues *queue.Collection, token string) *Server {
	return &Server{
		addr:      addr,
		queues:    queues,
		startTime: time.Now(),
		apiToken:  token,
	}
}

// StatsResponse is the global stats document.
type StatsResponse struct {
	Version     string                `json:"version"`
	Uptime      int64                 `json:"uptime"`
	UptimeHuman string                `json:"uptime_human"`
	GoRoutines  int                   `json:"goroutines"`
	CPUs        int                   `json:"cpus"`
	Queues      map[string]QueueStats `json:"queues"`
}

// QueueStats is one queue's stats document, with byte counts also rendered
// human-readable.
type QueueStats struct {
	queue.Stats
	BytesHuman   string `json:"bytes_human"`
	JournalHuman string `json:"journal_bytes_human"`
}

// QueueListResponse is the /queues document.
type QueueListResponse struct {
	Queues []string `json:"queues"`
}

// Start starts the admin server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("web: server failed: %w", err)
	}
}

// Handler returns the admin mux; used by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(apiVersionPath+"/stats", s.auth(s.handleStats))
	mux.HandleFunc(apiVersionPath+"/queues", s.auth(s.handleQueues))
	mux.HandleFunc(apiVersionPath+"/version", s.auth(s.handleVersion))
	return mux
}

// auth enforces the bearer token when one is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken != "" {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.apiToken {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	uptime := time.Since(s.startTime)
	resp := StatsResponse{
		Version:     version.Version,
		Uptime:      int64(uptime.Seconds()),
		UptimeHuman: units.HumanDuration(uptime),
		GoRoutines:  runtime.NumGoroutine(),
		CPUs:        runtime.NumCPU(),
		Queues:      make(map[string]QueueStats),
	}
	for name, st := range s.queues.Stats() {
		resp.Queues[name] = QueueStats{
			Stats:        st,
			BytesHuman:   units.BytesSize(float64(st.Bytes)),
			JournalHuman: units.BytesSize(float64(st.JournalBytes)),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	names := s.queues.Names()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, QueueListResponse{Queues: names})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"build_time": version.BuildTime,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
