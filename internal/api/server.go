// Package api provides the read-only operational surface over HTTP:
// current world time, pending triggers, dispatcher and cache counters, and a
// websocket stream of notifications. GET-only; the clock is driven elsewhere.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/worldclock/internal/bus"
	"github.com/talgya/worldclock/internal/cache"
	"github.com/talgya/worldclock/internal/calendar"
	"github.com/talgya/worldclock/internal/clock"
	"github.com/talgya/worldclock/internal/dispatch"
	"github.com/talgya/worldclock/internal/schedule"
)

const maxStreamConns = 8

// Server serves the status surface.
type Server struct {
	Cfg   *calendar.Config
	Auth  *clock.Authority
	Store *schedule.Store
	Disp  *dispatch.Dispatcher
	Cache *cache.Cache
	Bus   *bus.Bus
	Addr  string

	streamMu    sync.Mutex
	streamConns map[*websocket.Conn]chan bus.Notification
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream is read-only world state; origin policy is handled by the
	// CORS layer for the REST endpoints and left open here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Start begins serving in a goroutine.
func (s *Server) Start() {
	slog.Info("HTTP API starting", "addr", s.Addr)
	go func() {
		if err := http.ListenAndServe(s.Addr, s.Handler()); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	s.streamConns = make(map[*websocket.Conn]chan bus.Notification)

	// One bus subscription fans out to every connected stream; a slow
	// consumer drops notifications rather than slowing down advance.
	s.Bus.SubscribeAll(func(n bus.Notification) {
		s.streamMu.Lock()
		for conn, ch := range s.streamConns {
			select {
			case ch <- n:
			default:
				slog.Warn("stream consumer too slow, dropping", "remote", conn.RemoteAddr())
			}
		}
		s.streamMu.Unlock()
	})

	triggerLimiter := NewRateLimiter(60, time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/time", s.handleTime)
	mux.HandleFunc("/api/v1/triggers", RateLimitMiddleware(triggerLimiter, s.handleTriggers))
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	return corsMiddleware(mux)
}

// corsMiddleware adds CORS headers for allowed frontend origins. Set
// CORS_ORIGINS to a comma-separated list; localhost dev servers are always
// allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.Auth.Current()
	status := map[string]any{
		"timestamp":        now,
		"world_time":       s.Cfg.Format(now),
		"season":           s.Auth.Season().Name,
		"time_block":       s.Auth.TimeBlock().Name,
		"pending_triggers": s.Store.PendingCount(),
		"work_queue_depth": s.Disp.QueueDepth(),
		"work_in_flight":   s.Disp.InFlight(),
		"cache_hits":       s.Cache.Hits(),
		"cache_misses":     s.Cache.Misses(),
		"cache_entries":    s.Cache.Len(),
	}
	writeJSON(w, status)
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	now := s.Auth.Current()
	writeJSON(w, map[string]any{
		"timestamp":  now,
		"world_time": s.Cfg.Format(now),
	})
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	pending, err := s.Store.Pending()
	if err != nil {
		http.Error(w, "trigger listing failed", http.StatusInternalServerError)
		return
	}

	type triggerSummary struct {
		ID         int64              `json:"id"`
		Target     calendar.Timestamp `json:"target"`
		Owner      string             `json:"owner,omitempty"`
		Recurrence int64              `json:"recurrence_minutes,omitempty"`
	}
	result := make([]triggerSummary, 0, len(pending))
	for _, t := range pending {
		result = append(result, triggerSummary{
			ID:         t.ID,
			Target:     t.Target,
			Owner:      t.Owner,
			Recurrence: t.Recurrence,
		})
	}
	writeJSON(w, result)
}

// handleEvents upgrades to a websocket and streams every notification as
// JSON until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.streamMu.Lock()
	if len(s.streamConns) >= maxStreamConns {
		s.streamMu.Unlock()
		http.Error(w, "too many stream connections", http.StatusServiceUnavailable)
		return
	}
	s.streamMu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	ch := make(chan bus.Notification, 256)
	s.streamMu.Lock()
	s.streamConns[conn] = ch
	s.streamMu.Unlock()
	slog.Info("stream connected", "remote", conn.RemoteAddr())

	defer func() {
		s.streamMu.Lock()
		delete(s.streamConns, conn)
		s.streamMu.Unlock()
		conn.Close()
		slog.Info("stream disconnected", "remote", conn.RemoteAddr())
	}()

	// Drain client frames so pings and close frames are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case n := <-ch:
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", fmt.Sprintf("%v", err))
	}
}
