// Package admin provides the out-of-band HTTP API for inspecting a running
// server: health, counters and registered users.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goceleris/tinyweb/internal/stats"
	"github.com/goceleris/tinyweb/internal/userdb"
)

// Pool is the part of the worker pool the API reports on.
type Pool interface {
	Pending() int
}

// Config holds API dependencies. Any of them may be nil.
type Config struct {
	Stats  *stats.Stats
	Users  *userdb.Users
	Store  *userdb.Store
	Pool   Pool
	APIKey string // If empty, auth is disabled
	Logger *slog.Logger
}

// Handler is the admin API handler.
type Handler struct {
	config  Config
	router  chi.Router
	started time.Time
}

// New creates the handler and registers its routes.
func New(config Config) *Handler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	h := &Handler{
		config:  config,
		router:  chi.NewRouter(),
		started: time.Now(),
	}

	if config.APIKey == "" {
		config.Logger.Warn("admin API key not set, authentication disabled")
	}

	h.router.Get("/health", h.handleHealth)
	h.router.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)
		r.Get("/stats", h.handleStats)
		r.Get("/users", h.handleUsers)
		r.Get("/users/{name}", h.handleUser)
	})
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Run serves the API on addr until ctx is done.
func (h *Handler) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.config.Logger.Info("admin API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// authMiddleware checks for valid API key.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.APIKey != "" && r.Header.Get("X-API-Key") != h.config.APIKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns health status.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats returns the counter snapshot plus pool and store gauges.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"metrics":        h.config.Stats.Snapshot(),
	}
	if h.config.Pool != nil {
		response["pool_pending"] = h.config.Pool.Pending()
	}
	if h.config.Users != nil {
		response["users"] = h.config.Users.Len()
	}
	if h.config.Store != nil {
		response["db_handles_free"] = h.config.Store.Free()
		response["db_handles"] = h.config.Store.Size()
	}
	writeJSON(w, http.StatusOK, response)
}

type userView struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// handleUsers lists registered users straight from the database.
func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	if h.config.Store == nil {
		http.Error(w, "user store not configured", http.StatusServiceUnavailable)
		return
	}

	var users []userView
	err := h.config.Store.With(r.Context(), func(db *userdb.Handle) error {
		records, err := db.Users()
		if err != nil {
			return err
		}
		users = make([]userView, 0, len(records))
		for _, rec := range records {
			users = append(users, userView{Name: rec.Name, CreatedAt: rec.CreatedAt})
		}
		return nil
	})
	if err != nil {
		h.config.Logger.Error("failed to list users", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"count": len(users), "users": users})
}

// handleUser returns one user without the password hash.
func (h *Handler) handleUser(w http.ResponseWriter, r *http.Request) {
	if h.config.Store == nil {
		http.Error(w, "user store not configured", http.StatusServiceUnavailable)
		return
	}

	name := chi.URLParam(r, "name")
	var view userView
	err := h.config.Store.With(r.Context(), func(db *userdb.Handle) error {
		rec, err := db.Lookup(name)
		if err != nil {
			return err
		}
		view = userView{Name: rec.Name, CreatedAt: rec.CreatedAt}
		return nil
	})
	switch {
	case errors.Is(err, userdb.ErrNotFound):
		http.Error(w, "user not found", http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, view)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
