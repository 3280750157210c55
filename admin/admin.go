// Package admin serves a read-only HTTP view of a running relay: the live
// session table, the directory store and Prometheus metrics.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"chatrelay/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Relay is the live view of the event loop.
type Relay interface {
	Sessions() []models.Session
	Stats() string
}

// Store is the read side of the directory store.
type Store interface {
	Users() ([]models.User, error)
	ActiveUsers() ([]models.ActiveUser, error)
	LoginHistory(name string) ([]models.LoginRecord, error)
	Statistics() ([]models.Statistic, error)
}

// StatsReply is the body of GET /stats.
type StatsReply struct {
	Relay string             `json:"relay"`
	Users []models.Statistic `json:"users"`
}

type api struct {
	relay Relay
	store Store
	log   *zap.Logger
}

// Handler returns the admin router. A nil gatherer omits /metrics.
func Handler(relay Relay, store Store, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	a := &api{relay: relay, store: store, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Get("/sessions", a.sessions)
	r.Get("/stats", a.stats)
	r.Route("/users", func(r chi.Router) {
		r.Get("/", a.users)
		r.Get("/active", a.activeUsers)
	})
	r.Get("/history", a.history)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("Admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (a *api) sessions(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, a.relay.Sessions(), nil)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.Statistics()
	a.writeJSON(w, StatsReply{Relay: a.relay.Stats(), Users: users}, err)
}

func (a *api) users(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.Users()
	a.writeJSON(w, users, err)
}

func (a *api) activeUsers(w http.ResponseWriter, r *http.Request) {
	active, err := a.store.ActiveUsers()
	a.writeJSON(w, active, err)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	records, err := a.store.LoginHistory(r.URL.Query().Get("user"))
	a.writeJSON(w, records, err)
}

func (a *api) writeJSON(w http.ResponseWriter, v any, err error) {
	if err != nil {
		a.log.Error("Admin query failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("Error writing admin reply", zap.Error(err))
	}
}
