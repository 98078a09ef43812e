// Package httpapi serves the operational HTTP surface: Prometheus metrics,
// a liveness check and a JSON status document.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voicekeeper/internal/logger"
	"voicekeeper/internal/models"
)

// CleanupReporter exposes the retention engine status
type CleanupReporter interface {
	Status() models.CleanupStatus
}

// ChannelReporter exposes the provisioned channels
type ChannelReporter interface {
	ActiveChannels() []models.ActiveChannel
	LobbyID() string
}

// SessionReporter exposes the open session count
type SessionReporter interface {
	ActiveCount() int
}

// Deps are the components reported on. Nil members are omitted.
type Deps struct {
	Gatherer prometheus.Gatherer
	Cleanup  CleanupReporter
	Channels ChannelReporter
	Sessions SessionReporter
}

// Status is the /status document
type Status struct {
	Uptime         string                `json:"uptime"`
	LobbyID        string                `json:"lobbyId,omitempty"`
	ActiveChannels []ChannelStatus       `json:"activeChannels"`
	OpenSessions   int                   `json:"openSessions"`
	Cleanup        *models.CleanupStatus `json:"cleanup,omitempty"`
}

// ChannelStatus is one provisioned channel in the status document
type ChannelStatus struct {
	ChannelID string    `json:"channelId"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
	Custom    bool      `json:"customName"`
}

// Server is the ops HTTP server
type Server struct {
	deps    Deps
	log     *logger.Logger
	started time.Time
	srv     *http.Server
}

// New builds the router and an http.Server listening on addr
func New(addr string, deps Deps, log *logger.Logger) *Server {
	s := &Server{
		deps:    deps,
		log:     log.With(logger.F("component", "httpapi")),
		started: time.Now(),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the chi router with all routes mounted
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/status", s.status)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logger.F("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Uptime:         time.Since(s.started).Round(time.Second).String(),
		ActiveChannels: []ChannelStatus{},
	}
	if s.deps.Channels != nil {
		st.LobbyID = s.deps.Channels.LobbyID()
		for _, ch := range s.deps.Channels.ActiveChannels() {
			st.ActiveChannels = append(st.ActiveChannels, ChannelStatus{
				ChannelID: ch.ChannelID,
				OwnerID:   ch.OwnerUserID,
				CreatedAt: ch.CreatedAt,
				Custom:    ch.HasCustomName,
			})
		}
	}
	if s.deps.Sessions != nil {
		st.OpenSessions = s.deps.Sessions.ActiveCount()
	}
	if s.deps.Cleanup != nil {
		cs := s.deps.Cleanup.Status()
		st.Cleanup = &cs
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
