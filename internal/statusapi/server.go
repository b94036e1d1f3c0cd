// Package statusapi exposes the orchestrator to the local GUI shell: tab
// state and operations over HTTP, and tab changes and terminal I/O over
// websockets.
package statusapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/rermius/connmgr/internal/orchestrator"
	"github.com/rermius/connmgr/internal/sessionlayer"
)

// Server is the local status API over one orchestrator.
type Server struct {
	orch   *orchestrator.Orchestrator
	layer  sessionlayer.Layer
	output *OutputHub
}

// New returns a Server. output may be nil when terminal streaming is not
// wired.
func New(orch *orchestrator.Orchestrator, layer sessionlayer.Layer, output *OutputHub) *Server {
	if output == nil {
		output = NewOutputHub()
	}
	return &Server{orch: orch, layer: layer, output: output}
}

// Router returns the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chimw.Logger)

			r.Get("/tabs", s.listTabs)
			r.Post("/tabs", s.connect)
			r.Get("/tabs/{id}", s.getTab)
			r.Delete("/tabs/{id}", s.closeTab)
			r.Get("/tabs/{id}/history", s.tabHistory)
			r.Post("/tabs/{id}/retry", s.retry)
			r.Post("/tabs/{id}/cancel-reconnect", s.cancelReconnect)

			r.Get("/logs", s.serverLogs)
			r.Delete("/logs", s.clearServerLogs)
		})

		// Long-lived streams stay out of the request logger.
		r.Get("/watch", s.watch)
		r.Get("/tabs/{id}/terminal", s.terminal)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"tabs":   len(s.orch.Store().List()),
	})
}
