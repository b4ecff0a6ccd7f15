package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aperture-research/maxwell/internal/adapter/ws"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, hub *ws.Hub) {
	r.Get("/healthz", h.Healthz)
	r.Get("/ws", hub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Projects
		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)
		r.Get("/projects/{id}", h.GetProject)
		r.Post("/projects/{id}/start", h.StartProject)
		r.Post("/projects/{id}/stop", h.StopProject)
		r.Post("/projects/{id}/resume", h.ResumeProject)
		r.Get("/projects/{id}/tasks", h.ListProjectTasks)

		// Agents
		r.Get("/agents", h.ListAgents)
		r.Post("/agents", h.RegisterAgent)
		r.Post("/agents/{id}/heartbeat", h.AgentHeartbeat)

		// Safety
		r.Get("/safety", h.SafetyStatus)
		r.Get("/safety/violations", h.ListViolations)
		r.Post("/safety/violations/{id}/resolve", h.ResolveViolation)
	})
}
