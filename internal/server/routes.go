package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/workspace", func(r chi.Router) {
		r.Get("/", s.listWorkspaces)

		r.Route("/{workspaceID}", func(r chi.Router) {
			r.Get("/", s.getWorkspace)
			r.Delete("/", s.removeWorkspace)
			r.Get("/history", s.getHistory)
			r.Post("/compact", s.compactWorkspace)
		})
	})

	r.Route("/task", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Post("/", s.createTask)
	})

	// Event streaming (SSE)
	r.Get("/event", s.events)
}
