package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures the channel-scoped chat API: one r.Route per
// resource, chained sub-handlers by HTTP verb.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/channels/{id}", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
		r.Get("/history", s.handleHistory)
		r.Get("/presence", s.handlePresence)
		r.Post("/messages", s.handleSendMessage)
		r.Post("/regenerate", s.handleRegenerate)
		r.Post("/abort", s.handleAbort)
	})
}
