package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(h.RequestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})

		r.Post("/login", h.LoginHandler)

		// Everything else works for both guests and authenticated users;
		// the identity middleware decides which store backs the request.
		r.Group(func(r chi.Router) {
			r.Use(h.IdentityMiddleware)

			r.Post("/logout", h.LogoutHandler)
			r.Post("/ask", h.AskHandler)
			r.Get("/conversations", h.ListConversationsHandler)
			r.Get("/conversations/{conversationID}", h.GetConversationHandler)
			r.Delete("/conversations/{conversationID}", h.DeleteConversationHandler)
			r.Post("/messages/{messageID}/feedback", h.FeedbackHandler)
		})
	})

	return r
}
