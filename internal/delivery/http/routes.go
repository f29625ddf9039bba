package http

import (
	"net/http"

	"chatsync/infrastructure/metrics"
	wsDelivery "chatsync/internal/delivery/websocket"

	"github.com/go-chi/chi/v5"
)

func MapHttpRoutes(r chi.Router, httpHandler *HttpHandler, websocketHandler *wsDelivery.WebsocketHandler, authMiddleware *AuthMiddleware) {
	// the websocket authenticates with ?token= since browsers cannot set headers
	r.Handle("/ws", http.HandlerFunc(websocketHandler.HandleWebSocket))
	r.Get("/healthz", httpHandler.Health)
	r.Handle("/metrics", metrics.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", httpHandler.StartConversation)
			r.Get("/", httpHandler.ListConversations)
			r.Delete("/{id}", httpHandler.DeleteConversation)
			r.Get("/{id}/messages", httpHandler.GetMessages)
			r.Post("/{id}/messages", httpHandler.SendMessage)
			r.Post("/{id}/read", httpHandler.MarkRead)
		})

		r.Get("/users/{id}/presence", httpHandler.GetPresence)
	})
}
