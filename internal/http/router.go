// Package http はHTTPルーティングを定義します
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jamstage/room-server/internal/auth"
	"github.com/jamstage/room-server/internal/handlers"
)

func NewRouter(h *handlers.RoomHandler, wsHandler *handlers.WebSocketHandler, am *auth.Manager, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/v1/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api/v1/room", func(r chi.Router) {
		// WebSocketエンドポイント（トークンはクエリで受けるためミドルウェアの外）
		r.Get("/{roomId}/ws", wsHandler.HandleWebSocket)

		// RESTエンドポイント（Bearerトークン必須）
		r.Group(func(r chi.Router) {
			r.Use(am.Middleware)
			r.Post("/create", h.Create)
			r.Get("/{roomId}", h.Get)
			r.Post("/{roomId}/join", h.Join)
			r.Post("/{roomId}/leave", h.Leave)
			r.Post("/{roomId}/join-request", h.RequestJoin)
			r.Post("/{roomId}/join-request/approve", h.ApproveJoin)
			r.Post("/{roomId}/join-request/decline", h.DeclineJoin)
			r.Put("/{roomId}/settings", h.UpdateSettings)
			r.Post("/{roomId}/kick", h.Kick)
			r.Delete("/{roomId}", h.Close)
		})
	})

	return r
}
