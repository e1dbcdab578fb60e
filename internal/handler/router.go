package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	sessionHandler "github.com/cognitive-theater/backend/internal/handler/session"
	"github.com/cognitive-theater/backend/internal/handler/stream"
	middlewarePkg "github.com/cognitive-theater/backend/internal/middleware"
	"github.com/cognitive-theater/backend/internal/service/theater"
	"github.com/cognitive-theater/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the session manager.
func NewRouter(manager *theater.Manager) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{
			"message": "Welcome to the Cognitive Theater API.",
		})
	})

	r.Route("/api", func(api chi.Router) {
		sessionHandler.New(manager).RegisterRoutes(api)
		stream.New(manager).RegisterRoutes(api)
	})

	return r
}
