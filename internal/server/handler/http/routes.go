package http

import (
	"net/http"

	"github.com/atinyakov/CipherSync/internal/middleware"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the sync API under /api.
//
// Routes:
//
//	POST /api/register   → authHandler.Register (no client certificate)
//	POST /api/login      → authHandler.Login
//	GET  /api/changes    → changesHandler.Fetch
//	POST /api/changes    → changesHandler.Push
//
// Requests with a body must be JSON. Every request is logged and every
// path except registration requires a client certificate.
func NewRouter(
	authHandler *AuthHandler,
	changesHandler *ChangesHandler,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.AllowContentType("application/json"))
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(middleware.CertAuth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)

		r.Get("/changes", changesHandler.Fetch)
		r.Post("/changes", changesHandler.Push)
	})

	return r
}
