package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the proxy router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode, a.now))
	r.Use(CORSMiddleware(a.Config.Server.CORSOrigins))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/", a.handleIndex)
	r.Get("/health", a.handleHealth)
	r.Get("/chunks", a.handleChunks)

	r.NotFound(a.handleNotFound)
	r.MethodNotAllowed(a.handleNotFound)

	return r
}
