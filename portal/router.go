package portal

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"kbsearch/config"
	"kbsearch/server"
)

// Routes constructs the portal router. The path of the configured redirect
// URI is served by the home handler so callbacks land on it.
func (h *Handler) Routes(cfg config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(server.RequestIDMiddleware)
	r.Use(server.LoggingMiddleware(h.logger))
	r.Use(recoverer(h.logger))
	if !cfg.Server.DevMode {
		r.Use(server.SecurityHeadersMiddleware(cfg.Server.TLS.HSTSMaxAge))
	}

	r.Get("/", h.handleHome)
	if path := callbackPath(cfg.OIDC.RedirectURI); path != "/" {
		r.Get(path, h.handleHome)
	}
	if path := callbackPath(cfg.OIDC.PostLogoutRedirectURI); path != "/" && path != callbackPath(cfg.OIDC.RedirectURI) {
		r.Get(path, h.handleHome)
	}
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/search", h.handleSearch)
	r.Get("/articles/{id}", h.handleArticle)

	return r
}

func callbackPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("Error caught by recoverer", "error", fmt.Sprint(err), "request_id", server.RequestIDFromContext(r.Context()))
					http.Error(w, "Something went wrong. Please refresh the page and try again.", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
