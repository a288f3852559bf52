package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the relay endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	// Supervisors and scrapers are not rate limited.
	r.Get("/health", a.handleHealth)
	if a.Config.Metrics.Enabled && a.Metrics != nil {
		r.Method(http.MethodGet, a.Config.Metrics.Path, a.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(a.Limiter.Middleware)

		r.Get("/auth", a.handleAuth)
		r.Get("/callback", a.handleCallback)
		r.Get("/success", a.handleSuccess)
		r.Get("/error", a.handleError)
	})

	return r
}
