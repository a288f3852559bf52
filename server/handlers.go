package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	tokenMissingMessage   = "Token not provided"
	unknownFailureMessage = "An unknown error occurred during authentication."
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	State    *StateStore
	Ledger   Ledger
	Provider Provider
	Flow     *Flow
	Metrics  *Metrics
	Limiter  *RateLimiter

	now func() time.Time
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	metrics := NewMetrics()

	ledger, err := NewLedger(ctx, cfg.Session)
	if err != nil {
		return nil, err
	}

	provider, err := NewGitHubProvider(cfg.GitHub, logger, metrics)
	if err != nil {
		closeLedger(ledger)
		return nil, err
	}

	return newApp(cfg, logger, metrics, ledger, provider), nil
}

func newApp(cfg Config, logger *slog.Logger, metrics *Metrics, ledger Ledger, provider Provider) *App {
	state := NewStateStore(cfg.Session, cfg.SecureCookies(), ledger)
	return &App{
		Config:   cfg,
		Logger:   logger,
		State:    state,
		Ledger:   ledger,
		Provider: provider,
		Flow:     NewFlow(state, provider, cfg.Client.Origin, logger, metrics),
		Metrics:  metrics,
		Limiter:  NewRateLimiter(cfg.RateLimit, cfg.Server.TrustProxyHeaders, metrics),
		now:      time.Now,
	}
}

// Close releases the ledger backend.
func (a *App) Close() error {
	if c, ok := a.Ledger.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func closeLedger(l Ledger) {
	if c, ok := l.(io.Closer); ok {
		_ = c.Close()
	}
}

func (a *App) handleAuth(w http.ResponseWriter, r *http.Request) {
	authURL, cookie, err := a.Flow.Begin()
	noStore(w)
	if err != nil {
		out := a.Flow.InitiationFailure(r.Context(), err)
		redirect(w, out.Location())
		return
	}
	http.SetCookie(w, cookie)
	redirect(w, authURL)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cb := Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		StateCookie:      stateCookieValue(r),
	}
	// The state is single use whatever the outcome.
	a.State.Clear(w)

	out := a.Flow.Complete(r.Context(), cb)
	noStore(w)
	redirect(w, out.Location())
}

func (a *App) handleSuccess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("token") == "" {
		out := Outcome{Reason: tokenMissingMessage, Origin: a.Config.Client.Origin}
		noStore(w)
		redirect(w, out.Location())
		return
	}
	if err := renderPage(w, successTemplate, nil); err != nil {
		a.Logger.Error("render success page", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (a *App) handleError(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	message := q.Get("error")
	if message == "" {
		message = q.Get("message")
	}
	if message == "" {
		message = unknownFailureMessage
	}
	if err := renderPage(w, errorTemplate, newErrorView(message, q.Get("origin"))); err != nil {
		a.Logger.Error("render error page", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, map[string]string{
		"status":    "ok",
		"timestamp": a.now().UTC().Format(time.RFC3339Nano),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// redirect answers with a bare 302. Unlike http.Redirect it writes no body.
func redirect(w http.ResponseWriter, location string) {
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
}
