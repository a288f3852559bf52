package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, f *fakeGitHub) *App {
	t.Helper()
	cfg := validConfig()
	cfg.Client.Origin = testOrigin
	cfg.CORS.AllowedOrigins = []string{testOrigin}
	if f != nil {
		cfg.GitHub = f.config()
	}

	metrics := NewMetrics()
	var provider Provider = &stubProvider{}
	if f != nil {
		p, err := NewGitHubProvider(cfg.GitHub, discardLogger(), metrics)
		require.NoError(t, err)
		p.retryInterval = time.Millisecond
		provider = p
	}
	return newApp(cfg, discardLogger(), metrics, NewMemoryLedger(), provider)
}

func serve(h http.Handler, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// startFlow hits /auth and returns the state cookie and state value.
func startFlow(t *testing.T, h http.Handler) (*http.Cookie, string) {
	t.Helper()
	rec := serve(h, "/auth")
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookieName {
			return c, state
		}
	}
	t.Fatalf("state cookie not set")
	return nil, ""
}

func redirectTarget(t *testing.T, rec *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, rec.Code)
	require.Empty(t, rec.Body.String(), "redirects carry no body")
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc
}

func assertStateCleared(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookieName {
			assert.Less(t, c.MaxAge, 0)
			return
		}
	}
	t.Fatalf("callback must clear the state cookie")
}

func TestAuthRedirectsToGitHub(t *testing.T) {
	f := newFakeGitHub(t)
	h := newTestApp(t, f).Routes()

	rec := serve(h, "/auth")
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, f.URL+"/login/oauth/authorize", loc.Scheme+"://"+loc.Host+loc.Path)
	assert.Equal(t, fakeClientID, loc.Query().Get("client_id"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestScenarioSuccessfulLogin(t *testing.T) {
	f := newFakeGitHub(t)
	h := newTestApp(t, f).Routes()
	cookie, state := startFlow(t, h)

	rec := serve(h, "/callback?code="+fakeCode+"&state="+state, cookie)

	loc := redirectTarget(t, rec)
	assert.Equal(t, "/success", loc.Path)
	assert.Equal(t, fakeToken, loc.Query().Get("token"))
	assert.Equal(t, testOrigin, loc.Query().Get("origin"))
	assertStateCleared(t, rec)
}

func TestScenarioMissingStateCookie(t *testing.T) {
	f := newFakeGitHub(t)
	h := newTestApp(t, f).Routes()
	_, state := startFlow(t, h)

	rec := serve(h, "/callback?code="+fakeCode+"&state="+state)

	loc := redirectTarget(t, rec)
	assert.Equal(t, "/error", loc.Path)
	assert.Equal(t, ReasonCSRF, loc.Query().Get("error"))
	assert.Equal(t, testOrigin, loc.Query().Get("origin"))
	assert.Contains(t, rec.Header().Get("Location"), url.QueryEscape(ReasonCSRF))
	assertStateCleared(t, rec)
}

func TestScenarioUserDenied(t *testing.T) {
	f := newFakeGitHub(t)
	h := newTestApp(t, f).Routes()
	cookie, state := startFlow(t, h)

	rec := serve(h, "/callback?error=access_denied&error_description=User+denied&state="+state, cookie)

	loc := redirectTarget(t, rec)
	assert.Equal(t, "/error", loc.Path)
	assert.Equal(t, "User denied", loc.Query().Get("error"))
}

func TestScenarioNotCollaborator(t *testing.T) {
	f := newFakeGitHub(t)
	f.setPermission("", http.StatusNotFound)
	h := newTestApp(t, f).Routes()
	cookie, state := startFlow(t, h)

	rec := serve(h, "/callback?code="+fakeCode+"&state="+state, cookie)

	loc := redirectTarget(t, rec)
	assert.Equal(t, "/error", loc.Path)
	assert.Equal(t, ReasonAccessDenied, loc.Query().Get("error"))
	assert.Empty(t, loc.Query().Get("token"))
	assert.Equal(t, 1, f.hits())
}

func TestCallbackTokenExchangeFailureRedirects(t *testing.T) {
	f := newFakeGitHub(t)
	f.tokenStatus = http.StatusInternalServerError
	f.tokenBody = `{"error":"server_error"}`
	h := newTestApp(t, f).Routes()
	cookie, state := startFlow(t, h)

	rec := serve(h, "/callback?code="+fakeCode+"&state="+state, cookie)

	loc := redirectTarget(t, rec)
	assert.Equal(t, "/error", loc.Path)
	assert.Equal(t, ReasonExchangeFailed, loc.Query().Get("error"))
}

func TestCallbackStateCannotBeReplayed(t *testing.T) {
	f := newFakeGitHub(t)
	h := newTestApp(t, f).Routes()
	cookie, state := startFlow(t, h)

	first := serve(h, "/callback?code="+fakeCode+"&state="+state, cookie)
	assert.Equal(t, "/success", redirectTarget(t, first).Path)

	second := serve(h, "/callback?code="+fakeCode+"&state="+state, cookie)
	loc := redirectTarget(t, second)
	assert.Equal(t, "/error", loc.Path)
	assert.Equal(t, ReasonCSRF, loc.Query().Get("error"))
}

func TestSuccessWithoutTokenRedirectsToError(t *testing.T) {
	h := newTestApp(t, nil).Routes()

	rec := serve(h, "/success?origin="+url.QueryEscape("https://attacker.example"))

	loc := redirectTarget(t, rec)
	assert.Equal(t, "/error", loc.Path)
	assert.Equal(t, "Token not provided", loc.Query().Get("error"))
	assert.Equal(t, testOrigin, loc.Query().Get("origin"), "the configured origin wins over the query")
}

func TestSuccessPageServesHandoffScript(t *testing.T) {
	h := newTestApp(t, nil).Routes()

	rec := serve(h, "/success?token=gho_RenderCheck42&origin="+url.QueryEscape(testOrigin))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"authorization:github:success:"`)
	assert.Contains(t, body, `provider: "github"`)
	assert.Contains(t, body, `origin === "*"`)
	assert.Contains(t, body, "window.opener")
	assert.NotContains(t, body, "gho_RenderCheck42", "the token is read client side, never rendered")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestErrorPageEscapesAndIsIdempotent(t *testing.T) {
	h := newTestApp(t, nil).Routes()
	target := "/error?error=" + url.QueryEscape(`<script>alert(1)</script>`) + "&origin=" + url.QueryEscape(testOrigin)

	first := serve(h, target)
	second := serve(h, target)

	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.NotContains(t, first.Body.String(), "<script>alert(1)</script>")
	assert.Contains(t, first.Body.String(), "&lt;script&gt;alert(1)&lt;/script&gt;")
	assert.Contains(t, first.Body.String(), "authorization:github:error:")
}

func TestErrorPageAcceptsMessageParameter(t *testing.T) {
	h := newTestApp(t, nil).Routes()

	rec := serve(h, "/error?message=Something+broke")
	assert.Contains(t, rec.Body.String(), "Something broke")
	assert.NotContains(t, rec.Body.String(), "postMessage", "no concrete origin means no notification")

	rec = serve(h, "/error?message=ignored&error=Preferred")
	assert.Contains(t, rec.Body.String(), "Preferred")
	assert.NotContains(t, rec.Body.String(), "ignored")

	rec = serve(h, "/error?error=x&origin=*")
	assert.NotContains(t, rec.Body.String(), "postMessage")
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	app.now = func() time.Time { return fixed }
	h := app.Routes()

	rec := serve(h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	ts, err := time.Parse(time.RFC3339Nano, body["timestamp"])
	require.NoError(t, err)
	assert.True(t, ts.Equal(fixed))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFakeGitHub(t)
	h := newTestApp(t, f).Routes()
	cookie, state := startFlow(t, h)
	serve(h, "/callback?code="+fakeCode+"&state="+state, cookie)

	rec := serve(h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cmsauth_flow_outcomes_total{outcome="success",stage="done"} 1`)
	assert.Contains(t, rec.Body.String(), "cmsauth_provider_request_duration_seconds")
}
