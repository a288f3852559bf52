package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cmsauth/server"
)

type stubProvider struct {
	url string
}

func (s *stubProvider) AuthCodeURL(state string) string {
	return s.url
}

func (s *stubProvider) Exchange(ctx context.Context, code string) (string, error) {
	return "", nil
}

func (s *stubProvider) FetchIdentity(ctx context.Context, token string) (server.Identity, error) {
	return server.Identity{}, nil
}

func (s *stubProvider) CheckAccess(ctx context.Context, token, login string) (bool, error) {
	return false, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunConnectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login/oauth/authorize":
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	provider := &stubProvider{url: srv.URL + "/login/oauth/authorize"}
	if err := runConnect(context.Background(), discardLogger(), provider, nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := runConnect(context.Background(), discardLogger(), &stubProvider{url: srv.URL}, nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectMissingProvider(t *testing.T) {
	if err := runConnect(context.Background(), discardLogger(), nil, nil); err == nil {
		t.Fatalf("expected error for missing provider")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	answers := strings.Join([]string{
		"y",                         // dev mode
		"",                          // callback URL default
		"Iv1.abc",                   // client id
		"shh",                       // client secret
		"acme/website",              // repository
		"",                          // scope default
		"https://cms.example.com/", // origin
	}, "\n") + "\n"

	cfg, err := runSetup(path, bufio.NewReader(strings.NewReader(answers)), discardLogger())
	if err != nil {
		t.Fatalf("runSetup returned error: %v", err)
	}
	if cfg.GitHub.ClientID != "Iv1.abc" || cfg.GitHub.Repository != "acme/website" {
		t.Fatalf("unexpected github config: %+v", cfg.GitHub)
	}
	if cfg.GitHub.CallbackURL != "http://localhost:3000/callback" {
		t.Fatalf("callback default mismatch, got %q", cfg.GitHub.CallbackURL)
	}
	if cfg.Client.Origin != "https://cms.example.com" {
		t.Fatalf("origin mismatch, got %q", cfg.Client.Origin)
	}
	if cfg.GitHub.Timeout != 10*time.Second {
		t.Fatalf("timeout should survive the YAML round trip, got %s", cfg.GitHub.Timeout)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config should be private, got %v", info.Mode().Perm())
	}
}

func TestRunSetupProductionGeneratesSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	answers := strings.Join([]string{
		"n",                       // dev mode
		"auth.example.com",        // domain
		"n",                       // autocert
		"",                        // callback default
		"Iv1.abc",                 // client id
		"shh",                     // client secret
		"acme/website",            // repository
		"",                        // scope
		"https://cms.example.com", // origin
	}, "\n") + "\n"

	cfg, err := runSetup(path, bufio.NewReader(strings.NewReader(answers)), discardLogger())
	if err != nil {
		t.Fatalf("runSetup returned error: %v", err)
	}
	if cfg.UsesInsecureSecret() {
		t.Fatalf("production setup must generate a session secret")
	}
	if cfg.GitHub.CallbackURL != "https://auth.example.com/callback" {
		t.Fatalf("callback default mismatch, got %q", cfg.GitHub.CallbackURL)
	}
}

func TestInsecureSecretExposed(t *testing.T) {
	cases := []struct {
		name     string
		dev      bool
		callback string
		secret   string
		want     bool
	}{
		{"dev on localhost", true, "http://localhost:3000/callback", server.InsecureSessionSecret, false},
		{"dev with https callback", true, "https://auth.example.com/callback", server.InsecureSessionSecret, true},
		{"production", false, "http://10.0.0.2:3000/callback", server.InsecureSessionSecret, true},
		{"replaced secret", true, "https://auth.example.com/callback", "0123456789abcdef", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := server.DefaultConfig()
			cfg.Server.DevMode = tc.dev
			cfg.GitHub.CallbackURL = tc.callback
			cfg.Session.Secret = tc.secret
			if got := insecureSecretExposed(cfg); got != tc.want {
				t.Fatalf("insecureSecretExposed() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRunConfigInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := runConfigInit(path, strings.NewReader(""), discardLogger()); err == nil {
		t.Fatalf("expected error for existing config")
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), discardLogger()); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, http.NotFoundHandler(), discardLogger())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop after cancellation")
	}
}
