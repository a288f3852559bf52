package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"cmsauth/server"
)

const defaultConfigFile = "./config.yaml"

func main() {
	configPath := flag.String("config", os.Getenv("CMSAUTH_CONFIG"), "Path to YAML config (optional; environment variables are always applied)")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "", "Logging level (debug, info, warn, error); overrides server.log_level")
	flag.StringVar(logLevel, "l", "", "Alias for -log-level")
	flag.Parse()

	level, err := server.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := newLogger(level)

	// Handle config commands (init/validate)
	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = defaultConfigFile
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 && args[0] == "connect" {
		command = "connect"
		args = args[1:]
	}
	configFile := *configPath
	if configFile == "" && command == "" && len(args) > 0 {
		configFile = args[0]
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *logLevel == "" {
		// Validate already rejected unknown levels.
		cfgLevel, _ := server.ParseLevel(cfg.Server.LogLevel)
		logger = newLogger(cfgLevel)
	}

	if command == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		provider, err := server.NewGitHubProvider(cfg.GitHub, logger, nil)
		if err != nil {
			log.Fatalf("init provider: %v", err)
		}
		if err := runConnect(ctx, logger, provider, nil); err != nil {
			logger.Error("github connectivity failed", "error", err)
			os.Exit(1)
		}
		logger.Info("github connectivity succeeded")
		return
	}

	if insecureSecretExposed(cfg) {
		logger.Warn("session.secret is the built-in development value; state cookies can be forged until it is replaced",
			"env", server.EnvPrefix+"SESSION_SECRET")
	}

	// Validate URLs are accessible on startup
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), 10*time.Second)
	validateStartupURLs(probeCtx, cfg, logger)
	cancelProbe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	if err := serve(ctx, cfg, application.Routes(), logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// insecureSecretExposed reports whether the development signing secret is in use on a
// deployment that looks public: production mode, or an https callback even in dev mode.
func insecureSecretExposed(cfg server.Config) bool {
	if !cfg.UsesInsecureSecret() {
		return false
	}
	return !cfg.Server.DevMode || strings.HasPrefix(cfg.GitHub.CallbackURL, "https://")
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// serve runs the listeners for the configured mode until ctx is cancelled, then drains them.
func serve(ctx context.Context, cfg server.Config, handler http.Handler, logger *slog.Logger) error {
	var servers []*http.Server
	g, gctx := errgroup.WithContext(ctx)

	listen := func(srv *http.Server, tlsOn bool) {
		servers = append(servers, srv)
		g.Go(func() error {
			var err error
			if tlsOn {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	switch {
	case cfg.Server.TLS.Autocert && !cfg.Server.DevMode:
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		listen(&http.Server{
			Addr:              cfg.Server.TLS.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}, false)
		listen(&http.Server{
			Addr:    cfg.Server.TLS.HTTPSListenAddr,
			Handler: handler,
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		}, true)
		logger.Info("server listening", "mode", "autocert", "addr", cfg.Server.TLS.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
	default:
		mode := "dev"
		if !cfg.Server.DevMode {
			mode = "prod"
		}
		listen(&http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		}, false)
		logger.Info("server listening", "mode", mode, "addr", cfg.ListenAddr())
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// runConnect opens the authorization URL the relay would send browsers to and follows
// redirects, confirming GitHub recognises the client id and callback.
func runConnect(ctx context.Context, logger *slog.Logger, provider server.Provider, httpClient *http.Client) error {
	if provider == nil {
		return errors.New("provider required")
	}

	authURL := provider.AuthCodeURL(randomHex(16))
	logger.Info("connect.start", "auth_url", authURL)
	logger.Info("connect.instructions", "message", "Open auth_url in a browser to perform an interactive login if needed", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("github returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "message", "Reached GitHub login endpoint")
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// loadConfig tolerates a missing default file so the relay can run from environment alone.
func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if path == "" {
		path = defaultConfigFile
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logger.Debug("no config file, using environment only")
			return server.LoadConfig("")
		}
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, bufio.NewReader(in), logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	for name, target := range githubURLs(cfg) {
		if err := validateURL(ctx, target); err != nil {
			logger.Error("github URL validation failed", "endpoint", name, "url", target, "error", err)
		} else {
			logger.Info("github URL is accessible", "endpoint", name, "url", target)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	// Non-blocking, just warnings
	for name, target := range githubURLs(cfg) {
		if err := validateURL(ctx, target); err != nil {
			logger.Warn("github URL may not be accessible",
				"endpoint", name,
				"url", target,
				"error", err,
				"note", "server will continue but logins may fail")
		} else {
			logger.Debug("github URL is accessible", "endpoint", name, "url", target)
		}
	}
}

func githubURLs(cfg server.Config) map[string]string {
	return map[string]string{
		"api":       cfg.GitHub.APIURL,
		"authorize": cfg.GitHub.AuthURL,
	}
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(path string, reader *bufio.Reader, logger *slog.Logger) (server.Config, error) {
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup for a GitHub OAuth App. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	defaultCallback := "http://localhost:3000/callback"
	if !devMode {
		domain := askRequired(reader, "Public domain of this relay (e.g. auth.example.com)")
		domain = strings.TrimSuffix(domain, "/")
		defaultCallback = "https://" + domain + "/callback"
		if askYesNo(reader, "Obtain TLS certificates automatically with Let's Encrypt?", true) {
			cfg.Server.TLS.Autocert = true
			cfg.Server.TLS.Domains = []string{domain}
			cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
		}
		cfg.Session.Secret = randomHex(32)
	}

	cfg.GitHub.CallbackURL = ask(reader, "OAuth App callback URL", defaultCallback)
	cfg.GitHub.ClientID = askRequired(reader, "OAuth App client ID")
	cfg.GitHub.ClientSecret = askRequired(reader, "OAuth App client secret")
	cfg.GitHub.Repository = askRequired(reader, "Content repository (owner/name)")
	cfg.GitHub.Scope = ask(reader, "OAuth scope", cfg.GitHub.Scope)
	cfg.Client.Origin = strings.TrimSuffix(askRequired(reader, "CMS origin (e.g. https://cms.example.com)"), "/")

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Println("Please enter 'y' or 'n'.")
		}
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
