package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// maxProviderBody bounds how much of a provider response is read.
const maxProviderBody = 64 * 1024

// Provider represents the behaviour the authorization flow needs from the upstream IdP.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
	FetchIdentity(ctx context.Context, token string) (Identity, error)
	CheckAccess(ctx context.Context, token, login string) (bool, error)
}

// GitHubProvider talks to github.com (or a GitHub Enterprise host) on behalf of one OAuth App.
type GitHubProvider struct {
	oauthConfig   *oauth2.Config
	client        *http.Client
	apiURL        string
	owner         string
	repo          string
	timeout       time.Duration
	retries       int
	retryInterval time.Duration
	logger        *slog.Logger
	metrics       *Metrics
}

// NewGitHubProvider builds the provider from validated configuration.
func NewGitHubProvider(cfg GitHubConfig, logger *slog.Logger, metrics *Metrics) (*GitHubProvider, error) {
	owner, repo, err := cfg.RepositoryParts()
	if err != nil {
		return nil, err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.CallbackURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: splitScopes(cfg.Scope),
	}

	return &GitHubProvider{
		oauthConfig: oauthCfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &userAgentTransport{base: http.DefaultTransport, agent: cfg.UserAgent},
		},
		apiURL:        strings.TrimSuffix(cfg.APIURL, "/"),
		owner:         owner,
		repo:          repo,
		timeout:       cfg.Timeout,
		retries:       cfg.PermissionRetries,
		retryInterval: 200 * time.Millisecond,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// AuthCodeURL constructs the authorization request for GitHub.
func (p *GitHubProvider) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// Exchange trades an authorization code for an access token. It makes exactly one attempt.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	start := time.Now()
	tok, err := p.oauthConfig.Exchange(ctx, code,
		oauth2.SetAuthURLParam("scope", strings.Join(p.oauthConfig.Scopes, " ")))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			p.metrics.ObserveProvider("exchange", status, time.Since(start))
			return "", &TokenExchangeError{Status: status, Err: err}
		}
		p.metrics.ObserveProvider("exchange", 0, time.Since(start))
		if isTransportError(err) {
			err = fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return "", &TokenExchangeError{Err: err}
	}
	p.metrics.ObserveProvider("exchange", http.StatusOK, time.Since(start))

	if tok.AccessToken == "" {
		return "", &TokenExchangeError{Status: http.StatusOK, Err: errors.New("access token missing in response")}
	}
	return tok.AccessToken, nil
}

// FetchIdentity returns the account the token belongs to.
func (p *GitHubProvider) FetchIdentity(ctx context.Context, token string) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, body, err := p.get(ctx, "profile", "/user", token)
	if err != nil {
		return Identity{}, err
	}
	if status != http.StatusOK {
		return Identity{}, &ProviderError{Op: "fetch profile", Status: status, Body: string(body)}
	}

	var user struct {
		Login string `json:"login"`
		ID    int64  `json:"id"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return Identity{}, fmt.Errorf("decode profile: %w", err)
	}
	if user.Login == "" {
		return Identity{}, errors.New("profile missing login")
	}
	return Identity{Login: user.Login, ID: user.ID}, nil
}

type permissionLookup struct {
	found bool
	body  []byte
}

// CheckAccess reports whether login holds a sufficient permission on the configured repository.
// It fails closed: every error path returns false.
func (p *GitHubProvider) CheckAccess(ctx context.Context, token, login string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	path := fmt.Sprintf("/repos/%s/%s/collaborators/%s/permission",
		url.PathEscape(p.owner), url.PathEscape(p.repo), url.PathEscape(login))

	attempt := 0
	operation := func() (permissionLookup, error) {
		attempt++
		status, body, err := p.get(ctx, "permission", path, token)
		if err != nil {
			return permissionLookup{}, err
		}
		switch {
		case status == http.StatusNotFound:
			return permissionLookup{found: false}, nil
		case status == http.StatusTooManyRequests || status >= 500:
			return permissionLookup{}, &ProviderError{Op: "check permission", Status: status, Body: string(body)}
		case status < 200 || status > 299:
			return permissionLookup{}, backoff.Permanent(&ProviderError{Op: "check permission", Status: status, Body: string(body)})
		}
		return permissionLookup{found: true, body: body}, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.retryInterval
	expBackoff.MaxInterval = 10 * p.retryInterval
	expBackoff.Reset()

	lookup, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(p.retries+1)), // #nosec G115 -- validated non-negative
		backoff.WithNotify(func(err error, wait time.Duration) {
			p.logger.Warn("permission lookup failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			return false, perr
		}
		return false, fmt.Errorf("%w: %v", ErrAccessUndetermined, err)
	}

	if !lookup.found {
		return false, nil
	}
	if !gjson.ValidBytes(lookup.body) {
		return false, fmt.Errorf("%w: malformed permission response", ErrAccessUndetermined)
	}
	perm := gjson.GetBytes(lookup.body, "permission")
	if perm.Type != gjson.String {
		return false, fmt.Errorf("%w: permission field missing", ErrAccessUndetermined)
	}
	return PermissionLevel(perm.String()).Sufficient(), nil
}

// get issues an authenticated GET against the REST API and returns status and a bounded body.
// Transport failures are wrapped with ErrUpstreamUnavailable.
func (p *GitHubProvider) get(ctx context.Context, op, path, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.metrics.ObserveProvider(op, 0, time.Since(start))
		return 0, nil, fmt.Errorf("%w: %s request: %v", ErrUpstreamUnavailable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	p.metrics.ObserveProvider(op, resp.StatusCode, time.Since(start))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read %s response: %v", ErrUpstreamUnavailable, op, err)
	}
	return resp.StatusCode, body, nil
}

// userAgentTransport stamps every outbound request; GitHub rejects requests without one.
type userAgentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

func isTransportError(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func splitScopes(scope string) []string {
	return strings.Fields(strings.ReplaceAll(scope, ",", " "))
}
