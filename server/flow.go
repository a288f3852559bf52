package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// Failure reasons placed in the /error redirect. They never carry internal detail.
const (
	ReasonInitiateFailed     = "Failed to initiate authentication."
	ReasonCSRF               = "Invalid state parameter. Possible CSRF attack."
	ReasonProviderDenied     = "Authorization was denied by GitHub."
	ReasonCodeMissing        = "Authorization code missing."
	ReasonExchangeFailed     = "Failed to obtain access token from GitHub."
	ReasonProfileUnavailable = "Failed to fetch user profile"
	ReasonAccessDenied       = "Access Denied: insufficient permissions."
	ReasonInternal           = "Authentication failed due to an internal error."
)

// Stage is a step of the authorization flow.
type Stage int

const (
	StageStart Stage = iota
	StageValidating
	StageExchanging
	StageFetchingProfile
	StageVerifyingPermission
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageValidating:
		return "validating"
	case StageExchanging:
		return "exchanging"
	case StageFetchingProfile:
		return "fetching_profile"
	case StageVerifyingPermission:
		return "verifying_permission"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of one flow. Exactly one of Token or Reason is set.
type Outcome struct {
	Success bool
	Token   string
	Reason  string
	Origin  string
	Stage   Stage
}

// Location is the redirect target that hands the outcome to a terminal page.
func (o Outcome) Location() string {
	vals := url.Values{}
	vals.Set("origin", o.Origin)
	if o.Success {
		vals.Set("token", o.Token)
		return "/success?" + vals.Encode()
	}
	vals.Set("error", o.Reason)
	return "/error?" + vals.Encode()
}

// Flow drives one authorization attempt from /auth to a terminal redirect.
// It holds no per-flow state; concurrent calls are independent.
type Flow struct {
	state    *StateStore
	provider Provider
	origin   string
	logger   *slog.Logger
	metrics  *Metrics
}

// NewFlow wires the flow to its collaborators.
func NewFlow(state *StateStore, provider Provider, origin string, logger *slog.Logger, metrics *Metrics) *Flow {
	return &Flow{
		state:    state,
		provider: provider,
		origin:   origin,
		logger:   logger,
		metrics:  metrics,
	}
}

// Begin issues a new state and returns the GitHub authorization URL with the cookie to set.
func (f *Flow) Begin() (authURL string, cookie *http.Cookie, err error) {
	defer func() {
		if r := recover(); r != nil {
			authURL, cookie, err = "", nil, fmt.Errorf("panic: %v", r)
		}
	}()

	state, cookie, err := f.state.Issue()
	if err != nil {
		return "", nil, err
	}
	return f.provider.AuthCodeURL(state), cookie, nil
}

// InitiationFailure converts a Begin error into the terminal outcome.
func (f *Flow) InitiationFailure(ctx context.Context, err error) Outcome {
	return f.fail(ctx, StageStart, "initiate_failed", ReasonInitiateFailed, err)
}

// Complete processes the callback. The caller must already have cleared the state cookie.
func (f *Flow) Complete(ctx context.Context, cb Callback) (out Outcome) {
	stage := StageValidating
	defer func() {
		if r := recover(); r != nil {
			out = f.fail(ctx, stage, "error", ReasonInternal, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := f.state.Validate(ctx, cb.StateCookie, cb.State); err != nil {
		return f.fail(ctx, stage, "csrf", ReasonCSRF, err)
	}

	// Checked before the code: GitHub sends no code when the user declines.
	if cb.Error != "" {
		reason := cb.ErrorDescription
		if reason == "" {
			reason = ReasonProviderDenied
		}
		return f.fail(ctx, stage, "provider_error", reason, fmt.Errorf("provider returned error %q", cb.Error))
	}
	if cb.Code == "" {
		return f.fail(ctx, stage, "missing_code", ReasonCodeMissing, nil)
	}

	stage = StageExchanging
	token, err := f.provider.Exchange(ctx, cb.Code)
	if err != nil {
		return f.fail(ctx, stage, "exchange_failed", ReasonExchangeFailed, err)
	}

	stage = StageFetchingProfile
	identity, err := f.provider.FetchIdentity(ctx, token)
	if err != nil {
		return f.fail(ctx, stage, "profile_unavailable", ReasonProfileUnavailable, err)
	}

	stage = StageVerifyingPermission
	allowed, err := f.provider.CheckAccess(ctx, token, identity.Login)
	switch {
	case errors.Is(err, ErrAccessUndetermined):
		return f.fail(ctx, stage, "undetermined", ReasonAccessDenied, err, "login", identity.Login)
	case err != nil:
		return f.fail(ctx, stage, "error", ReasonInternal, err, "login", identity.Login)
	case !allowed:
		return f.fail(ctx, stage, "denied", ReasonAccessDenied, nil, "login", identity.Login)
	}

	f.metrics.RecordOutcome("success", StageDone)
	f.logger.Info("authorization granted",
		"request_id", RequestIDFromContext(ctx),
		"login", identity.Login,
		"github_id", identity.ID,
	)
	return Outcome{Success: true, Token: token, Origin: f.origin, Stage: StageDone}
}

// fail records and logs a failure. Access denials are expected outcomes and log at info.
func (f *Flow) fail(ctx context.Context, stage Stage, label, reason string, err error, attrs ...any) Outcome {
	f.metrics.RecordOutcome(label, stage)

	attrs = append(attrs,
		"request_id", RequestIDFromContext(ctx),
		"stage", stage.String(),
		"outcome", label,
	)
	if err != nil {
		attrs = append(attrs, "error", err)
		// Upstream bodies go to the log only, never into the reason.
		var perr *ProviderError
		if errors.As(err, &perr) {
			attrs = append(attrs, "upstream_status", perr.Status, "upstream_body", perr.Body)
		}
	}

	switch label {
	case "denied":
		f.logger.Info("access denied: confirmed no write access", attrs...)
	case "undetermined":
		f.logger.Warn("access denied: could not determine access", attrs...)
	case "csrf":
		var csrfErr *CSRFError
		if errors.As(err, &csrfErr) {
			attrs = append(attrs, "cause", csrfErr.Cause.Error())
		}
		f.logger.Warn("state validation failed", attrs...)
	case "provider_error", "missing_code":
		f.logger.Warn("authorization not completed", attrs...)
	default:
		f.logger.Error("authorization flow failed", attrs...)
	}

	return Outcome{Reason: reason, Origin: f.origin, Stage: stage}
}
