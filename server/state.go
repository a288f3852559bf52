package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	stateCookieName = "oauth_state"
	stateTTL        = 5 * time.Minute
	stateBytes      = 32
	stateIssuer     = "cmsauth"
)

// StateStore issues and verifies the anti-CSRF state carried in a signed cookie.
// Nothing is kept server-side except the optional replay ledger.
type StateStore struct {
	secret []byte
	secure bool
	ledger Ledger
	now    func() time.Time
}

type stateClaims struct {
	jwt.RegisteredClaims
}

// NewStateStore constructs a store signing with the configured session secret.
func NewStateStore(cfg SessionConfig, secure bool, ledger Ledger) *StateStore {
	if ledger == nil {
		ledger = NopLedger{}
	}
	return &StateStore{
		secret: []byte(cfg.Secret),
		secure: secure,
		ledger: ledger,
		now:    time.Now,
	}
}

// Issue generates a fresh state and the cookie that carries its signed copy.
func (s *StateStore) Issue() (string, *http.Cookie, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(buf)

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateIssuer,
			Subject:   state,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign state: %w", err)
	}

	return state, &http.Cookie{
		Name:     stateCookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(stateTTL.Seconds()),
	}, nil
}

// Validate checks the cookie signature, then requires the signed state to equal the
// query-string state, then redeems it in the ledger. A nil error means valid.
func (s *StateStore) Validate(ctx context.Context, cookieValue, queryValue string) error {
	if cookieValue == "" {
		return csrfError(ErrStateMissing)
	}

	var claims stateClaims
	_, err := jwt.ParseWithClaims(cookieValue, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return &CSRFError{Cause: fmt.Errorf("%w: %v", ErrStateSignature, err)}
	}

	if queryValue == "" || subtle.ConstantTimeCompare([]byte(claims.Subject), []byte(queryValue)) != 1 {
		return csrfError(ErrStateMismatch)
	}

	first, err := s.ledger.Consume(ctx, claims.Subject, stateTTL)
	if err != nil {
		return &CSRFError{Cause: errors.Join(ErrStateReplayed, err)}
	}
	if !first {
		return csrfError(ErrStateReplayed)
	}
	return nil
}

// Clear expires the state cookie. Callers invoke it on every callback, whatever the result.
func (s *StateStore) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// stateCookieValue reads the raw state cookie, or "" when the browser sent none.
func stateCookieValue(r *http.Request) string {
	c, err := r.Cookie(stateCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
