// ABOUTME: HTTP middleware identifying the calling party on API and websocket endpoints
// ABOUTME: JWT from the Authorization header or ?token=, or a claimed party id in anonymous mode

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Header and query names carrying credentials.
const (
	PartyHeader = "X-Party-ID"
	TokenQuery  = "token"
	PartyQuery  = "party"
)

// ErrMissingCredentials is returned when a request carries no identity at all.
var ErrMissingCredentials = errors.New("missing credentials")

// Authenticator resolves the party of a request. With a nil verifier it runs
// in anonymous mode and trusts the claimed party id.
type Authenticator struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewAuthenticator creates an Authenticator. verifier may be nil.
func NewAuthenticator(verifier TokenVerifier, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{verifier: verifier, logger: logger.With("component", "auth")}
	if verifier == nil {
		a.logger.Warn("auth disabled - no jwt_secret configured, trusting X-Party-ID")
	}
	return a
}

// Anonymous reports whether tokens are not required.
func (a *Authenticator) Anonymous() bool {
	return a.verifier == nil
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Identify resolves the identity of r.
func (a *Authenticator) Identify(r *http.Request) (*Identity, error) {
	if a.verifier == nil {
		party := strings.TrimSpace(r.Header.Get(PartyHeader))
		if party == "" {
			party = strings.TrimSpace(r.URL.Query().Get(PartyQuery))
		}
		if party == "" {
			return nil, ErrMissingCredentials
		}
		return &Identity{PartyID: party, Anonymous: true}, nil
	}

	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		// Browsers cannot set headers on websocket upgrades
		token = strings.TrimSpace(r.URL.Query().Get(TokenQuery))
		if token == "" {
			return nil, ErrMissingCredentials
		}
	}

	party, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return &Identity{PartyID: party}, nil
}

// Party resolves only the party id; it fits realtime.PartyFunc.
func (a *Authenticator) Party(r *http.Request) (string, error) {
	id, err := a.Identify(r)
	if err != nil {
		return "", err
	}
	return id.PartyID, nil
}

// Middleware rejects unidentified requests with 401 and attaches the
// identity to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Identify(r)
		if err != nil {
			msg := "invalid token"
			switch {
			case errors.Is(err, ErrMissingCredentials):
				msg = "missing credentials"
			case errors.Is(err, ErrExpiredToken):
				msg = "token expired"
			}
			a.logger.Debug("request rejected", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
