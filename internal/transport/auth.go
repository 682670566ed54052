package transport

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/assessor/internal/config"
	"github.com/pitabwire/assessor/model"
)

// bearerToken extracts the token from the Authorization header. Browsers
// cannot set headers on WebSocket handshakes, so upgrade requests may carry
// it in the access_token query parameter instead.
func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		if isWebSocketUpgrade(r) {
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				return tok, nil
			}
		}
		return "", model.NewUnauthorizedError("Missing authorization header")
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", model.NewUnauthorizedError("Invalid authorization header format")
	}
	return auth[len("Bearer "):], nil
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// clockSkew is tolerated on exp, nbf and iat.
const clockSkew = 30 * time.Second

var errNoKeyID = errors.New("token header has no kid")

// JWTAuthenticator verifies the caller's bearer token against keys and
// stores its claims on the request context. Tokens must carry exp and match
// the configured issuer, audience and algorithms.
func JWTAuthenticator(cfg config.IdentityConfig, keys KeySource) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	)
	keyFor := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errNoKeyID
		}
		return keys.GetKey(kid)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				WriteError(w, err)
				return
			}
			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFor); err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// classifyJWTError turns a parse failure into the message sent to clients.
func classifyJWTError(err error) string {
	for _, c := range []struct {
		target error
		msg    string
	}{
		{jwt.ErrTokenExpired, "Token expired"},
		{jwt.ErrTokenInvalidIssuer, "Invalid token issuer"},
		{jwt.ErrTokenInvalidAudience, "Invalid token audience"},
		{jwt.ErrTokenUnverifiable, "Unknown signing key"},
	} {
		if errors.Is(err, c.target) {
			return c.msg
		}
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	}
	return "Invalid token"
}
