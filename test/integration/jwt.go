package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "assessor-test-rs256"

// TestClaims describes the caller a test token is issued for.
type TestClaims struct {
	SubjectID string
	Name      string
	Email     string
	Roles     []string
	// Extra claims are applied last and may override the registered ones.
	Extra map[string]any
}

// tokenIssuer stands in for the identity provider: it signs tokens with one
// RSA key and publishes the public half on a JWKS endpoint.
type tokenIssuer struct {
	key      *rsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	ti := &tokenIssuer{
		key:      key,
		issuer:   "https://auth.test.assessor.dev",
		audience: "assessor-api-test",
	}

	set, err := json.Marshal(map[string]any{"keys": []any{publicJWK(testKeyID, &key.PublicKey)}})
	if err != nil {
		t.Fatalf("encode jwks: %v", err)
	}
	ti.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(set)
	}))
	t.Cleanup(ti.jwks.Close)
	return ti
}

func publicJWK(kid string, pub *rsa.PublicKey) map[string]string {
	enc := base64.RawURLEncoding.EncodeToString
	return map[string]string{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   enc(pub.N.Bytes()),
		"e":   enc(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// GenerateToken issues a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.mustSign(ti.key, ti.claims(c, time.Hour))
}

// GenerateExpiredToken issues a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.mustSign(ti.key, ti.claims(c, -time.Hour))
}

// claims builds registered and caller claims. A negative ttl yields a token
// issued 2*|ttl| ago that expired |ttl| ago.
func (ti *tokenIssuer) claims(c TestClaims, ttl time.Duration) jwt.MapClaims {
	now := time.Now()
	issued := now
	if ttl < 0 {
		issued = now.Add(2 * ttl)
	}
	mc := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"iat":   jwt.NewNumericDate(issued),
		"exp":   jwt.NewNumericDate(now.Add(ttl)),
		"sub":   c.SubjectID,
		"name":  c.Name,
		"email": c.Email,
	}
	if len(c.Roles) > 0 {
		// Decoded tokens carry roles as []any.
		roles := make([]any, 0, len(c.Roles))
		for _, r := range c.Roles {
			roles = append(roles, r)
		}
		mc["roles"] = roles
	}
	maps.Copy(mc, c.Extra)
	return mc
}

// mustSign signs claims with key under the published key id, so a key other
// than the issuer's produces a token with a bad signature.
func (ti *tokenIssuer) mustSign(key *rsa.PrivateKey, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		panic("sign test token: " + err.Error())
	}
	return signed
}

// JWKSURL returns the issuer's key set endpoint.
func (ti *tokenIssuer) JWKSURL() string {
	return ti.jwks.URL
}
