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

const (
	testKeyID    = "workwell-it-1"
	testIssuer   = "https://auth.test.workwell.dev"
	testAudience = "workwell-bff-test"
)

// TestClaims are the member claims placed in a generated token. Extra
// entries are merged last and may override the standard ones.
type TestClaims struct {
	SubjectID string
	Email     string
	Extra     map[string]any
}

// tokenIssuer signs RS256 member tokens and publishes its key on a JWKS
// endpoint.
type tokenIssuer struct {
	t    *testing.T
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}

	b64 := base64.RawURLEncoding.EncodeToString
	keySet, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   b64(key.N.Bytes()),
		"e":   b64(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode key set: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keySet)
	}))
	t.Cleanup(srv.Close)
	return &tokenIssuer{t: t, key: key, jwks: srv}
}

// sign issues a token whose validity window is [issuedAt, issuedAt+ttl].
func (ti *tokenIssuer) sign(c TestClaims, issuedAt time.Time, ttl time.Duration) string {
	ti.t.Helper()
	claims := jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testAudience,
		"sub":   c.SubjectID,
		"email": c.Email,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(issuedAt.Add(ttl)),
	}
	maps.Copy(claims, c.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		ti.t.Fatalf("sign token: %v", err)
	}
	return signed
}

// GenerateToken returns a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.sign(c, time.Now(), time.Hour)
}

// GenerateExpiredToken returns a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.sign(c, time.Now().Add(-2*time.Hour), time.Hour)
}

func (ti *tokenIssuer) JWKSURL() string { return ti.jwks.URL }
