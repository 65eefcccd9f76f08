package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/workwell/internal/config"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/model"
)

const (
	jwksFetchTimeout = 10 * time.Second
	jwksMaxBody      = 1 << 20
	tokenLeeway      = 30 * time.Second
)

var errUnknownKey = errors.New("jwks: unknown signing key")

// JWKSClient resolves token signing keys from an identity provider's key
// set. Keys are cached for ttl; a kid that is not cached forces a refetch,
// but never more often than minRefresh. Concurrent refetches share one
// request.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	fetches    singleflight.Group

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// NewJWKSClient returns a client for the key set served at url.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{},
		logger:     logger,
		keys:       map[string]crypto.PublicKey{},
	}
}

// GetKey returns the public key published under kid. When the key set
// cannot be fetched a previously cached key is still served.
func (c *JWKSClient) GetKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	key, fresh := c.lookup(kid)
	if key != nil && fresh {
		return key, nil
	}

	_, err, _ := c.fetches.Do("jwks", func() (any, error) {
		return nil, c.refresh(ctx)
	})

	key, _ = c.lookup(kid)
	switch {
	case key != nil && err != nil:
		c.logger.Warn("jwks refresh failed, serving cached key", zap.String("kid", kid), zap.Error(err))
		return key, nil
	case key != nil:
		return key, nil
	case err != nil:
		return nil, fmt.Errorf("jwks: fetch: %w", err)
	}
	return nil, fmt.Errorf("%w %q", errUnknownKey, kid)
}

// HealthCheck reports whether signing keys are available, fetching the key
// set when none are cached.
func (c *JWKSClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	n := len(c.keys)
	c.mu.RUnlock()
	if n > 0 {
		return nil
	}
	_, err, _ := c.fetches.Do("jwks", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if err != nil {
		return fmt.Errorf("jwks: fetch: %w", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.keys) == 0 {
		return errors.New("jwks: key set is empty")
	}
	return nil
}

func (c *JWKSClient) lookup(kid string) (crypto.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[kid], time.Since(c.fetchedAt) <= c.ttl
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	c.mu.RLock()
	throttled := len(c.keys) > 0 && time.Since(c.fetchedAt) < c.minRefresh
	c.mu.RUnlock()
	if throttled {
		return nil
	}

	// The fetch is shared with other waiters, so it must outlive this caller.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jwksFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, jwksMaxBody))
	if err != nil {
		return err
	}

	keys, err := c.parseKeySet(body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	c.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
	return nil
}

func (c *JWKSClient) parseKeySet(body []byte) (map[string]crypto.PublicKey, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("key set is not valid JSON")
	}
	set := gjson.GetBytes(body, "keys")
	if !set.IsArray() {
		return nil, errors.New("key set has no keys array")
	}

	keys := map[string]crypto.PublicKey{}
	set.ForEach(func(_, jwk gjson.Result) bool {
		kid := jwk.Get("kid").String()
		if kid == "" {
			return true
		}
		var (
			key crypto.PublicKey
			err error
		)
		switch jwk.Get("kty").String() {
		case "RSA":
			key, err = rsaKeyFromJWK(jwk)
		case "EC":
			key, err = ecKeyFromJWK(jwk)
		default:
			return true
		}
		if err != nil {
			c.logger.Warn("jwks key skipped", zap.String("kid", kid), zap.Error(err))
			return true
		}
		keys[kid] = key
		return true
	})
	return keys, nil
}

func rsaKeyFromJWK(jwk gjson.Result) (*rsa.PublicKey, error) {
	n, err := jwkInt(jwk, "n")
	if err != nil {
		return nil, err
	}
	e, err := jwkInt(jwk, "e")
	if err != nil {
		return nil, err
	}
	if !e.IsInt64() {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func ecKeyFromJWK(jwk gjson.Result) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv := jwk.Get("crv").String(); crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", crv)
	}
	x, err := jwkInt(jwk, "x")
	if err != nil {
		return nil, err
	}
	y, err := jwkInt(jwk, "y")
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// jwkInt decodes a base64url big-endian integer member of a JWK.
func jwkInt(jwk gjson.Result, member string) (*big.Int, error) {
	raw := jwk.Get(member).String()
	if raw == "" {
		return nil, fmt.Errorf("missing %s", member)
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", member, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// authFailure pairs the metric label for a rejected token with the message
// returned to the caller.
type authFailure struct {
	reason  string
	message string
}

var (
	failMissingHeader = authFailure{"missing_header", "Missing authorization header"}
	failHeaderFormat  = authFailure{"header_format", "Invalid authorization header format"}
	failExpired       = authFailure{"expired", "Token expired"}
	failIssuer        = authFailure{"issuer", "Invalid token issuer"}
	failAudience      = authFailure{"audience", "Invalid token audience"}
	failAlgorithm     = authFailure{"algorithm", "Disallowed signing algorithm"}
	failUnknownKey    = authFailure{"unknown_key", "Unknown signing key"}
	failSignature     = authFailure{"signature", "Invalid token signature"}
	failClaims        = authFailure{"claims", "Token missing required claims"}
	failMalformed     = authFailure{"malformed", "Malformed token"}
	failInvalid       = authFailure{"invalid", "Invalid token"}
)

// JWTAuthenticator returns middleware that verifies the bearer token
// against the identity provider's key set and stores its claims in the
// request context.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient, metrics *observability.Metrics) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func(f authFailure) {
				metrics.RecordAuthFailure(f.reason)
				WriteError(w, model.NewUnauthorizedError(f.message))
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				reject(failMissingHeader)
				return
			}
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				reject(failHeaderFormat)
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (any, error) {
				kid, _ := t.Header["kid"].(string)
				if kid == "" {
					return nil, fmt.Errorf("%w: token has no kid", errUnknownKey)
				}
				return jwks.GetKey(r.Context(), kid)
			})
			if err != nil {
				f := classifyTokenError(token, err, cfg.Algorithms)
				jwks.logger.Debug("token rejected",
					zap.String("reason", f.reason),
					zap.String("correlation_id", CorrelationIDFrom(r.Context())),
					zap.Error(err))
				reject(f)
				return
			}
			if !token.Valid {
				reject(failInvalid)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), map[string]any(claims))))
		})
	}
}

func classifyTokenError(token *jwt.Token, err error, allowed []string) authFailure {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return failMalformed
	case token != nil && token.Method != nil && !slices.Contains(allowed, token.Method.Alg()):
		return failAlgorithm
	case errors.Is(err, errUnknownKey):
		return failUnknownKey
	case errors.Is(err, jwt.ErrTokenExpired):
		return failExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return failIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return failAudience
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return failClaims
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return failSignature
	default:
		return failInvalid
	}
}
