/**
 * @description
 * Authentication middleware for the ledger API: an internal API key for server-to-server
 * queries and Clerk JWT validation for end-user routes.
 */
package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

type contextKey string

const (
	// UserIDContextKey is the key used to store the Clerk user ID in the request context.
	UserIDContextKey = contextKey("userID")
	// EmailContextKey is the key used to store the authenticated email.
	EmailContextKey = contextKey("email")

	jwksRefreshInterval = 10 * time.Minute
)

// InternalAuthMiddleware validates the internal API key for server-to-server calls. An
// empty key disables the check.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return internalAuth(requiredKey, true)
}

// RequireInternalKeyMiddleware guards routes that write to the ledger. Unlike
// InternalAuthMiddleware it refuses every request when no key is configured.
func RequireInternalKeyMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return internalAuth(requiredKey, false)
}

func internalAuth(requiredKey string, openWhenUnset bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				if openWhenUnset {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// JWKS fetches and caches RSA signing keys from a JWKS endpoint. Unknown key ids trigger
// a refetch, at most once per refresh interval. Concurrent misses share one fetch and the
// cache stays readable while it runs.
type JWKS struct {
	url       string
	client    *http.Client
	refreshes singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewJWKS creates a key source for url.
func NewJWKS(url string) *JWKS {
	return &JWKS{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// Key returns the public key for kid.
func (j *JWKS) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	key, ok, fresh := j.lookup(kid)
	if ok {
		return key, nil
	}
	if fresh {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}

	_, err, _ := j.refreshes.Do("refresh", func() (any, error) {
		return nil, j.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	if key, ok, _ := j.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// lookup reports the cached key for kid and whether the key set was fetched recently.
func (j *JWKS) lookup(kid string) (*rsa.PublicKey, bool, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	key, ok := j.keys[kid]
	fresh := !j.fetchedAt.IsZero() && time.Since(j.fetchedAt) < jwksRefreshInterval
	return key, ok, fresh
}

func (j *JWKS) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return err
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "" && key.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			return fmt.Errorf("key %s: %w", key.Kid, err)
		}
		keys[key.Kid] = pub
	}

	j.mu.Lock()
	j.keys = keys
	j.fetchedAt = time.Now()
	j.mu.Unlock()
	return nil
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}

// ClerkClaims holds the optional registered claims a Clerk token must carry.
type ClerkClaims struct {
	Audience string
	Issuer   string
}

// ClerkAuthMiddleware validates Clerk JWTs and injects the user ID and email into context.
// A non-empty audience or issuer in expected must match the token.
func ClerkAuthMiddleware(keys *JWKS, expected ClerkClaims) func(http.Handler) http.Handler {
	var parserOpts []jwt.ParserOption
	if aud := strings.TrimSpace(expected.Audience); aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}
	if iss := strings.TrimSpace(expected.Issuer); iss != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return keys.Key(r.Context(), kid)
			}, parserOpts...)
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			userID, _ := claims["sub"].(string)
			email, _ := claims["email"].(string)
			if strings.TrimSpace(email) == "" {
				http.Error(w, "Email not found in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
			ctx = context.WithValue(ctx, EmailContextKey, email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext retrieves the user ID from the request context.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDContextKey).(string)
	return userID, ok
}

// EmailFromContext retrieves the authenticated email from the request context.
func EmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(EmailContextKey).(string)
	return email, ok && email != ""
}
