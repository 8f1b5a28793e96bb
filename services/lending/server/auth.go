package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// ScopeRead grants position and history reads.
	ScopeRead = "lending:read"
	// ScopeWrite grants transaction submission.
	ScopeWrite = "lending:write"
)

// AuthConfig configures bearer token verification. With Enabled false every
// request is let through.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

type scopesKey struct{}

// Authenticator verifies HS256 bearer tokens and enforces scopes.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator builds an authenticator from cfg.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if cfg.Enabled && len(secret) == 0 {
		return nil, errors.New("server: auth enabled without hmac secret")
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: secret, logger: logger}, nil
}

// Require returns middleware demanding every scope in required.
func (a *Authenticator) Require(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil || !a.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			raw := bearerToken(r)
			if raw == "" {
				writeJSON(w, http.StatusUnauthorized, errorView{Error: "unauthorized", Message: "missing bearer token"})
				return
			}
			claims, err := a.parse(raw)
			if err != nil {
				a.logger.Warn("token rejected", slog.Any("error", err))
				writeJSON(w, http.StatusUnauthorized, errorView{Error: "unauthorized", Message: "invalid token"})
				return
			}
			scopes := scopesFrom(claims, a.cfg.ScopeClaim)
			for _, scope := range required {
				if _, ok := scopes[scope]; !ok {
					writeJSON(w, http.StatusForbidden, errorView{Error: "forbidden", Message: "insufficient scope"})
					return
				}
			}
			ctx := context.WithValue(r.Context(), scopesKey{}, scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) parse(raw string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func scopesFrom(claims jwt.MapClaims, claim string) map[string]struct{} {
	out := make(map[string]struct{})
	switch v := claims[claim].(type) {
	case string:
		for _, scope := range strings.Fields(v) {
			out[scope] = struct{}{}
		}
	case []interface{}:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s != "" {
				out[s] = struct{}{}
			}
		}
	}
	return out
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
