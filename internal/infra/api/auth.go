package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"tablebook-referrals/internal/config"
	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/infra/logging"
	"tablebook-referrals/internal/infra/metrics"
)

// ===== Session/JWT primitives =====

// Claims is what the platform's auth service puts in its tokens. The subject
// is the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type AuthManager struct {
	secret []byte
	issuer string
	cookie string
}

func NewAuthManager(cfg config.AuthConfig) *AuthManager {
	cookie := cfg.Cookie
	if cookie == "" {
		cookie = "tb_session"
	}
	return &AuthManager{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, cookie: cookie}
}

// Mint signs a token. The service itself never logs users in; this backs the
// seed tool and tests.
func (a *AuthManager) Mint(userID string, role model.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseFromRequest reads a bearer token, falling back to the session cookie.
func (a *AuthManager) ParseFromRequest(r *http.Request) (*model.User, error) {
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		if len(hdr) > 7 && strings.EqualFold(hdr[:7], "bearer ") {
			return a.parse(strings.TrimSpace(hdr[7:]))
		}
		return nil, fmt.Errorf("%w: malformed authorization header", domain.ErrUnauthenticated)
	}
	if c, err := r.Cookie(a.cookie); err == nil && c.Value != "" {
		return a.parse(c.Value)
	}
	return nil, fmt.Errorf("%w: missing token", domain.ErrUnauthenticated)
}

func (a *AuthManager) parse(tok string) (*model.User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !tkn.Valid {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated)
	}
	u, err := model.NewUser(claims.Subject, claims.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: token has no subject", domain.ErrUnauthenticated)
	}
	return u, nil
}

type ctxKey int

const userKey ctxKey = iota

func withUser(ctx context.Context, u *model.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFrom returns the authenticated caller, or nil on public routes.
func UserFrom(ctx context.Context) *model.User {
	u, _ := ctx.Value(userKey).(*model.User)
	return u
}

// Authenticate rejects requests without a valid token with 401.
func (a *AuthManager) Authenticate(logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := a.ParseFromRequest(r)
			if err != nil {
				logging.With(r.Context(), logger).Debug().Err(err).Msg("authentication failed")
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
			ctx := logging.WithUserID(withUser(r.Context(), u), u.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin must run after Authenticate. action labels the admin metric.
func RequireAdmin(logger *zerolog.Logger, action string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u := UserFrom(r.Context())
			if u == nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
			if !u.IsAdmin() {
				metrics.IncAdminAction(action, "forbidden")
				logging.With(r.Context(), logger).Warn().Str("role", string(u.Role)).Str("action", action).Msg("admin access denied")
				writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
				return
			}
			metrics.IncAdminAction(action, "authorized")
			next.ServeHTTP(w, r)
		})
	}
}

var errNoUser = errors.New("no authenticated user in context")
