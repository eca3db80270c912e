package server

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cachefront/cachefront/pkg/database"
)

const headerAPIKey = "X-API-Key"

type ctxKey int

const (
	ctxKeyApp ctxKey = iota
	ctxKeyIdentifier
)

// HashAPIKey is the stored form of a tenant API key. Keys are never persisted
// in the clear.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))

	return hex.EncodeToString(sum[:])
}

// sessionClaims is the payload of a signed session token.
type sessionClaims struct {
	AppID string `json:"app_id"`
	Role  string `json:"role,omitempty"`

	jwt.RegisteredClaims
}

// NewSessionToken mints a signed session token for the app.
func NewSessionToken(secret []byte, appID, role string, ttl time.Duration) (string, error) {
	claims := sessionClaims{
		AppID: appID,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("error signing the session token: %w", err)
	}

	return token, nil
}

// authenticate resolves the request's credential to a tenant. Accepted forms:
// an API key in X-API-Key or as a bearer token, or a signed session token as
// a bearer token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := r.Header.Get(headerAPIKey)
		if credential == "" {
			credential = bearerToken(r)
		}

		if credential == "" {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "missing API key or session token")

			return
		}

		app, err := s.resolveCredential(r.Context(), credential)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid API key or session token")

			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyApp, app)
		ctx = context.WithValue(ctx, ctxKeyIdentifier, credential)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveCredential tries the credential as a session token first (tokens are
// structurally distinct from opaque keys), then as an API key.
func (s *Server) resolveCredential(ctx context.Context, credential string) (*database.App, error) {
	if strings.Count(credential, ".") == 2 && len(s.jwtSecret) > 0 {
		if app, err := s.resolveSession(ctx, credential); err == nil {
			return app, nil
		}
	}

	return s.appByKeyHash(ctx, HashAPIKey(credential))
}

func (s *Server) resolveSession(ctx context.Context, token string) (*database.App, error) {
	claims := new(sessionClaims)

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("error parsing the session token: %w", err)
	}

	if !parsed.Valid || claims.AppID == "" {
		return nil, errors.New("invalid session token")
	}

	app, err := s.appByID(ctx, claims.AppID)
	if err != nil {
		return nil, err
	}

	// A session may carry a narrower role than the app's own.
	if claims.Role != "" {
		app.Role = claims.Role
	}

	return app, nil
}

func (s *Server) appByKeyHash(ctx context.Context, hash string) (*database.App, error) {
	app := new(database.App)

	err := s.db.NewSelect().
		Model(app).
		Where("api_key_hash = ?", hash).
		Where("active").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("unknown API key")
		}

		return nil, fmt.Errorf("error looking up the app: %w", err)
	}

	return app, nil
}

func (s *Server) appByID(ctx context.Context, appID string) (*database.App, error) {
	app := new(database.App)

	err := s.db.NewSelect().
		Model(app).
		Where("id = ?", appID).
		Where("active").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("unknown app")
		}

		return nil, fmt.Errorf("error looking up the app: %w", err)
	}

	return app, nil
}

// requireAdmin gates mutating management routes on the admin role.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if appFromContext(r.Context()).Role != database.RoleAdmin {
			writeError(w, r, http.StatusForbidden, codeForbidden, "admin role required")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func appFromContext(ctx context.Context) *database.App {
	app, _ := ctx.Value(ctxKeyApp).(*database.App)

	return app
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")

	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}

	return ""
}

// identifier picks the rate-limit identity: bearer token, then API key, then
// client IP, then a shared default.
func identifier(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}

	if key := r.Header.Get(headerAPIKey); key != "" {
		return key
	}

	if host := clientIP(r); host != "" {
		return host
	}

	return "default"
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}

	return host
}
