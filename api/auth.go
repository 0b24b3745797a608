package api

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
)

// Claims are the bearer token claims the API reads
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// ProfileStore creates user profiles on first authentication
type ProfileStore interface {
	EnsureUserProfile(ctx context.Context, userID, email string) (bool, error)
}

// Authenticator validates HS256 bearer tokens
type Authenticator struct {
	secret   []byte
	profiles ProfileStore
	known    sync.Map
}

// NewAuthenticator creates an authenticator for the shared secret
func NewAuthenticator(secret string, profiles ProfileStore) *Authenticator {
	return &Authenticator{secret: []byte(secret), profiles: profiles}
}

// SignToken issues a token for userID valid for ttl
func (a *Authenticator) SignToken(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken parses and verifies a token string
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, mangaflow.AuthenticationError("token expired")
		}
		return nil, mangaflow.AuthenticationError("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, mangaflow.AuthenticationError("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// user id on the request context. The first successful authentication of a
// user creates the profile.
func (a *Authenticator) Middleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		scheme, tokenString, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
			return mangaflow.AuthenticationError("missing bearer token")
		}

		claims, err := a.ValidateToken(strings.TrimSpace(tokenString))
		if err != nil {
			return err
		}

		ctx := resilience.WithUserID(c.Context(), claims.UserID)
		if err := a.ensureProfile(ctx, claims); err != nil {
			return err
		}

		c.SetContext(ctx)
		fiber.Locals(c, userIDLocal, claims.UserID)
		return c.Next()
	}
}

func (a *Authenticator) ensureProfile(ctx context.Context, claims *Claims) error {
	if a.profiles == nil {
		return nil
	}
	if _, seen := a.known.Load(claims.UserID); seen {
		return nil
	}
	if _, err := a.profiles.EnsureUserProfile(ctx, claims.UserID, claims.Email); err != nil {
		return mangaflow.InternalError("failed to create user profile", err)
	}
	a.known.Store(claims.UserID, struct{}{})
	return nil
}

type localKey int

const userIDLocal localKey = iota

// currentUser returns the authenticated user id
func currentUser(c fiber.Ctx) string {
	return fiber.Locals[string](c, userIDLocal)
}
