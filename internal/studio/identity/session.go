package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rcourtman/memorial-studio/internal/logging"
)

// SessionClaims is the payload of a signed session token. A token carries a
// user id, an email, or both; email-only tokens create the user on first use.
type SessionClaims struct {
	UserID  string `json:"userId,omitempty"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// SessionResolver authenticates HS256 session tokens from a cookie or a
// bearer Authorization header.
type SessionResolver struct {
	secret     []byte
	cookieName string
	users      Users
	now        func() time.Time
}

// NewSessionResolver creates a resolver for tokens signed with secret.
func NewSessionResolver(secret []byte, cookieName string, users Users) *SessionResolver {
	return &SessionResolver{
		secret:     secret,
		cookieName: cookieName,
		users:      users,
		now:        time.Now,
	}
}

// Resolve implements Resolver.
func (s *SessionResolver) Resolve(r *http.Request) (string, bool) {
	raw := s.token(r)
	if raw == "" {
		return "", false
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	claims, err := ParseSessionToken(s.secret, raw, s.now)
	if err != nil {
		logger.Debug().Err(err).Msg("Session token rejected")
		return "", false
	}

	if id := strings.TrimSpace(claims.UserID); id != "" {
		user, err := s.users.FindUserByID(ctx, id)
		if err != nil {
			logger.Error().Err(err).Msg("Session user lookup failed")
			return "", false
		}
		if user != nil {
			return user.ID, true
		}
	}

	if email := strings.TrimSpace(claims.Email); email != "" {
		user, err := s.users.UpsertUserByEmail(ctx, email, claims.Name, claims.Picture)
		if err != nil {
			logger.Error().Err(err).Msg("Session user upsert failed")
			return "", false
		}
		if user != nil {
			return user.ID, true
		}
	}
	return "", false
}

func (s *SessionResolver) token(r *http.Request) string {
	if s.cookieName != "" {
		if c, err := r.Cookie(s.cookieName); err == nil && strings.TrimSpace(c.Value) != "" {
			return strings.TrimSpace(c.Value)
		}
	}
	return bearerToken(r)
}

// ParseSessionToken verifies raw and returns its claims.
func ParseSessionToken(secret []byte, raw string, now func() time.Time) (*SessionClaims, error) {
	if len(secret) == 0 {
		return nil, errors.New("session secret not configured")
	}
	if now == nil {
		now = time.Now
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("session token is invalid")
	}
	if claims.UserID == "" && claims.Email == "" {
		return nil, errors.New("session token names no user")
	}
	return claims, nil
}

// NewSessionToken signs a session token for userID/email valid for ttl.
func NewSessionToken(secret []byte, userID, email string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("session secret not configured")
	}
	claims := SessionClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}
