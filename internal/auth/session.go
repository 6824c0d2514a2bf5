// Package auth issues and verifies the bearer tokens that identify parents,
// drivers and admins on the subscription stream and the boarding endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"buswatch.org/internal/clock"
	"buswatch.org/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

const issuer = "buswatch"

// Session is the caller identity passed explicitly into every gateway call.
type Session struct {
	UserID string      `json:"userId"`
	Role   models.Role `json:"role"`
	// ClientID identifies one client installation across reconnects. It
	// defaults to the user id.
	ClientID string `json:"clientId"`
}

// Claims is the JWT payload.
type Claims struct {
	UserID   string      `json:"sub"`
	Role     models.Role `json:"role"`
	ClientID string      `json:"cid,omitempty"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	clock  clock.Clock
}

func NewAuthenticator(secret string, c clock.Clock) (*Authenticator, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("jwt secret must be at least 16 bytes")
	}
	if c == nil {
		c = clock.RealClock{}
	}
	return &Authenticator{secret: []byte(secret), clock: c}, nil
}

// Issue signs a token for userID valid for ttl.
func (a *Authenticator) Issue(userID string, role models.Role, clientID string, ttl time.Duration) (string, error) {
	if userID == "" || !role.Valid() {
		return "", fmt.Errorf("cannot issue token for user %q with role %q", userID, role)
	}
	now := a.clock.Now()
	claims := Claims{
		UserID:   userID,
		Role:     role,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates a token and returns its session.
func (a *Authenticator) Verify(tokenStr string) (Session, error) {
	if tokenStr == "" {
		return Session{}, ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock.Now),
	)
	if err != nil || !token.Valid {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" || !claims.Role.Valid() {
		return Session{}, fmt.Errorf("%w: missing subject or role", ErrInvalidToken)
	}
	s := Session{UserID: claims.UserID, Role: claims.Role, ClientID: claims.ClientID}
	if s.ClientID == "" {
		s.ClientID = s.UserID
	}
	return s, nil
}

// FromRequest verifies the token carried in the Authorization header or,
// for browser WebSocket clients, the "token" query parameter.
func (a *Authenticator) FromRequest(r *http.Request) (Session, error) {
	tokenStr := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return Session{}, fmt.Errorf("%w: malformed Authorization header", ErrInvalidToken)
		}
		tokenStr = strings.TrimSpace(parts[1])
	}
	return a.Verify(tokenStr)
}

type sessionKey struct{}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session stored by WithSession.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}
