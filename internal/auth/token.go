package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const (
	// DefaultTokenLifetime is how long issued session tokens stay valid
	DefaultTokenLifetime = 24 * time.Hour
)

// SessionClaims are the JWT claims of a session token
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID     string `json:"user_id"`
	PlanTier   string `json:"plan_tier"`
	PlanExpiry int64  `json:"plan_expiry,omitempty"` // unix seconds, 0 = none
}

// JWTValidator validates HS256 session tokens
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for tokens signed with secret
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses the token and maps its claims to an Identity
func (v *JWTValidator) Validate(_ context.Context, tokenString string) (Identity, error) {
	parser := jwt.Parser{
		ValidMethods: []string{jwt.SigningMethodHS256.Alg()},
	}
	claims := &SessionClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{
		Kind:     KindAuthenticated,
		UserID:   claims.UserID,
		PlanTier: claims.PlanTier,
	}
	if claims.PlanExpiry > 0 {
		id.PlanExpiry = time.Unix(claims.PlanExpiry, 0)
	}
	return id, nil
}

// IssueToken mints a session token for a user. planExpiry may be zero.
func IssueToken(secret, userID, planTier string, planExpiry time.Time, lifetime time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret not configured")
	}
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}

	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		UserID:   userID,
		PlanTier: planTier,
	}
	if !planExpiry.IsZero() {
		claims.PlanExpiry = planExpiry.Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
