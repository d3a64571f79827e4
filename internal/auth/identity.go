// Package auth classifies the caller of a chat request.
//
// A request carrying a session credential must validate against the
// configured Validator. A request without one is a guest only when it comes
// from a mobile client or says so explicitly; anything else is unauthorized.
package auth

import (
	"context"
	"errors"
	"time"
)

// TierFree is the tier every expired plan falls back to
const TierFree = "free"

var (
	// ErrUnauthorized is returned for a missing or invalid credential
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTokenExpired is returned when the session token has expired
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidToken is returned when the session token is invalid for any reason
	ErrInvalidToken = errors.New("invalid token")
)

// Kind distinguishes guests from signed-in users
type Kind int

const (
	KindGuest Kind = iota
	KindAuthenticated
)

// String returns the kind name used in logs
func (k Kind) String() string {
	if k == KindAuthenticated {
		return "authenticated"
	}
	return "guest"
}

// Identity is the resolved caller of one request
type Identity struct {
	Kind       Kind
	IP         string    // guests only
	UserID     string    // authenticated only
	PlanTier   string    // as recorded on the account
	PlanExpiry time.Time // zero means no expiry
}

// Guest builds a guest identity keyed by client IP
func Guest(ip string) Identity {
	return Identity{Kind: KindGuest, IP: ip}
}

// IsAuthenticated reports whether the caller signed in
func (id Identity) IsAuthenticated() bool {
	return id.Kind == KindAuthenticated
}

// IsGuest reports whether the caller is an anonymous guest
func (id Identity) IsGuest() bool {
	return id.Kind == KindGuest
}

// EffectiveTier returns the plan tier in force at now. A plan past its
// expiry counts as free.
func (id Identity) EffectiveTier(now time.Time) string {
	if !id.IsAuthenticated() {
		return ""
	}
	if id.PlanTier == "" {
		return TierFree
	}
	if !id.PlanExpiry.IsZero() && !now.Before(id.PlanExpiry) {
		return TierFree
	}
	return id.PlanTier
}

// Key returns a stable identifier for logs and counters
func (id Identity) Key() string {
	if id.IsAuthenticated() {
		return "user:" + id.UserID
	}
	return "guest:" + id.IP
}

// Validator checks a session credential and returns the account behind it
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// ValidatorFunc adapts a function to Validator
type ValidatorFunc func(ctx context.Context, token string) (Identity, error)

// Validate calls f
func (f ValidatorFunc) Validate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}
