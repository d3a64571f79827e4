package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultCookieName       = "session_token"
	DefaultGuestModeHeader  = "X-Guest-Mode"
	DefaultGuestIDHeader    = "X-Guest-Id"
	guestModeHeaderEnabled  = "true"
	authorizationBearerPref = "Bearer "
)

// mobileMarkers are User-Agent fragments of phone and tablet clients
var mobileMarkers = []string{
	"android", "iphone", "ipad", "ipod", "mobile", "windows phone", "harmonyos",
}

// Options configures an Authenticator
type Options struct {
	CookieName      string
	GuestModeHeader string
	GuestIDHeader   string
}

// Authenticator resolves the Identity of an HTTP request
type Authenticator struct {
	validator Validator
	opts      Options
	now       func() time.Time
}

// NewAuthenticator creates an authenticator. Empty options take defaults.
func NewAuthenticator(v Validator, opts Options) *Authenticator {
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.GuestModeHeader == "" {
		opts.GuestModeHeader = DefaultGuestModeHeader
	}
	if opts.GuestIDHeader == "" {
		opts.GuestIDHeader = DefaultGuestIDHeader
	}
	return &Authenticator{validator: v, opts: opts, now: time.Now}
}

// Authenticate classifies r. A request that presents a credential must
// validate; one that does not is a guest only when it looks like a mobile
// client or asks for guest mode explicitly.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if token := a.credential(r); token != "" {
		if a.validator == nil {
			return Identity{}, fmt.Errorf("%w: no validator configured", ErrUnauthorized)
		}
		id, err := a.validator.Validate(ctx, token)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		id.Kind = KindAuthenticated
		id.PlanTier = id.EffectiveTier(a.now())
		return id, nil
	}

	if IsMobileUserAgent(r.UserAgent()) || a.wantsGuest(r) {
		return Guest(ClientIP(r)), nil
	}
	return Identity{}, ErrUnauthorized
}

func (a *Authenticator) credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, authorizationBearerPref) {
		if t := strings.TrimSpace(h[len(authorizationBearerPref):]); t != "" {
			return t
		}
	}
	if c, err := r.Cookie(a.opts.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

func (a *Authenticator) wantsGuest(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get(a.opts.GuestModeHeader), guestModeHeaderEnabled) {
		return true
	}
	return r.Header.Get(a.opts.GuestIDHeader) != ""
}

// IsMobileUserAgent reports whether ua belongs to a phone or tablet client
func IsMobileUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, m := range mobileMarkers {
		if strings.Contains(ua, m) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller address: first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
