// Package media turns stored media ids into short-lived signed URLs.
package media

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL is the lifetime of a signed URL
const DefaultTTL = 10 * time.Minute

var (
	// ErrInvalidID is returned for ids that cannot be addressed
	ErrInvalidID = errors.New("invalid media id")
	// ErrExpired is returned when verifying a URL past its expiry
	ErrExpired = errors.New("signed url expired")
	// ErrBadSignature is returned when verifying a tampered URL
	ErrBadSignature = errors.New("bad signature")
)

// Signer issues HMAC-SHA256 signed URLs under a base URL
type Signer struct {
	baseURL string
	key     []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewSigner creates a signer. ttl <= 0 uses DefaultTTL.
func NewSigner(baseURL, key string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     []byte(key),
		ttl:     ttl,
		now:     time.Now,
	}
}

// ResolveBatch signs every id. Ids are expected to be deduplicated by the
// caller; repeated ids simply map to the same URL.
func (s *Signer) ResolveBatch(ctx context.Context, ids []string) (map[string]string, error) {
	expires := s.now().Add(s.ttl).Unix()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u, err := s.sign(id, expires)
		if err != nil {
			return nil, err
		}
		out[id] = u
	}
	return out, nil
}

func (s *Signer) sign(id string, expires int64) (string, error) {
	if id == "" || strings.Contains(id, "..") || strings.HasPrefix(id, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.mac(id, expires))
	return s.baseURL + "/" + url.PathEscape(id) + "?" + q.Encode(), nil
}

// Verify checks a signature produced by ResolveBatch
func (s *Signer) Verify(id string, expires int64, sig string) error {
	if !hmac.Equal([]byte(sig), []byte(s.mac(id, expires))) {
		return ErrBadSignature
	}
	if s.now().Unix() > expires {
		return ErrExpired
	}
	return nil
}

func (s *Signer) mac(id string, expires int64) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(id))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
