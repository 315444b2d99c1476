package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Signer issues and verifies time-limited HMAC-signed blob URLs served
// by the API server's /blobs endpoints.
type Signer struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewSigner creates a Signer. baseURL is the externally reachable server
// root, e.g. "http://localhost:8080".
func NewSigner(secret, baseURL string, ttl time.Duration) *Signer {
	return &Signer{
		secret:  []byte(secret),
		baseURL: baseURL,
		ttl:     ttl,
		now:     time.Now,
	}
}

// TTL returns the validity window of issued URLs.
func (s *Signer) TTL() time.Duration { return s.ttl }

// SignedURL returns a URL that permits the given method ("GET" or "PUT")
// on key until the TTL elapses.
func (s *Signer) SignedURL(key, method string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	exp := s.now().Add(s.ttl).Unix()
	sig := s.signature(key, method, exp)
	return fmt.Sprintf("%s/blobs/%s?method=%s&exp=%d&sig=%s",
		s.baseURL, escapeKey(key), method, exp, sig), nil
}

// Verify checks a signature produced by SignedURL. method must match the
// method the URL was issued for.
func (s *Signer) Verify(key, method, expStr, sig string) error {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return fmt.Errorf("storage: bad expiry %q", expStr)
	}
	if s.now().Unix() > exp {
		return fmt.Errorf("storage: signed URL expired")
	}
	want := s.signature(key, method, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return fmt.Errorf("storage: signature mismatch for %s", key)
	}
	return nil
}

func (s *Signer) signature(key, method string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, key, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// escapeKey escapes each path segment of a key while keeping the
// separators readable.
func escapeKey(key string) string {
	return url.PathEscape(key)
}
