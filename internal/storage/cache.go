package storage

import (
	"sync"
	"time"
)

// URLCache reuses signed URLs for a fraction of their validity window,
// so repeated readers of the same asset do not mint a fresh URL per
// request. With the defaults a 60-minute URL is served from cache for
// 50 minutes.
type URLCache struct {
	signer   *Signer
	fraction float64
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]cachedURL
}

type cachedURL struct {
	url     string
	expires time.Time
}

// NewURLCache creates a URLCache over signer. fraction is the portion of
// the signed TTL during which a cached URL is still handed out.
func NewURLCache(signer *Signer, fraction float64) *URLCache {
	return &URLCache{
		signer:   signer,
		fraction: fraction,
		now:      time.Now,
		entries:  make(map[string]cachedURL),
	}
}

// GetURL returns a signed read URL for key, from cache when still fresh.
func (c *URLCache) GetURL(key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		return e.url, nil
	}

	u, err := c.signer.SignedURL(key, "GET")
	if err != nil {
		return "", err
	}
	c.entries[key] = cachedURL{
		url:     u,
		expires: c.now().Add(time.Duration(float64(c.signer.TTL()) * c.fraction)),
	}
	return u, nil
}

// Invalidate drops the cached URL for key, if any.
func (c *URLCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
