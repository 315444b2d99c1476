package storeclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/recitalhq/recital/internal/storage"
)

// cachedURL is a signed URL and the time until which it is reused.
type cachedURL struct {
	url     string
	goodFor time.Time
}

// remoteBlobs uploads and downloads blobs through signed URLs issued by
// the server. Signed URLs are cached for a fraction of their TTL so a
// burst of fragment uploads does not hammer the signing route.
type remoteBlobs struct {
	client   *Client
	fraction float64

	mu   sync.Mutex
	urls map[string]cachedURL
	now  func() time.Time // test hook
}

// Blobs returns a blob store that round-trips through the server's
// signed /blobs endpoints. Only Put and Get are supported: deletion and
// listing are server-side concerns.
func (c *Client) Blobs() storage.BlobStore {
	return c.blobs
}

// signedURL fetches (or reuses) a signed URL for key and method.
func (b *remoteBlobs) signedURL(ctx context.Context, key, method string) (string, error) {
	now := time.Now
	if b.now != nil {
		now = b.now
	}
	cacheKey := method + " " + key

	b.mu.Lock()
	if entry, ok := b.urls[cacheKey]; ok && now().Before(entry.goodFor) {
		b.mu.Unlock()
		return entry.url, nil
	}
	b.mu.Unlock()

	var out struct {
		URL   string `json:"url"`
		TTLMs int64  `json:"ttl_ms"`
	}
	body := map[string]string{"key": key, "method": method}
	if err := b.client.do(ctx, http.MethodPost, "/api/blobs/sign", body, &out); err != nil {
		return "", err
	}

	ttl := time.Duration(out.TTLMs) * time.Millisecond
	b.mu.Lock()
	b.urls[cacheKey] = cachedURL{
		url:     out.URL,
		goodFor: now().Add(time.Duration(float64(ttl) * b.fraction)),
	}
	b.mu.Unlock()
	return out.URL, nil
}

func (b *remoteBlobs) Put(ctx context.Context, key string, r io.Reader) error {
	url, err := b.signedURL(ctx, key, http.MethodPut)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, r)
	if err != nil {
		return fmt.Errorf("storeclient: build upload: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("storeclient: upload %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// A signature the server rejects may simply have expired early
		// (clock skew); drop it so the next attempt re-signs.
		if resp.StatusCode == http.StatusForbidden {
			b.invalidate(key, http.MethodPut)
		}
		return fmt.Errorf("storeclient: upload %s: status %d", key, resp.StatusCode)
	}
	return nil
}

func (b *remoteBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	url, err := b.signedURL(ctx, key, http.MethodGet)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("storeclient: build download: %w", err)
	}
	resp, err := b.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storeclient: download %s: %w", key, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		if resp.StatusCode == http.StatusForbidden {
			b.invalidate(key, http.MethodGet)
		}
		return nil, fmt.Errorf("storeclient: download %s: status %d", key, resp.StatusCode)
	}
	return resp.Body, nil
}

func (b *remoteBlobs) Delete(ctx context.Context, key string) error {
	return fmt.Errorf("storeclient: blob deletion is server-side only")
}

func (b *remoteBlobs) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	return nil, fmt.Errorf("storeclient: blob listing is server-side only")
}

func (b *remoteBlobs) invalidate(key, method string) {
	b.mu.Lock()
	delete(b.urls, method+" "+key)
	b.mu.Unlock()
}
