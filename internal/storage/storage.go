// Package storage provides key-addressed blob storage for audio
// fragments and final assets, plus signed time-limited URLs for clients
// that upload or download over HTTP.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// BlobStore is an opaque key-addressed blob store.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// FragmentKey builds the storage key for one uploaded fragment. The
// random suffix keeps a re-uploaded fragment from overwriting a blob an
// earlier attempt may have partially written.
func FragmentKey(sessionID string, fragmentIndex int) string {
	return fmt.Sprintf("fragments/%s/%04d-%s.m4a", sessionID, fragmentIndex, uuid.NewString())
}

// FinalKey builds the storage key for a session's concatenated asset.
func FinalKey(sessionID string) string {
	return fmt.Sprintf("recordings/%s.mp3", sessionID)
}

// ValidKey reports whether key is safe to map onto a filesystem path.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
