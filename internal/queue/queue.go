// Package queue implements the durable fragment upload queue.
//
// Recorded fragments land here before the session store knows about
// them. Entries live in the client-local database so an upload
// interrupted by a crash is retried on the next run; an entry is removed
// only once the fragment is registered with the store, giving
// at-least-once delivery.
package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/recitalhq/recital/internal/models"
	"github.com/recitalhq/recital/internal/storage"
	"gorm.io/gorm"
)

// Registrar registers an uploaded fragment with the session store. It is
// the only path by which session counters advance.
type Registrar interface {
	AddFragment(ctx context.Context, sessionID string, fragmentIndex int, storageKey string, durationMs int64) (*models.AudioFragment, error)
}

// RetryPolicy bounds upload retries. Backoff is indexed by attempt and
// capped at its last entry.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultRetryPolicy is three attempts with 1s/2s/4s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Delay returns the backoff before the given attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

// Opts holds parameters for creating a Queue.
type Opts struct {
	DB        *gorm.DB // client-local database, migrated with db.AutoMigrateLocal
	Blobs     storage.BlobStore
	Registrar Registrar
	Policy    RetryPolicy
	// OnError is invoked once per fragment when its retries are
	// exhausted. The fragment stays visible in status failed.
	OnError func(frag models.QueuedFragment, err error)
	// Sleep replaces the backoff wait in tests. Returns false when the
	// context was cancelled during the wait.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Queue is the durable upload queue. A single worker processes entries
// oldest-first; mutual exclusion is a processing flag, never concurrent
// workers.
type Queue struct {
	db        *gorm.DB
	blobs     storage.BlobStore
	registrar Registrar
	policy    RetryPolicy
	onError   func(models.QueuedFragment, error)
	sleep     func(context.Context, time.Duration) bool

	mu         sync.Mutex
	processing bool
}

// New creates a Queue.
func New(opts Opts) (*Queue, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("queue: db is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("queue: blob store is required")
	}
	if opts.Registrar == nil {
		return nil, fmt.Errorf("queue: registrar is required")
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) bool {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return false
			case <-timer.C:
				return true
			}
		}
	}
	return &Queue{
		db:        opts.DB,
		blobs:     opts.Blobs,
		registrar: opts.Registrar,
		policy:    opts.Policy,
		onError:   opts.OnError,
		sleep:     opts.Sleep,
	}, nil
}

// Spec describes a fragment to enqueue.
type Spec struct {
	SessionID     string
	FragmentIndex int
	LocalURI      string
	DurationMs    int64
}

// Enqueue persists a pending entry and kicks the worker.
func (q *Queue) Enqueue(ctx context.Context, spec Spec) error {
	if spec.SessionID == "" {
		return fmt.Errorf("queue: session ID is required")
	}
	if spec.LocalURI == "" {
		return fmt.Errorf("queue: local URI is required")
	}
	entry := models.QueuedFragment{
		SessionID:     spec.SessionID,
		FragmentIndex: spec.FragmentIndex,
		LocalURI:      spec.LocalURI,
		DurationMs:    spec.DurationMs,
		Status:        models.QueuePending,
	}
	if err := q.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("queue: enqueue %s/%d: %w", spec.SessionID, spec.FragmentIndex, err)
	}
	q.Kick(ctx)
	return nil
}

// Kick starts the worker goroutine if it is not already running.
func (q *Queue) Kick(ctx context.Context) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	go func() {
		defer q.clearProcessing()
		q.drain(ctx)
	}()
}

// Process drains the queue synchronously. It is the same worker Kick
// runs in the background; tests call it directly for determinism. A
// second concurrent call returns immediately.
func (q *Queue) Process(ctx context.Context) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	defer q.clearProcessing()
	q.drain(ctx)
}

func (q *Queue) clearProcessing() {
	q.mu.Lock()
	q.processing = false
	q.mu.Unlock()
}

// drain processes pending entries oldest-first until none remain or the
// context is cancelled.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		var entry models.QueuedFragment
		result := q.db.WithContext(ctx).
			Where("status = ?", models.QueuePending).
			Order("created_at ASC, id ASC").
			Limit(1).
			Find(&entry)
		if result.Error != nil {
			log.Printf("queue: fetch pending: %v", result.Error)
			return
		}
		if result.RowsAffected == 0 {
			return
		}
		q.handle(ctx, entry)
	}
}

// handle runs one upload attempt for one entry and applies the outcome.
func (q *Queue) handle(ctx context.Context, entry models.QueuedFragment) {
	if err := q.setStatus(ctx, entry.ID, models.QueueUploading); err != nil {
		// Entry vanished: the session was cleared mid-flight. Nothing to do.
		return
	}

	uploadErr := q.upload(ctx, entry)
	if uploadErr == nil {
		if err := q.db.WithContext(ctx).Delete(&models.QueuedFragment{}, entry.ID).Error; err != nil {
			log.Printf("queue: remove registered entry %d: %v", entry.ID, err)
		}
		// The raw bytes are registered and stored remotely; the local
		// copy is no longer needed.
		if err := os.Remove(entry.LocalURI); err != nil && !os.IsNotExist(err) {
			log.Printf("queue: remove local file %s: %v", entry.LocalURI, err)
		}
		return
	}

	entry.RetryCount++
	if entry.RetryCount >= q.policy.MaxAttempts {
		res := q.db.WithContext(ctx).Model(&models.QueuedFragment{}).
			Where("id = ?", entry.ID).
			Updates(map[string]interface{}{
				"status":      models.QueueFailed,
				"retry_count": entry.RetryCount,
			})
		if res.Error != nil {
			log.Printf("queue: mark entry %d failed: %v", entry.ID, res.Error)
			return
		}
		// RowsAffected 0 means the session was cleared while uploading;
		// the failure callback would be noise for a discarded fragment.
		if res.RowsAffected > 0 && q.onError != nil {
			entry.Status = models.QueueFailed
			q.onError(entry, uploadErr)
		}
		return
	}

	res := q.db.WithContext(ctx).Model(&models.QueuedFragment{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"status":      models.QueuePending,
			"retry_count": entry.RetryCount,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}
	q.sleep(ctx, q.policy.Delay(entry.RetryCount))
}

// upload pushes the fragment bytes to blob storage and registers the
// fragment with the session store.
func (q *Queue) upload(ctx context.Context, entry models.QueuedFragment) error {
	f, err := os.Open(entry.LocalURI)
	if err != nil {
		return fmt.Errorf("queue: open %s: %w", entry.LocalURI, err)
	}
	defer f.Close()

	key := storage.FragmentKey(entry.SessionID, entry.FragmentIndex)
	if err := q.blobs.Put(ctx, key, f); err != nil {
		return fmt.Errorf("queue: upload %s/%d: %w", entry.SessionID, entry.FragmentIndex, err)
	}
	if _, err := q.registrar.AddFragment(ctx, entry.SessionID, entry.FragmentIndex, key, entry.DurationMs); err != nil {
		return fmt.Errorf("queue: register %s/%d: %w", entry.SessionID, entry.FragmentIndex, err)
	}
	return nil
}

func (q *Queue) setStatus(ctx context.Context, id uint, status models.QueueStatus) error {
	res := q.db.WithContext(ctx).Model(&models.QueuedFragment{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("queue: set status of %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("queue: entry %d gone", id)
	}
	return nil
}

// ClearSession removes every entry for a session immediately. An upload
// already in flight for the session is not aborted; its eventual result
// is discarded because its row no longer exists.
func (q *Queue) ClearSession(ctx context.Context, sessionID string) error {
	if err := q.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&models.QueuedFragment{}).Error; err != nil {
		return fmt.Errorf("queue: clear session %s: %w", sessionID, err)
	}
	return nil
}

// Restore reloads persisted state after a restart: entries stuck in
// uploading are coerced back to pending, because an interrupted upload's
// outcome is unknown and must be treated as not-done.
func (q *Queue) Restore(ctx context.Context) error {
	if err := q.db.WithContext(ctx).Model(&models.QueuedFragment{}).
		Where("status = ?", models.QueueUploading).
		Update("status", models.QueuePending).Error; err != nil {
		return fmt.Errorf("queue: restore: %w", err)
	}
	return nil
}

// PendingDurationMs sums the durations of a session's entries that are
// not yet registered (pending or uploading). Combined with the store's
// committed total this yields the true elapsed recorded time.
func (q *Queue) PendingDurationMs(ctx context.Context, sessionID string) (int64, error) {
	var total *int64
	err := q.db.WithContext(ctx).Model(&models.QueuedFragment{}).
		Where("session_id = ? AND status IN ?", sessionID, []models.QueueStatus{models.QueuePending, models.QueueUploading}).
		Select("SUM(duration_ms)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("queue: pending duration of %s: %w", sessionID, err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// ListSession returns a session's entries oldest-first, failed included.
func (q *Queue) ListSession(ctx context.Context, sessionID string) ([]models.QueuedFragment, error) {
	var entries []models.QueuedFragment
	err := q.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("queue: list session %s: %w", sessionID, err)
	}
	return entries, nil
}
