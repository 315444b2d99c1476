package queue

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/recitalhq/recital/internal/models"
	"github.com/recitalhq/recital/internal/storage"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeBlobs is an in-memory blob store whose Put can be made to fail a
// set number of times.
type fakeBlobs struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failPuts int // fail this many Puts before succeeding; -1 fails forever
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(ctx context.Context, key string, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts != 0 {
		if f.failPuts > 0 {
			f.failPuts--
		}
		return fmt.Errorf("fake: put refused")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("fake: not implemented")
}

func (f *fakeBlobs) Delete(ctx context.Context, key string) error { return nil }

func (f *fakeBlobs) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

// fakeRegistrar records AddFragment calls.
type fakeRegistrar struct {
	mu    sync.Mutex
	calls []registeredFragment
	fail  bool
}

type registeredFragment struct {
	SessionID  string
	Index      int
	StorageKey string
	DurationMs int64
}

func (f *fakeRegistrar) AddFragment(ctx context.Context, sessionID string, fragmentIndex int, storageKey string, durationMs int64) (*models.AudioFragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("fake: registration refused")
	}
	f.calls = append(f.calls, registeredFragment{sessionID, fragmentIndex, storageKey, durationMs})
	return &models.AudioFragment{SessionID: sessionID, FragmentIndex: fragmentIndex, StorageKey: storageKey, DurationMs: durationMs}, nil
}

func (f *fakeRegistrar) registered() []registeredFragment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registeredFragment(nil), f.calls...)
}

func testLocalDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open local db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.QueuedFragment{}); err != nil {
		t.Fatalf("migrate local db: %v", err)
	}
	return gdb
}

// testQueue wires a Queue with fakes, an instant sleep, and a recorded
// list of backoff delays.
func testQueue(t *testing.T, blobs *fakeBlobs, reg *fakeRegistrar) (*Queue, *[]time.Duration, *[]models.QueuedFragment) {
	t.Helper()
	var delays []time.Duration
	var failures []models.QueuedFragment
	var mu sync.Mutex
	q, err := New(Opts{
		DB:        testLocalDB(t),
		Blobs:     blobs,
		Registrar: reg,
		Policy:    DefaultRetryPolicy(),
		OnError: func(frag models.QueuedFragment, err error) {
			mu.Lock()
			failures = append(failures, frag)
			mu.Unlock()
		},
		Sleep: func(ctx context.Context, d time.Duration) bool {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return true
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q, &delays, &failures
}

// writeFragmentFile creates a fake recorded segment on disk.
func writeFragmentFile(t *testing.T, dir string, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("segment-bytes"), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	return path
}

func enqueue(t *testing.T, q *Queue, sessionID string, index int, uri string, durMs int64) {
	t.Helper()
	// Direct row creation keeps tests deterministic; Enqueue would kick
	// the background worker.
	entry := models.QueuedFragment{
		SessionID:     sessionID,
		FragmentIndex: index,
		LocalURI:      uri,
		DurationMs:    durMs,
		Status:        models.QueuePending,
	}
	if err := q.db.Create(&entry).Error; err != nil {
		t.Fatalf("create entry: %v", err)
	}
}

func TestProcess_UploadsAndRegisters(t *testing.T) {
	blobs := newFakeBlobs()
	reg := &fakeRegistrar{}
	q, _, _ := testQueue(t, blobs, reg)
	dir := t.TempDir()

	uri := writeFragmentFile(t, dir, "0.m4a")
	enqueue(t, q, "ses-aaaa0001", 0, uri, 120000)

	q.Process(context.Background())

	calls := reg.registered()
	if len(calls) != 1 {
		t.Fatalf("registered = %d, want 1", len(calls))
	}
	if calls[0].SessionID != "ses-aaaa0001" || calls[0].Index != 0 || calls[0].DurationMs != 120000 {
		t.Errorf("call = %+v", calls[0])
	}
	if len(blobs.objects) != 1 {
		t.Errorf("blobs = %d, want 1", len(blobs.objects))
	}

	entries, _ := q.ListSession(context.Background(), "ses-aaaa0001")
	if len(entries) != 0 {
		t.Errorf("entries remain: %+v", entries)
	}
	if _, err := os.Stat(uri); !os.IsNotExist(err) {
		t.Error("local file not removed after registration")
	}
}

func TestProcess_OldestFirst(t *testing.T) {
	blobs := newFakeBlobs()
	reg := &fakeRegistrar{}
	q, _, _ := testQueue(t, blobs, reg)
	dir := t.TempDir()

	for i := 0; i < 3; i++ {
		uri := writeFragmentFile(t, dir, fmt.Sprintf("%d.m4a", i))
		enqueue(t, q, "ses-aaaa0001", i, uri, 1000)
	}

	q.Process(context.Background())

	calls := reg.registered()
	if len(calls) != 3 {
		t.Fatalf("registered = %d, want 3", len(calls))
	}
	for i, c := range calls {
		if c.Index != i {
			t.Errorf("calls[%d].Index = %d, want %d", i, c.Index, i)
		}
	}
}

func TestProcess_TransientFailureRetriesWithBackoff(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.failPuts = 2
	reg := &fakeRegistrar{}
	q, delays, failures := testQueue(t, blobs, reg)
	dir := t.TempDir()

	uri := writeFragmentFile(t, dir, "0.m4a")
	enqueue(t, q, "ses-aaaa0001", 0, uri, 5000)

	q.Process(context.Background())

	if len(reg.registered()) != 1 {
		t.Fatalf("registered = %d, want 1 after retries", len(reg.registered()))
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v", i, (*delays)[i], want[i])
		}
	}
	if len(*failures) != 0 {
		t.Errorf("failures = %+v, want none", *failures)
	}
}

func TestProcess_ExhaustedRetriesMarksFailed(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.failPuts = -1
	reg := &fakeRegistrar{}
	q, _, failures := testQueue(t, blobs, reg)
	dir := t.TempDir()

	uri := writeFragmentFile(t, dir, "0.m4a")
	enqueue(t, q, "ses-aaaa0001", 0, uri, 5000)

	q.Process(context.Background())

	if len(reg.registered()) != 0 {
		t.Errorf("registered = %d, want 0", len(reg.registered()))
	}
	if len(*failures) != 1 {
		t.Fatalf("error callback fired %d times, want 1", len(*failures))
	}
	if (*failures)[0].RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", (*failures)[0].RetryCount)
	}

	entries, _ := q.ListSession(context.Background(), "ses-aaaa0001")
	if len(entries) != 1 || entries[0].Status != models.QueueFailed {
		t.Errorf("entries = %+v, want one failed", entries)
	}

	// A later Process leaves the failed entry alone.
	q.Process(context.Background())
	if len(*failures) != 1 {
		t.Errorf("error callback fired again: %d", len(*failures))
	}
}

func TestProcess_RegistrationFailureCountsAsAttempt(t *testing.T) {
	blobs := newFakeBlobs()
	reg := &fakeRegistrar{fail: true}
	q, _, failures := testQueue(t, blobs, reg)
	dir := t.TempDir()

	uri := writeFragmentFile(t, dir, "0.m4a")
	enqueue(t, q, "ses-aaaa0001", 0, uri, 5000)

	q.Process(context.Background())

	if len(*failures) != 1 {
		t.Fatalf("error callback fired %d times, want 1", len(*failures))
	}
}

func TestClearSession_RemovesEntries(t *testing.T) {
	blobs := newFakeBlobs()
	reg := &fakeRegistrar{}
	q, _, _ := testQueue(t, blobs, reg)
	dir := t.TempDir()

	enqueue(t, q, "ses-aaaa0001", 0, writeFragmentFile(t, dir, "0.m4a"), 1000)
	enqueue(t, q, "ses-aaaa0002", 0, writeFragmentFile(t, dir, "1.m4a"), 1000)

	if err := q.ClearSession(context.Background(), "ses-aaaa0001"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	// Idempotent.
	if err := q.ClearSession(context.Background(), "ses-aaaa0001"); err != nil {
		t.Fatalf("second ClearSession: %v", err)
	}

	q.Process(context.Background())

	calls := reg.registered()
	if len(calls) != 1 || calls[0].SessionID != "ses-aaaa0002" {
		t.Errorf("registered = %+v, want only ses-aaaa0002", calls)
	}
}

func TestRestore_CoercesUploadingToPending(t *testing.T) {
	blobs := newFakeBlobs()
	reg := &fakeRegistrar{}
	q, _, _ := testQueue(t, blobs, reg)
	dir := t.TempDir()

	uri := writeFragmentFile(t, dir, "0.m4a")
	enqueue(t, q, "ses-aaaa0001", 0, uri, 7000)
	// Simulate a crash mid-upload.
	q.db.Model(&models.QueuedFragment{}).Where("1=1").Update("status", models.QueueUploading)

	if err := q.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	entries, _ := q.ListSession(context.Background(), "ses-aaaa0001")
	if len(entries) != 1 || entries[0].Status != models.QueuePending {
		t.Errorf("entries = %+v, want one pending", entries)
	}

	q.Process(context.Background())
	if len(reg.registered()) != 1 {
		t.Errorf("registered = %d after restore, want 1", len(reg.registered()))
	}
}

func TestPendingDurationMs(t *testing.T) {
	blobs := newFakeBlobs()
	reg := &fakeRegistrar{}
	q, _, _ := testQueue(t, blobs, reg)
	dir := t.TempDir()

	enqueue(t, q, "ses-aaaa0001", 0, writeFragmentFile(t, dir, "0.m4a"), 120000)
	enqueue(t, q, "ses-aaaa0001", 1, writeFragmentFile(t, dir, "1.m4a"), 45000)
	enqueue(t, q, "ses-aaaa0002", 0, writeFragmentFile(t, dir, "2.m4a"), 999)

	total, err := q.PendingDurationMs(context.Background(), "ses-aaaa0001")
	if err != nil {
		t.Fatalf("PendingDurationMs: %v", err)
	}
	if total != 165000 {
		t.Errorf("total = %d, want 165000", total)
	}

	// Failed entries no longer count toward pending duration.
	q.db.Model(&models.QueuedFragment{}).
		Where("session_id = ? AND fragment_index = ?", "ses-aaaa0001", 1).
		Update("status", models.QueueFailed)
	total, _ = q.PendingDurationMs(context.Background(), "ses-aaaa0001")
	if total != 120000 {
		t.Errorf("total = %d, want 120000", total)
	}

	empty, _ := q.PendingDurationMs(context.Background(), "ses-none")
	if empty != 0 {
		t.Errorf("empty = %d, want 0", empty)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 4 * time.Second}, // capped at the last configured value
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if (RetryPolicy{}).Delay(1) != 0 {
		t.Error("empty policy should have zero delay")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("New with no DB succeeded")
	}
	if _, err := New(Opts{DB: testLocalDB(t)}); err == nil {
		t.Error("New with no blob store succeeded")
	}
	if _, err := New(Opts{DB: testLocalDB(t), Blobs: newFakeBlobs()}); err == nil {
		t.Error("New with no registrar succeeded")
	}
}
