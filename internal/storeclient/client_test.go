package storeclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/recitalhq/recital/internal/controller"
	"github.com/recitalhq/recital/internal/models"
	"github.com/recitalhq/recital/internal/queue"
	"github.com/recitalhq/recital/internal/storage"
	"github.com/recitalhq/recital/internal/store"
	"github.com/recitalhq/recital/internal/store/api"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// The client stands in for the in-process service on both sides of the
// controller wiring.
var (
	_ controller.SessionStore = (*Client)(nil)
	_ queue.Registrar         = (*Client)(nil)
)

type env struct {
	svc    *store.Service
	client *Client
}

// newEnv runs a real API server over an in-memory store and returns a
// client pointed at it. The signer needs the server's URL before the
// router exists, so the handler is swapped in after startup.
func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.RecordingSession{}, &models.AudioFragment{}, &models.FinalizeJobLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	svc := store.NewService(db)
	router, err := api.NewRouter(api.StartOpts{
		Store:        svc,
		Blobs:        blobs,
		Signer:       storage.NewSigner("test-secret", srv.URL, time.Hour),
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	handler = router

	client, err := New(Opts{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &env{svc: svc, client: client}
}

func TestSessionRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.client.CreateSession(ctx, store.CreateOpts{
		SessionID: "ses-rt",
		OwnerID:   "student-1",
		Subject:   store.SubjectMeta{LessonID: "lesson-9", UploadPurpose: "recitation"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.Status != models.StatusRecording || !created.IsActive {
		t.Errorf("created = %+v", created)
	}

	got, err := e.client.GetSession(ctx, "ses-rt")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.SessionID != "ses-rt" || got.UploadPurpose != "recitation" {
		t.Errorf("got = %+v", got)
	}

	active, err := e.client.GetActiveSessionForLesson(ctx, "student-1", "lesson-9")
	if err != nil {
		t.Fatalf("GetActiveSessionForLesson: %v", err)
	}
	if active == nil || active.SessionID != "ses-rt" {
		t.Errorf("active = %+v", active)
	}

	if err := e.client.UpdateSessionStatus(ctx, "ses-rt", models.StatusPaused); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	got, _ = e.client.GetSession(ctx, "ses-rt")
	if got.Status != models.StatusPaused {
		t.Errorf("status = %q", got.Status)
	}

	if err := e.client.DeleteSession(ctx, "ses-rt"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	// Idempotent against the already-deleted record.
	if err := e.client.DeleteSession(ctx, "ses-rt"); err != nil {
		t.Fatalf("second DeleteSession: %v", err)
	}
	got, err = e.client.GetSession(ctx, "ses-rt")
	if err != nil || got != nil {
		t.Errorf("after delete: %+v, %v", got, err)
	}
}

func TestGetSession_MissingIsNil(t *testing.T) {
	e := newEnv(t)
	got, err := e.client.GetSession(context.Background(), "ses-none")
	if err != nil || got != nil {
		t.Errorf("got = %+v, err = %v", got, err)
	}
	active, err := e.client.GetActiveSessionForLesson(context.Background(), "student-1", "lesson-9")
	if err != nil || active != nil {
		t.Errorf("active = %+v, err = %v", active, err)
	}
}

func TestUpdateSessionStatus_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	err := e.client.UpdateSessionStatus(ctx, "ses-none", models.StatusPaused)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}

	if _, err := e.client.CreateSession(ctx, store.CreateOpts{SessionID: "ses-x", OwnerID: "o"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := e.client.UpdateSessionStatus(ctx, "ses-x", "bogus"); err == nil {
		t.Error("invalid status accepted")
	}
}

func TestBlobsAndFragments(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.client.CreateSession(ctx, store.CreateOpts{SessionID: "ses-b", OwnerID: "o"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	key := storage.FragmentKey("ses-b", 0)
	if err := e.client.Blobs().Put(ctx, key, strings.NewReader("fragment-audio")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rc, err := e.client.Blobs().Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "fragment-audio" {
		t.Errorf("blob = %q", data)
	}

	frag, err := e.client.AddFragment(ctx, "ses-b", 0, key, 45000)
	if err != nil {
		t.Fatalf("AddFragment: %v", err)
	}
	if frag.FragmentIndex != 0 || frag.StorageKey != key {
		t.Errorf("frag = %+v", frag)
	}

	sess, _ := e.client.GetSession(ctx, "ses-b")
	if sess.FragmentsCount != 1 || sess.TotalDurationMs != 45000 {
		t.Errorf("counters = %d/%d", sess.FragmentsCount, sess.TotalDurationMs)
	}

	if _, err := e.client.AddFragment(ctx, "ses-none", 0, key, 1000); err == nil {
		t.Error("AddFragment for a missing session succeeded")
	}
}

// countingTransport counts requests to the signing route.
type countingTransport struct {
	base  http.RoundTripper
	signs int
}

func (ct *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.HasSuffix(req.URL.Path, "/api/blobs/sign") {
		ct.signs++
	}
	return ct.base.RoundTrip(req)
}

func TestSignedURLCaching(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	counter := &countingTransport{base: http.DefaultTransport}
	e.client.http = &http.Client{Transport: counter}
	b := e.client.blobs

	u1, err := b.signedURL(ctx, "fragments/ses-c/0000-a.m4a", http.MethodPut)
	if err != nil {
		t.Fatalf("signedURL: %v", err)
	}
	u2, err := b.signedURL(ctx, "fragments/ses-c/0000-a.m4a", http.MethodPut)
	if err != nil {
		t.Fatalf("signedURL: %v", err)
	}
	if u1 != u2 {
		t.Error("cached URL not reused inside the reuse window")
	}
	if counter.signs != 1 {
		t.Errorf("sign requests = %d, want 1", counter.signs)
	}

	// Jump past the reuse window: a fresh URL is fetched.
	b.now = func() time.Time { return time.Now().Add(55 * time.Minute) }
	if _, err := b.signedURL(ctx, "fragments/ses-c/0000-a.m4a", http.MethodPut); err != nil {
		t.Fatalf("signedURL: %v", err)
	}
	if counter.signs != 2 {
		t.Errorf("sign requests = %d, want 2 after expiry", counter.signs)
	}

	// Methods cache separately.
	if _, err := b.signedURL(ctx, "fragments/ses-c/0000-a.m4a", http.MethodGet); err != nil {
		t.Fatalf("signedURL GET: %v", err)
	}
	if counter.signs != 3 {
		t.Errorf("sign requests = %d, want 3 for a new method", counter.signs)
	}
}

func TestSubscribe(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := e.client.CreateSession(ctx, store.CreateOpts{SessionID: "ses-sub", OwnerID: "o"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	updates, err := e.client.Subscribe(ctx, "ses-sub")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	first := <-updates
	if first.SessionID != "ses-sub" || first.Status != models.StatusRecording {
		t.Fatalf("first update = %+v", first)
	}

	if err := e.svc.FinalizeSession(context.Background(), "ses-sub", "recordings/ses-sub.mp3"); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}

	var last models.RecordingSession
	for up := range updates {
		last = up
	}
	if last.Status != models.StatusCompleted || last.FinalAudioKey != "recordings/ses-sub.mp3" {
		t.Errorf("last update = %+v", last)
	}
}

func TestSubscribe_UnknownSession(t *testing.T) {
	e := newEnv(t)
	if _, err := e.client.Subscribe(context.Background(), "ses-none"); err == nil {
		t.Error("subscribe to missing session succeeded")
	}
}

func TestDownloadURL(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.client.CreateSession(ctx, store.CreateOpts{SessionID: "ses-d", OwnerID: "o"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := e.client.DownloadURL(ctx, "ses-d"); err == nil {
		t.Error("download URL before finalize succeeded")
	}

	if err := e.svc.FinalizeSession(ctx, "ses-d", "recordings/ses-d.mp3"); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	url, err := e.client.DownloadURL(ctx, "ses-d")
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	if !strings.Contains(url, "/blobs/") || !strings.Contains(url, "sig=") {
		t.Errorf("url = %q", url)
	}
}
