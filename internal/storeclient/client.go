// Package storeclient talks to the store API server over HTTP. It
// satisfies the controller's session store interface and the queue's
// registrar, so a recording client runs against a remote store with the
// same wiring it uses in-process.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/recitalhq/recital/internal/models"
	"github.com/recitalhq/recital/internal/store"
)

// Opts holds parameters for creating a Client.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client

	// URLCacheFraction is the share of a signed URL's TTL during which
	// the client reuses it instead of requesting a fresh one.
	URLCacheFraction float64
}

// Client is an HTTP client for the store API.
type Client struct {
	baseURL string
	http    *http.Client
	blobs   *remoteBlobs
}

// New creates a Client.
func New(opts Opts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("storeclient: base URL is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	fraction := opts.URLCacheFraction
	if fraction <= 0 || fraction >= 1 {
		fraction = 50.0 / 60.0
	}
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
	}
	c.blobs = &remoteBlobs{client: c, fraction: fraction, urls: make(map[string]cachedURL)}
	return c, nil
}

// apiError is the server's error body.
type apiError struct {
	Error string `json:"error"`
}

// do sends a JSON request and decodes a JSON response. A nil out
// discards the body. Non-2xx responses become errors carrying the
// server's message; 404 returns errNotFound so callers can map missing
// resources to nil.
var errNotFound = fmt.Errorf("not found")

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("storeclient: encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("storeclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("storeclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("storeclient: %s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("storeclient: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("storeclient: decode response: %w", err)
	}
	return nil
}

// sessionView mirrors the server's session wire shape.
type sessionView struct {
	SessionID       string `json:"session_id"`
	OwnerID         string `json:"owner_id"`
	LessonID        string `json:"lesson_id"`
	UploadPurpose   string `json:"upload_purpose"`
	CounterpartID   string `json:"counterpart_id"`
	LessonState     string `json:"lesson_state"`
	Status          string `json:"status"`
	IsActive        bool   `json:"is_active"`
	TotalDurationMs int64  `json:"total_duration_ms"`
	FragmentsCount  int    `json:"fragments_count"`
	FinalAudioKey   string `json:"final_audio_key"`
	Error           string `json:"error"`
}

func (v sessionView) toModel() *models.RecordingSession {
	return &models.RecordingSession{
		SessionID:       v.SessionID,
		OwnerID:         v.OwnerID,
		LessonID:        v.LessonID,
		UploadPurpose:   v.UploadPurpose,
		CounterpartID:   v.CounterpartID,
		LessonState:     v.LessonState,
		Status:          models.SessionStatus(v.Status),
		IsActive:        v.IsActive,
		TotalDurationMs: v.TotalDurationMs,
		FragmentsCount:  v.FragmentsCount,
		FinalAudioKey:   v.FinalAudioKey,
		Error:           v.Error,
	}
}

// CreateSession creates a session on the server.
func (c *Client) CreateSession(ctx context.Context, opts store.CreateOpts) (*models.RecordingSession, error) {
	body := map[string]string{
		"session_id":     opts.SessionID,
		"owner_id":       opts.OwnerID,
		"lesson_id":      opts.Subject.LessonID,
		"upload_purpose": opts.Subject.UploadPurpose,
		"counterpart_id": opts.Subject.CounterpartID,
		"lesson_state":   opts.Subject.LessonState,
	}
	var view sessionView
	if err := c.do(ctx, http.MethodPost, "/api/sessions", body, &view); err != nil {
		return nil, err
	}
	return view.toModel(), nil
}

// GetSession fetches a session; a missing session is (nil, nil).
func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.RecordingSession, error) {
	var view sessionView
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID, nil, &view)
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return view.toModel(), nil
}

// GetActiveSessionForLesson fetches the owner's active session for a
// lesson; none is (nil, nil).
func (c *Client) GetActiveSessionForLesson(ctx context.Context, ownerID, lessonID string) (*models.RecordingSession, error) {
	var view sessionView
	path := fmt.Sprintf("/api/active-session?owner=%s&lesson=%s", ownerID, lessonID)
	err := c.do(ctx, http.MethodGet, path, nil, &view)
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return view.toModel(), nil
}

// UpdateSessionStatus sets a session's status.
func (c *Client) UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	body := map[string]string{"status": string(status)}
	err := c.do(ctx, http.MethodPatch, "/api/sessions/"+sessionID+"/status", body, nil)
	if err == errNotFound {
		return fmt.Errorf("storeclient: session not found: %s", sessionID)
	}
	return err
}

// DeleteSession deletes a session. Deleting a missing session succeeds.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodDelete, "/api/sessions/"+sessionID, nil, nil)
	if err == errNotFound {
		return nil
	}
	return err
}

// AddFragment registers an uploaded fragment with the server.
func (c *Client) AddFragment(ctx context.Context, sessionID string, fragmentIndex int, storageKey string, durationMs int64) (*models.AudioFragment, error) {
	body := map[string]any{
		"fragment_index": fragmentIndex,
		"storage_key":    storageKey,
		"duration_ms":    durationMs,
	}
	var out struct {
		FragmentIndex int    `json:"fragment_index"`
		StorageKey    string `json:"storage_key"`
		DurationMs    int64  `json:"duration_ms"`
	}
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/fragments", body, &out)
	if err == errNotFound {
		return nil, fmt.Errorf("storeclient: session not found: %s", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &models.AudioFragment{
		SessionID:     sessionID,
		FragmentIndex: out.FragmentIndex,
		StorageKey:    out.StorageKey,
		DurationMs:    out.DurationMs,
	}, nil
}

// DownloadURL fetches a signed URL for a completed session's asset.
func (c *Client) DownloadURL(ctx context.Context, sessionID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/download", nil, &out)
	if err == errNotFound {
		return "", fmt.Errorf("storeclient: session not found: %s", sessionID)
	}
	if err != nil {
		return "", err
	}
	return out.URL, nil
}
