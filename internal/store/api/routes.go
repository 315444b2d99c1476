package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/recitalhq/recital/internal/models"
	"github.com/recitalhq/recital/internal/storage"
	"github.com/recitalhq/recital/internal/store"
)

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	svc, blobs, signer := opts.Store, opts.Blobs, opts.Signer

	// The active-session lookup lives outside the :id group: gin cannot
	// mix a static segment with a parameter at the same position.
	router.GET("/api/active-session", handleGetActiveSession(svc))

	sessions := router.Group("/api/sessions")
	sessions.POST("", handleCreateSession(svc))
	sessions.GET("/:id", handleGetSession(svc))
	sessions.PATCH("/:id/status", handleUpdateStatus(svc))
	sessions.DELETE("/:id", handleDeleteSession(svc))
	sessions.POST("/:id/uploads", handleUploadURL(signer))
	sessions.POST("/:id/fragments", handleAddFragment(svc))
	sessions.GET("/:id/fragments", handleListFragments(svc))
	sessions.GET("/:id/download", handleDownloadURL(svc, signer))
	sessions.GET("/:id/events", handleSessionEvents(svc, opts.PollInterval))

	router.POST("/api/blobs/sign", handleSignBlob(signer))
	router.PUT("/blobs/*key", handleBlobPut(blobs, signer))
	router.GET("/blobs/*key", handleBlobGet(blobs, signer))
}

// sessionView is the wire shape of a session.
type sessionView struct {
	SessionID       string `json:"session_id"`
	OwnerID         string `json:"owner_id"`
	LessonID        string `json:"lesson_id,omitempty"`
	UploadPurpose   string `json:"upload_purpose,omitempty"`
	CounterpartID   string `json:"counterpart_id,omitempty"`
	LessonState     string `json:"lesson_state,omitempty"`
	Status          string `json:"status"`
	IsActive        bool   `json:"is_active"`
	TotalDurationMs int64  `json:"total_duration_ms"`
	FragmentsCount  int    `json:"fragments_count"`
	FinalAudioKey   string `json:"final_audio_key,omitempty"`
	Error           string `json:"error,omitempty"`
}

func viewOf(sess *models.RecordingSession) sessionView {
	return sessionView{
		SessionID:       sess.SessionID,
		OwnerID:         sess.OwnerID,
		LessonID:        sess.LessonID,
		UploadPurpose:   sess.UploadPurpose,
		CounterpartID:   sess.CounterpartID,
		LessonState:     sess.LessonState,
		Status:          string(sess.Status),
		IsActive:        sess.IsActive,
		TotalDurationMs: sess.TotalDurationMs,
		FragmentsCount:  sess.FragmentsCount,
		FinalAudioKey:   sess.FinalAudioKey,
		Error:           sess.Error,
	}
}

type createSessionRequest struct {
	SessionID     string `json:"session_id" binding:"required"`
	OwnerID       string `json:"owner_id" binding:"required"`
	LessonID      string `json:"lesson_id"`
	UploadPurpose string `json:"upload_purpose"`
	CounterpartID string `json:"counterpart_id"`
	LessonState   string `json:"lesson_state"`
}

func handleCreateSession(svc *store.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := svc.CreateSession(c.Request.Context(), store.CreateOpts{
			SessionID: req.SessionID,
			OwnerID:   req.OwnerID,
			Subject: store.SubjectMeta{
				LessonID:      req.LessonID,
				UploadPurpose: req.UploadPurpose,
				CounterpartID: req.CounterpartID,
				LessonState:   req.LessonState,
			},
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, viewOf(sess))
	}
}

func handleGetSession(svc *store.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := svc.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, viewOf(sess))
	}
}

func handleGetActiveSession(svc *store.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.Query("owner")
		lesson := c.Query("lesson")
		if owner == "" || lesson == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "owner and lesson are required"})
			return
		}
		sess, err := svc.GetActiveSessionForLesson(c.Request.Context(), owner, lesson)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusOK, viewOf(sess))
	}
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func handleUpdateStatus(svc *store.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := svc.UpdateSessionStatus(c.Request.Context(), c.Param("id"), models.SessionStatus(req.Status))
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case strings.Contains(err.Error(), "not found"):
				status = http.StatusNotFound
			case strings.Contains(err.Error(), "invalid"):
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleDeleteSession(svc *store.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type addFragmentRequest struct {
	FragmentIndex *int   `json:"fragment_index" binding:"required"`
	DurationMs    int64  `json:"duration_ms" binding:"required"`
	StorageKey    string `json:"storage_key"`
}

type uploadURLRequest struct {
	FragmentIndex *int `json:"fragment_index" binding:"required"`
}

// handleUploadURL picks a storage key for a fragment and returns it
// with a signed PUT URL. The client uploads to the URL, then registers
// the fragment under the same key.
func handleUploadURL(signer *storage.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req uploadURLRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		key := storage.FragmentKey(c.Param("id"), *req.FragmentIndex)
		url, err := signer.SignedURL(key, http.MethodPut)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "url": url})
	}
}

// handleAddFragment registers an already-uploaded fragment under the
// key its upload URL reserved.
func handleAddFragment(svc *store.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req addFragmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.StorageKey == "" || !storage.ValidKey(req.StorageKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "valid storage_key is required"})
			return
		}
		frag, err := svc.AddFragment(c.Request.Context(), c.Param("id"), *req.FragmentIndex, req.StorageKey, req.DurationMs)
		if err != nil {
			status := http.StatusInternalServerError
			if strings.Contains(err.Error(), "not found") {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"fragment_index": frag.FragmentIndex,
			"storage_key":    frag.StorageKey,
			"duration_ms":    frag.DurationMs,
		})
	}
}

func handleListFragments(svc *store.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		frags, err := svc.ListFragments(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]gin.H, 0, len(frags))
		for _, f := range frags {
			out = append(out, gin.H{
				"fragment_index": f.FragmentIndex,
				"storage_key":    f.StorageKey,
				"duration_ms":    f.DurationMs,
			})
		}
		c.JSON(http.StatusOK, gin.H{"fragments": out})
	}
}

// handleDownloadURL issues a signed GET URL for a completed session's
// final asset.
func handleDownloadURL(svc *store.Service, signer *storage.Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := svc.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if sess.FinalAudioKey == "" {
			c.JSON(http.StatusConflict, gin.H{"error": "session has no final asset"})
			return
		}
		url, err := signer.SignedURL(sess.FinalAudioKey, http.MethodGet)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": sess.FinalAudioKey, "url": url})
	}
}
