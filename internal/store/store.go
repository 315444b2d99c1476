// Package store implements the server-authoritative session store.
//
// The store owns the durable RecordingSession and AudioFragment records.
// Clients mutate them only through the operations defined here; in
// particular TotalDurationMs and FragmentsCount advance only through
// AddFragment, never by direct update.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/recitalhq/recital/internal/models"
	"gorm.io/gorm"
)

// Service exposes session store operations over a GORM database.
type Service struct {
	db *gorm.DB
}

// NewService creates a store Service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// SubjectMeta is the opaque lesson/attempt metadata carried on a session.
type SubjectMeta struct {
	LessonID      string
	UploadPurpose string
	CounterpartID string
	LessonState   string
}

// CreateOpts holds parameters for creating a session.
type CreateOpts struct {
	SessionID string
	OwnerID   string
	Subject   SubjectMeta
}

// CreateSession creates a new active session in status recording. If the
// owner already has an active session for the same lesson, that session
// is deactivated rather than the create being rejected: the newest
// attempt wins.
func (s *Service) CreateSession(ctx context.Context, opts CreateOpts) (*models.RecordingSession, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("store: session ID is required")
	}
	if opts.OwnerID == "" {
		return nil, fmt.Errorf("store: owner ID is required")
	}

	sess := models.RecordingSession{
		SessionID:     opts.SessionID,
		OwnerID:       opts.OwnerID,
		LessonID:      opts.Subject.LessonID,
		UploadPurpose: opts.Subject.UploadPurpose,
		CounterpartID: opts.Subject.CounterpartID,
		LessonState:   opts.Subject.LessonState,
		Status:        models.StatusRecording,
		IsActive:      true,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RecordingSession{}).
			Where("owner_id = ? AND lesson_id = ? AND is_active = ?", opts.OwnerID, opts.Subject.LessonID, true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("store: deactivate prior session: %w", err)
		}
		if err := tx.Create(&sess).Error; err != nil {
			return fmt.Errorf("store: create session %s: %w", opts.SessionID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSessionStatus sets the session status. Terminal statuses clear
// is_active as a side effect.
func (s *Service) UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("store: invalid status %q", status)
	}

	updates := map[string]interface{}{"status": status}
	if status.Terminal() {
		updates["is_active"] = false
	}

	result := s.db.WithContext(ctx).Model(&models.RecordingSession{}).
		Where("session_id = ?", sessionID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: update status of %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: session not found: %s", sessionID)
	}
	return nil
}

// GetSession returns the session with the given ID, or nil if it does
// not exist.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.RecordingSession, error) {
	var sess models.RecordingSession
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// GetActiveSessionForLesson returns the single active session for the
// (owner, lesson) pair, or nil if none exists.
func (s *Service) GetActiveSessionForLesson(ctx context.Context, ownerID, lessonID string) (*models.RecordingSession, error) {
	var sess models.RecordingSession
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND lesson_id = ? AND is_active = ?", ownerID, lessonID, true).
		Order("created_at DESC").
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get active session for %s/%s: %w", ownerID, lessonID, err)
	}
	return &sess, nil
}

// DeleteSession removes a session and all its fragments. Deleting a
// session that does not exist is a no-op: callers discard sessions
// without knowing whether another path already removed them.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.AudioFragment{}).Error; err != nil {
			return fmt.Errorf("store: delete fragments of %s: %w", sessionID, err)
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&models.RecordingSession{}).Error; err != nil {
			return fmt.Errorf("store: delete session %s: %w", sessionID, err)
		}
		return nil
	})
}
