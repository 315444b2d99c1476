package store

import (
	"context"
	"fmt"
	"time"

	"github.com/recitalhq/recital/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// withRowLock adds SELECT ... FOR UPDATE on backends that support it.
// SQLite serializes writers at the database level, so the clause is
// omitted there.
func withRowLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// AddFragment registers an uploaded fragment with its session and
// advances the session's fragment count and total duration in the same
// transaction. This is the only path by which those counters move.
//
// Registration order need not match fragment index order: uploads
// complete out of order and finalization sorts by index.
func (s *Service) AddFragment(ctx context.Context, sessionID string, fragmentIndex int, storageKey string, durationMs int64) (*models.AudioFragment, error) {
	if storageKey == "" {
		return nil, fmt.Errorf("store: storage key is required")
	}
	if fragmentIndex < 0 {
		return nil, fmt.Errorf("store: fragment index %d is negative", fragmentIndex)
	}

	frag := models.AudioFragment{
		SessionID:     sessionID,
		FragmentIndex: fragmentIndex,
		StorageKey:    storageKey,
		DurationMs:    durationMs,
		UploadedAt:    time.Now(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess models.RecordingSession
		result := withRowLock(tx).
			Where("session_id = ?", sessionID).
			Limit(1).
			Find(&sess)
		if result.Error != nil {
			return fmt.Errorf("store: find session %s: %w", sessionID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("store: session not found: %s", sessionID)
		}

		if err := tx.Create(&frag).Error; err != nil {
			return fmt.Errorf("store: add fragment %s/%d: %w", sessionID, fragmentIndex, err)
		}

		if err := tx.Model(&models.RecordingSession{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]interface{}{
				"fragments_count":   gorm.Expr("fragments_count + 1"),
				"total_duration_ms": gorm.Expr("total_duration_ms + ?", durationMs),
			}).Error; err != nil {
			return fmt.Errorf("store: bump counters of %s: %w", sessionID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &frag, nil
}

// ListFragments returns all fragments of a session ordered by fragment
// index ascending, the order the finalizer concatenates them in.
func (s *Service) ListFragments(ctx context.Context, sessionID string) ([]models.AudioFragment, error) {
	var frags []models.AudioFragment
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("fragment_index ASC").
		Find(&frags).Error
	if err != nil {
		return nil, fmt.Errorf("store: list fragments of %s: %w", sessionID, err)
	}
	return frags, nil
}
