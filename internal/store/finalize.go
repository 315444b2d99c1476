package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recitalhq/recital/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FinalizeSession marks a session completed with its final asset key and
// clears is_active. Called only by the finalization worker.
func (s *Service) FinalizeSession(ctx context.Context, sessionID, finalAudioKey string) error {
	if finalAudioKey == "" {
		return fmt.Errorf("store: final audio key is required")
	}
	result := s.db.WithContext(ctx).Model(&models.RecordingSession{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"status":          models.StatusCompleted,
			"final_audio_key": finalAudioKey,
			"is_active":       false,
		})
	if result.Error != nil {
		return fmt.Errorf("store: finalize %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: session not found: %s", sessionID)
	}
	return nil
}

// FailSession marks a session failed with an error reason and clears
// is_active.
func (s *Service) FailSession(ctx context.Context, sessionID, reason string) error {
	result := s.db.WithContext(ctx).Model(&models.RecordingSession{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"status":    models.StatusFailed,
			"error":     reason,
			"is_active": false,
		})
	if result.Error != nil {
		return fmt.Errorf("store: fail %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: session not found: %s", sessionID)
	}
	return nil
}

// ClaimNextFinalizing atomically picks the oldest session in status
// finalizing and moves it to processing for the given worker. Returns
// nil when no session is waiting.
func (s *Service) ClaimNextFinalizing(ctx context.Context, workerID string) (*models.RecordingSession, error) {
	var claimed models.RecordingSession

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		result := q.Where("status = ?", models.StatusFinalizing).
			Order("updated_at ASC").
			Limit(1).
			Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("store: find finalizing session: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Model(&models.RecordingSession{}).
			Where("session_id = ?", claimed.SessionID).
			Update("status", models.StatusProcessing).Error; err != nil {
			return fmt.Errorf("store: claim %s: %w", claimed.SessionID, err)
		}
		claimed.Status = models.StatusProcessing
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// StartJobLog opens a finalization attempt record and returns its ID.
func (s *Service) StartJobLog(ctx context.Context, sessionID, workerID string, fragments int) (uint, error) {
	entry := models.FinalizeJobLog{
		SessionID: sessionID,
		WorkerID:  workerID,
		Fragments: fragments,
		StartedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("store: start job log for %s: %w", sessionID, err)
	}
	return entry.ID, nil
}

// FinishJobLog closes a finalization attempt record with its outcome.
func (s *Service) FinishJobLog(ctx context.Context, id uint, outcome, errMsg string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&models.FinalizeJobLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"outcome":     outcome,
			"error":       errMsg,
			"finished_at": &now,
		})
	if result.Error != nil {
		return fmt.Errorf("store: finish job log %d: %w", id, result.Error)
	}
	return nil
}

// ListStorageKeys returns every storage key referenced by a fragment or
// a session's final asset. The sweep uses this as the live set.
func (s *Service) ListStorageKeys(ctx context.Context) (map[string]bool, error) {
	keys := make(map[string]bool)

	var fragKeys []string
	if err := s.db.WithContext(ctx).Model(&models.AudioFragment{}).
		Pluck("storage_key", &fragKeys).Error; err != nil {
		return nil, fmt.Errorf("store: list fragment keys: %w", err)
	}
	var finalKeys []string
	if err := s.db.WithContext(ctx).Model(&models.RecordingSession{}).
		Where("final_audio_key <> ''").
		Pluck("final_audio_key", &finalKeys).Error; err != nil {
		return nil, fmt.Errorf("store: list final keys: %w", err)
	}

	for _, k := range fragKeys {
		keys[k] = true
	}
	for _, k := range finalKeys {
		keys[k] = true
	}
	return keys, nil
}
