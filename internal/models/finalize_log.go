package models

import "time"

// FinalizeJobLog records one finalization attempt by the worker, for
// operator diagnostics. Sessions can be retried, so a session may have
// several rows.
type FinalizeJobLog struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	SessionID  string `gorm:"size:32;index;not null"`
	WorkerID   string `gorm:"size:64"`
	Fragments  int
	Outcome    string `gorm:"size:16"` // completed | failed
	Error      string `gorm:"type:text"`
	StartedAt  time.Time
	FinishedAt *time.Time
}
