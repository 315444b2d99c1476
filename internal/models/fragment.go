package models

import "time"

// AudioFragment is one bounded segment of a session's audio, already
// uploaded to object storage. Concatenation order is FragmentIndex
// ascending, regardless of upload completion order.
type AudioFragment struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	SessionID     string `gorm:"size:32;index:idx_fragment_session_index,unique;not null"`
	FragmentIndex int    `gorm:"index:idx_fragment_session_index,unique;not null"`
	StorageKey    string `gorm:"size:256;not null"`
	DurationMs    int64  `gorm:"not null"`
	UploadedAt    time.Time
}
