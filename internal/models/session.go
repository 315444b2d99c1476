package models

import "time"

// SessionStatus is the server-authoritative lifecycle status of a
// recording session.
type SessionStatus string

// Session status values. recording/paused are user-resumable,
// finalizing/processing are committed server-side work, and
// completed/failed are terminal.
const (
	StatusRecording  SessionStatus = "recording"
	StatusPaused     SessionStatus = "paused"
	StatusFinalizing SessionStatus = "finalizing"
	StatusProcessing SessionStatus = "processing"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// Terminal reports whether s is a terminal status.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusRecording, StatusPaused, StatusFinalizing, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// RecordingSession is one end-to-end recording attempt. Fragments hang
// off it by SessionID; on finalization they are concatenated into the
// asset named by FinalAudioKey.
type RecordingSession struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:32;uniqueIndex;not null"`
	OwnerID   string `gorm:"size:64;index;not null"`

	// Subject metadata, opaque passthrough from the caller.
	LessonID      string `gorm:"size:64;index"`
	UploadPurpose string `gorm:"size:32"`
	CounterpartID string `gorm:"size:64"`
	LessonState   string `gorm:"size:32"`

	Status   SessionStatus `gorm:"size:16;default:recording;index"`
	IsActive bool          `gorm:"default:true;index"`

	// TotalDurationMs and FragmentsCount advance only through fragment
	// registration, never by direct mutation.
	TotalDurationMs int64 `gorm:"default:0"`
	FragmentsCount  int   `gorm:"default:0"`

	FinalAudioKey string `gorm:"size:256"`
	Error         string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Fragments []AudioFragment `gorm:"foreignKey:SessionID;references:SessionID"`
}
