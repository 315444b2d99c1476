package models

import "time"

// QueueStatus is the client-local upload state of a queued fragment.
type QueueStatus string

// Queue status values. There is no "done": a registered fragment is
// removed from the queue entirely.
const (
	QueuePending   QueueStatus = "pending"
	QueueUploading QueueStatus = "uploading"
	QueueFailed    QueueStatus = "failed"
)

// QueuedFragment is a client-local record of a recorded fragment that
// has not yet been registered with the session store. It lives in the
// device's own database so an interrupted upload survives restarts.
type QueuedFragment struct {
	ID            uint        `gorm:"primaryKey;autoIncrement"`
	SessionID     string      `gorm:"size:32;index;not null"`
	FragmentIndex int         `gorm:"not null"`
	LocalURI      string      `gorm:"size:512;not null"`
	DurationMs    int64       `gorm:"not null"`
	Status        QueueStatus `gorm:"size:16;default:pending;index"`
	RetryCount    int         `gorm:"default:0"`
	CreatedAt     time.Time
}
