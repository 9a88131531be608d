package models

import "time"

// JobRun is the audit row for one external generation job.
type JobRun struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	JobID      string `gorm:"size:36;uniqueIndex;not null"`
	UserKey    string `gorm:"size:128;index;not null"`
	Kind       string `gorm:"size:32;index;not null"`
	Program    string `gorm:"size:255"`
	Args       string `gorm:"type:text"`
	Status     string `gorm:"size:16;default:success;index"`
	ExitCode   int
	Artifact   string `gorm:"size:512"`
	Error      string `gorm:"type:text"`
	StartedAt  time.Time
	DurationMs int64
	CreatedAt  time.Time
}

// Job run statuses.
const (
	JobStatusSuccess   = "success"
	JobStatusFailed    = "failed"
	JobStatusTimeout   = "timeout"
	JobStatusDiscarded = "discarded"
)
