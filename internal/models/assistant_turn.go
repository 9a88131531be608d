package models

import "time"

// AssistantTurn records one exchange with the AI fallback.
type AssistantTurn struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	UserKey   string `gorm:"size:128;index;not null"`
	Provider  string `gorm:"size:32"`
	Model     string `gorm:"size:128"`
	Prompt    string `gorm:"type:text"`
	Reply     string `gorm:"type:text"`
	Error     string `gorm:"type:text"`
	LatencyMs int64
	CreatedAt time.Time
}
