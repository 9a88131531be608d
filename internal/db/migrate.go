package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/secretary/internal/models"
)

// AllModels returns the list of GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.JobRun{},
		&models.AssistantTurn{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// JobRunFilter narrows RecentJobRuns.
type JobRunFilter struct {
	UserKey    string
	Kind       string
	FailedOnly bool
	Limit      int
}

// RecentJobRuns returns job audit rows, newest first.
func RecentJobRuns(db *gorm.DB, f JobRunFilter) ([]models.JobRun, error) {
	q := db.Model(&models.JobRun{})
	if f.UserKey != "" {
		q = q.Where("user_key = ?", f.UserKey)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.FailedOnly {
		q = q.Where("status <> ?", models.JobStatusSuccess)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	var runs []models.JobRun
	if err := q.Order("started_at DESC, id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("db: query job runs: %w", err)
	}
	return runs, nil
}
