package events

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/zulandar/secretary/internal/models"
)

// Audit persists every finished job as a models.JobRun row.
type Audit struct {
	db *gorm.DB
}

// NewAudit returns an audit subscriber writing to db.
func NewAudit(db *gorm.DB) *Audit {
	return &Audit{db: db}
}

// Handle implements Handler.
func (a *Audit) Handle(ctx context.Context, ev JobFinished) error {
	run := models.JobRun{
		JobID:      ev.JobID,
		UserKey:    ev.User,
		Kind:       ev.Kind,
		Program:    ev.Program,
		Args:       strings.Join(ev.Args, " "),
		Status:     ev.Status,
		ExitCode:   ev.ExitCode,
		Artifact:   ev.Artifact,
		Error:      ev.Error,
		StartedAt:  ev.StartedAt,
		DurationMs: ev.Duration.Milliseconds(),
	}
	if err := a.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("events: audit %s: %w", ev.JobID, err)
	}
	return nil
}
