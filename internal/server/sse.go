package server

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zulandar/secretary/internal/models"
)

var (
	ssePollInterval = 3 * time.Second
	sseHeartbeat    = 15 * time.Second
)

// jobEvent is the SSE payload for a finished job.
type jobEvent struct {
	ID       uint   `json:"id"`
	JobID    string `json:"job_id"`
	User     string `json:"user"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Artifact string `json:"artifact,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleSSE streams job runs recorded after the client connected.
func handleSSE(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		// Only alert on rows newer than the current max ID.
		var lastSeenID uint
		var latest models.JobRun
		if err := db.Order("id DESC").Limit(1).First(&latest).Error; err == nil {
			lastSeenID = latest.ID
		}

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(ssePollInterval)
		heartbeat := time.NewTicker(sseHeartbeat)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				var runs []models.JobRun
				db.WithContext(ctx).Where("id > ?", lastSeenID).Order("id ASC").Find(&runs)
				if len(runs) == 0 {
					continue
				}
				for _, r := range runs {
					writeSSE(c.Writer, "job", jobEvent{
						ID:       r.ID,
						JobID:    r.JobID,
						User:     r.UserKey,
						Kind:     r.Kind,
						Status:   r.Status,
						Artifact: r.Artifact,
						Error:    r.Error,
					})
				}
				lastSeenID = runs[len(runs)-1].ID
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
