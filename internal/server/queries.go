package server

import (
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/secretary/internal/models"
)

// KindStatusCount holds job counts by status for a single job kind.
type KindStatusCount struct {
	Kind      string `json:"kind"`
	Success   int    `json:"success"`
	Failed    int    `json:"failed"`
	Timeout   int    `json:"timeout"`
	Discarded int    `json:"discarded"`
	Total     int    `json:"total"`
}

// JobSummary returns per-kind job counts grouped by status for runs started
// at or after since, ordered by kind.
func JobSummary(db *gorm.DB, since time.Time) ([]KindStatusCount, error) {
	type row struct {
		Kind   string
		Status string
		Count  int
	}
	var rows []row
	if err := db.Model(&models.JobRun{}).
		Select("kind, status, count(*) as count").
		Where("started_at >= ?", since).
		Group("kind, status").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	byKind := make(map[string]*KindStatusCount)
	for _, r := range rows {
		kc, ok := byKind[r.Kind]
		if !ok {
			kc = &KindStatusCount{Kind: r.Kind}
			byKind[r.Kind] = kc
		}
		kc.Total += r.Count
		switch r.Status {
		case models.JobStatusSuccess:
			kc.Success += r.Count
		case models.JobStatusFailed:
			kc.Failed += r.Count
		case models.JobStatusTimeout:
			kc.Timeout += r.Count
		case models.JobStatusDiscarded:
			kc.Discarded += r.Count
		}
	}

	result := make([]KindStatusCount, 0, len(byKind))
	for _, kc := range byKind {
		result = append(result, *kc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Kind < result[j].Kind })
	return result, nil
}
