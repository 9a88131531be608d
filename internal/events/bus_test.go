package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zulandar/secretary/internal/config"
	"github.com/zulandar/secretary/internal/db"
	"github.com/zulandar/secretary/internal/models"
)

func TestBusDeliversToSubscriber(t *testing.T) {
	bus := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []JobFinished
	done, err := bus.SubscribeJobFinished(ctx, func(_ context.Context, ev JobFinished) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishJobFinished(JobFinished{JobID: "a", Kind: "manual", Status: models.JobStatusSuccess}))
	require.NoError(t, bus.PublishJobFinished(JobFinished{JobID: "b", Kind: "pick", Status: models.JobStatusFailed}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "a", got[0].JobID)
	assert.Equal(t, "pick", got[1].Kind)
	mu.Unlock()

	require.NoError(t, bus.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop after Close")
	}
}

func TestBusHandlerErrorDoesNotRedeliver(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	calls := 0
	_, err := bus.SubscribeJobFinished(context.Background(), func(context.Context, JobFinished) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("nope")
	})
	require.NoError(t, err)
	require.NoError(t, bus.PublishJobFinished(JobFinished{JobID: "x"}))

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestPublishWithoutSubscriber(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	assert.NoError(t, bus.PublishJobFinished(JobFinished{JobID: "lonely"}))
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	return gdb
}

func TestAuditWritesJobRun(t *testing.T) {
	gdb := testDB(t)
	audit := NewAudit(gdb)
	started := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	err := audit.Handle(context.Background(), JobFinished{
		JobID:     "11111111-2222-3333-4444-555555555555",
		User:      "lineworks:u1",
		Kind:      "manual",
		Program:   "python",
		Args:      []string{"manual_invoice.py", "山田商店"},
		ExitCode:  0,
		Status:    models.JobStatusSuccess,
		Artifact:  "/out/20260401/a.pdf",
		StartedAt: started,
		Duration:  1500 * time.Millisecond,
	})
	require.NoError(t, err)

	runs, err := db.RecentJobRuns(gdb, db.JobRunFilter{UserKey: "lineworks:u1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "manual_invoice.py 山田商店", runs[0].Args)
	assert.Equal(t, int64(1500), runs[0].DurationMs)
	assert.Equal(t, "/out/20260401/a.pdf", runs[0].Artifact)

	// Job IDs are unique; a duplicate is reported, not swallowed.
	err = audit.Handle(context.Background(), JobFinished{JobID: "11111111-2222-3333-4444-555555555555", User: "u", Kind: "manual"})
	assert.Error(t, err)
}

func TestAuditThroughBus(t *testing.T) {
	gdb := testDB(t)
	bus := NewBus(nil)
	defer bus.Close()

	_, err := bus.SubscribeJobFinished(context.Background(), NewAudit(gdb).Handle)
	require.NoError(t, err)
	require.NoError(t, bus.PublishJobFinished(JobFinished{JobID: "via-bus", User: "slack:U1", Kind: "pick", Status: models.JobStatusTimeout}))

	require.Eventually(t, func() bool {
		runs, err := db.RecentJobRuns(gdb, db.JobRunFilter{FailedOnly: true})
		return err == nil && len(runs) == 1 && runs[0].JobID == "via-bus"
	}, time.Second, 10*time.Millisecond)
}
