package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/storage"
)

func openTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "behagent.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReschedulerRunOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	yesterday := time.Now().Add(-24 * time.Hour)
	tomorrow := time.Now().Add(24 * time.Hour)

	overdue := &storage.Task{UserID: "u1", Name: "overdue", DueDate: &yesterday}
	require.NoError(t, store.CreateTask(ctx, overdue))
	future := &storage.Task{UserID: "u1", Name: "future", DueDate: &tomorrow}
	require.NoError(t, store.CreateTask(ctx, future))
	done := &storage.Task{UserID: "u1", Name: "done", Status: storage.StatusCompleted, DueDate: &yesterday}
	require.NoError(t, store.CreateTask(ctx, done))

	r, err := NewRescheduler(store, zap.NewNop())
	require.NoError(t, err)
	r.cfg = r.cfg.withDefaults()
	require.NoError(t, r.runOnce(ctx))

	now := time.Now()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	got, err := store.GetTask(ctx, overdue.TaskID)
	require.NoError(t, err)
	require.NotNil(t, got.DueDate)
	assert.False(t, got.DueDate.Before(todayStart), "overdue task should move to today")

	gotFuture, err := store.GetTask(ctx, future.TaskID)
	require.NoError(t, err)
	assert.WithinDuration(t, tomorrow, *gotFuture.DueDate, time.Second)

	gotDone, err := store.GetTask(ctx, done.TaskID)
	require.NoError(t, err)
	assert.WithinDuration(t, yesterday, *gotDone.DueDate, time.Second)

	// 执行留痕
	execs, err := store.QueryProcessExecutions(ctx, processReschedule, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "success", execs[0].Status)
	assert.Contains(t, execs[0].ResultJSON, "rescheduled")
}

func TestRetentionSweeperRunOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertAuthToken(ctx, &storage.AuthToken{
		Token: "dead", UserID: "u1", ExpiresAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.InsertAuthToken(ctx, &storage.AuthToken{
		Token: "alive", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour),
	}))

	old := &storage.ToolCallRecord{
		TraceID: "t1", UserID: "u1", Action: "add_task", Status: "success",
		StartedAt: time.Now().Add(-60 * 24 * time.Hour),
		CreatedAt: time.Now().Add(-60 * 24 * time.Hour),
	}
	require.NoError(t, store.InsertToolCallRecord(ctx, old))

	c, err := NewRetentionSweeper(store, zap.NewNop())
	require.NoError(t, err)
	c.cfg = RetentionConfig{ToolCallKeep: 30 * 24 * time.Hour}.withDefaults()
	require.NoError(t, c.runOnce(ctx))

	tok, err := store.GetAuthToken(ctx, "alive")
	require.NoError(t, err)
	assert.NotNil(t, tok)

	recs, err := store.QueryToolCallRecords(ctx, storage.ToolCallQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestManagerStartStop(t *testing.T) {
	store := openTestStore(t)

	r, err := NewRescheduler(store, zap.NewNop())
	require.NoError(t, err)
	c, err := NewRetentionSweeper(store, zap.NewNop())
	require.NoError(t, err)

	m := NewManager(DefaultConfig()).WithRescheduler(r).WithRetention(c)
	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.Start(context.Background()), "double start must fail")

	m.Stop()
	assert.NoError(t, m.Wait())
}
