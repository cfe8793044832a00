package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "behagent.db")
	s, err := Open(ctx, Config{
		Path:      dbPath,
		EnableWAL: true,
	})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestTask(userID, name string) *Task {
	return &Task{
		TaskID: uuid.New().String(),
		UserID: userID,
		Name:   name,
	}
}

func TestTaskRoundtrip(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	task := newTestTask("user-a", "Review PR")
	task.Priority = PriorityHigh
	task.SetTags([]string{"work", "review"})
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := s.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got == nil {
		t.Fatal("expected task, got nil")
	}
	if got.Status != StatusPending {
		t.Fatalf("expected default status pending, got %s", got.Status)
	}
	if got.Priority != PriorityHigh {
		t.Fatalf("expected priority high, got %s", got.Priority)
	}
	tags := got.Tags()
	if len(tags) != 2 || tags[0] != "work" || tags[1] != "review" {
		t.Fatalf("unexpected tags: %v", tags)
	}

	newStatus := StatusCompleted
	updated, err := s.UpdateTask(ctx, task.TaskID, TaskUpdate{Status: &newStatus})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated == nil || updated.Status != StatusCompleted {
		t.Fatalf("expected completed task, got %+v", updated)
	}
	if updated.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}

	ok, err := s.DeleteTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if !ok {
		t.Fatal("expected delete to affect one row")
	}
	gone, err := s.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get deleted task: %v", err)
	}
	if gone != nil {
		t.Fatal("expected nil after delete")
	}
}

func TestUpdateTaskMissing(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	name := "whatever"
	got, err := s.UpdateTask(ctx, uuid.New().String(), TaskUpdate{Name: &name})
	if err != nil {
		t.Fatalf("update missing task: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing task, got %+v", got)
	}
}

func TestListTasksFilterConjunction(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	mk := func(name, status, priority string, tags []string) *Task {
		task := newTestTask("user-a", name)
		task.Status = status
		task.Priority = priority
		task.SetTags(tags)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		return task
	}

	mk("t1", StatusPending, PriorityHigh, []string{"work"})
	mk("t2", StatusPending, PriorityHigh, []string{"home"})
	mk("t3", StatusPending, PriorityLow, []string{"work"})
	mk("t4", StatusCompleted, PriorityHigh, []string{"work"})

	// 其他用户的同构任务绝不能混入
	other := newTestTask("user-b", "t5")
	other.Status = StatusPending
	other.Priority = PriorityHigh
	other.SetTags([]string{"work"})
	if err := s.CreateTask(ctx, other); err != nil {
		t.Fatalf("create t5: %v", err)
	}

	got, err := s.ListTasks(ctx, "user-a", TaskQuery{
		Status:   StatusPending,
		Priority: PriorityHigh,
		Tags:     []string{"work", "errand"},
	})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(got) != 1 || got[0].Name != "t1" {
		t.Fatalf("expected exactly t1, got %d tasks", len(got))
	}

	// 无任何过滤条件时返回该用户全部任务
	all, err := s.ListTasks(ctx, "user-a", TaskQuery{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 tasks for user-a, got %d", len(all))
	}

	// 重复读取结果一致
	again, err := s.ListTasks(ctx, "user-a", TaskQuery{
		Status:   StatusPending,
		Priority: PriorityHigh,
		Tags:     []string{"work", "errand"},
	})
	if err != nil {
		t.Fatalf("list tasks again: %v", err)
	}
	if len(again) != 1 || again[0].TaskID != got[0].TaskID {
		t.Fatalf("expected identical re-read, got %d tasks", len(again))
	}
}

func TestRescheduleOverdueTasks(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	yesterday := now.Add(-24 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)

	overdue := newTestTask("user-a", "overdue")
	overdue.DueDate = &yesterday
	if err := s.CreateTask(ctx, overdue); err != nil {
		t.Fatalf("create overdue: %v", err)
	}

	done := newTestTask("user-a", "done")
	done.Status = StatusCompleted
	done.DueDate = &yesterday
	if err := s.CreateTask(ctx, done); err != nil {
		t.Fatalf("create done: %v", err)
	}

	future := newTestTask("user-a", "future")
	future.DueDate = &tomorrow
	if err := s.CreateTask(ctx, future); err != nil {
		t.Fatalf("create future: %v", err)
	}

	noDue := newTestTask("user-a", "no-due")
	if err := s.CreateTask(ctx, noDue); err != nil {
		t.Fatalf("create no-due: %v", err)
	}

	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	affected, err := s.RescheduleOverdueTasks(ctx, todayStart, todayStart)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 rescheduled task, got %d", affected)
	}

	got, err := s.GetTask(ctx, overdue.TaskID)
	if err != nil {
		t.Fatalf("get overdue: %v", err)
	}
	if got.DueDate == nil || !got.DueDate.Equal(todayStart) {
		t.Fatalf("expected due date moved to %v, got %v", todayStart, got.DueDate)
	}

	// 已完成任务不应被改期
	gotDone, err := s.GetTask(ctx, done.TaskID)
	if err != nil {
		t.Fatalf("get done: %v", err)
	}
	if gotDone.DueDate == nil || !gotDone.DueDate.Before(todayStart) {
		t.Fatalf("completed task due date changed unexpectedly: %v", gotDone.DueDate)
	}
}

func TestChatMessagesOrdering(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	sess := &ChatSession{SessionID: uuid.New().String(), UserID: "user-a", Title: "test"}
	if err := s.CreateChatSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	msgs := []ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", ToolCallsJSON: `[{"id":"c1"}]`},
		{Role: "tool", Content: "done", ToolCallID: "c1", ToolName: "add_task"},
		{Role: "assistant", Content: "created"},
	}
	if err := s.AppendChatMessages(ctx, sess.SessionID, msgs); err != nil {
		t.Fatalf("append messages: %v", err)
	}

	got, err := s.ListChatMessages(ctx, sess.SessionID, 100)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got))
	}
	wantRoles := []string{"user", "assistant", "tool", "assistant"}
	for i, role := range wantRoles {
		if got[i].Role != role {
			t.Fatalf("message %d: expected role %s, got %s", i, role, got[i].Role)
		}
	}
	if got[2].ToolCallID != "c1" {
		t.Fatalf("expected tool message call id c1, got %s", got[2].ToolCallID)
	}

	// limit 取最近 N 条且保持正序
	tail, err := s.ListChatMessages(ctx, sess.SessionID, 2)
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(tail) != 2 || tail[0].Role != "tool" || tail[1].Role != "assistant" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}

func TestAuthTokenExpiry(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	valid := &AuthToken{Token: uuid.New().String(), UserID: "user-a", ExpiresAt: time.Now().UTC().Add(time.Hour)}
	if err := s.InsertAuthToken(ctx, valid); err != nil {
		t.Fatalf("insert valid token: %v", err)
	}
	expired := &AuthToken{Token: uuid.New().String(), UserID: "user-a", ExpiresAt: time.Now().UTC().Add(-time.Hour)}
	if err := s.InsertAuthToken(ctx, expired); err != nil {
		t.Fatalf("insert expired token: %v", err)
	}

	got, err := s.GetAuthToken(ctx, valid.Token)
	if err != nil {
		t.Fatalf("get valid token: %v", err)
	}
	if got == nil || got.UserID != "user-a" {
		t.Fatalf("expected valid token, got %+v", got)
	}

	gone, err := s.GetAuthToken(ctx, expired.Token)
	if err != nil {
		t.Fatalf("get expired token: %v", err)
	}
	if gone != nil {
		t.Fatal("expected nil for expired token")
	}

	n, err := s.DeleteExpiredAuthTokens(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired token deleted, got %d", n)
	}
}

func TestPruneFinishedTasks(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-60 * 24 * time.Hour)

	staleDone := newTestTask("user-a", "stale-done")
	staleDone.Status = StatusCompleted
	staleDone.CreatedAt = old
	staleDone.UpdatedAt = old
	if err := s.CreateTask(ctx, staleDone); err != nil {
		t.Fatalf("create stale-done: %v", err)
	}

	staleCancelled := newTestTask("user-a", "stale-cancelled")
	staleCancelled.Status = StatusCancelled
	staleCancelled.CreatedAt = old
	staleCancelled.UpdatedAt = old
	if err := s.CreateTask(ctx, staleCancelled); err != nil {
		t.Fatalf("create stale-cancelled: %v", err)
	}

	stalePending := newTestTask("user-a", "stale-pending")
	stalePending.CreatedAt = old
	stalePending.UpdatedAt = old
	if err := s.CreateTask(ctx, stalePending); err != nil {
		t.Fatalf("create stale-pending: %v", err)
	}

	freshDone := newTestTask("user-a", "fresh-done")
	freshDone.Status = StatusCompleted
	if err := s.CreateTask(ctx, freshDone); err != nil {
		t.Fatalf("create fresh-done: %v", err)
	}

	otherUser := newTestTask("user-b", "other-stale-done")
	otherUser.Status = StatusCompleted
	otherUser.CreatedAt = old
	otherUser.UpdatedAt = old
	if err := s.CreateTask(ctx, otherUser); err != nil {
		t.Fatalf("create other-user task: %v", err)
	}

	before := now.Add(-30 * 24 * time.Hour)
	n, err := s.PruneFinishedTasks(ctx, "user-a", before)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned tasks, got %d", n)
	}

	for _, tc := range []struct {
		id   string
		want bool
	}{
		{staleDone.TaskID, false},
		{staleCancelled.TaskID, false},
		{stalePending.TaskID, true},
		{freshDone.TaskID, true},
		{otherUser.TaskID, true},
	} {
		got, err := s.GetTask(ctx, tc.id)
		if err != nil {
			t.Fatalf("get %s: %v", tc.id, err)
		}
		if (got != nil) != tc.want {
			t.Fatalf("task %s survive=%v, want %v", tc.id, got != nil, tc.want)
		}
	}
}

func TestCreateTaskGeneratesID(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	task := &Task{UserID: "user-a", Name: "no explicit id"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.TaskID == "" {
		t.Fatal("expected generated task id")
	}
	if _, err := uuid.Parse(task.TaskID); err != nil {
		t.Fatalf("generated task id is not a uuid: %v", err)
	}

	got, err := s.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got == nil || got.Name != "no explicit id" {
		t.Fatalf("expected task retrievable by generated id, got %+v", got)
	}
}

func TestListTasksTagFilterBeyondLimit(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	// 前面塞满无标签任务，带标签的任务排在窗口之外
	for i := 0; i < 5; i++ {
		task := newTestTask("user-a", "filler")
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("create filler: %v", err)
		}
	}
	tagged := newTestTask("user-a", "tagged")
	tagged.SetTags([]string{"work"})
	if err := s.CreateTask(ctx, tagged); err != nil {
		t.Fatalf("create tagged: %v", err)
	}

	got, err := s.ListTasks(ctx, "user-a", TaskQuery{Tags: []string{"work"}, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].TaskID != tagged.TaskID {
		t.Fatalf("expected the tagged task beyond the window, got %d rows", len(got))
	}
}
