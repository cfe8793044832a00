// Package scheduler 承载后台周期流程：过期任务自动改期与数据清理。
// 每次执行都会在 process_executions 表留痕，便于排查漏跑与失败。
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/storage"
)

const processReschedule = "reschedule_overdue_tasks"

// Rescheduler 把截止时间已过、仍未完成的任务推到当天 23:59:59。
type Rescheduler struct {
	cfg    ReschedulerConfig
	store  *storage.Storage
	logger *zap.Logger

	// now 可注入，测试时固定时钟
	now func() time.Time
}

func NewRescheduler(store *storage.Storage, logger *zap.Logger) (*Rescheduler, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rescheduler{store: store, logger: logger, now: time.Now}, nil
}

func (r *Rescheduler) Run(ctx context.Context) error {
	if r == nil || r.store == nil {
		return errors.New("rescheduler not initialized")
	}
	r.cfg = r.cfg.withDefaults()

	if err := r.runOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.runOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

func (r *Rescheduler) runOnce(ctx context.Context) error {
	now := r.now()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	endOfDay := todayStart.Add(24*time.Hour - time.Second)

	rec := &storage.ProcessExecution{
		ProcessName: processReschedule,
		Status:      "running",
		StartedAt:   now,
	}
	if err := r.store.InsertProcessExecution(ctx, rec); err != nil {
		return fmt.Errorf("insert process execution: %w", err)
	}

	moved, runErr := r.store.RescheduleOverdueTasks(ctx, todayStart, endOfDay)

	finished := r.now()
	up := storage.ProcessExecutionUpdate{FinishedAt: &finished}
	if runErr != nil {
		status, msg := "failed", runErr.Error()
		up.Status, up.ErrorMessage = &status, &msg
	} else {
		status := "success"
		result, _ := json.Marshal(map[string]int64{"rescheduled": moved})
		resultJSON := string(result)
		up.Status, up.ResultJSON = &status, &resultJSON
	}
	if err := r.store.UpdateProcessExecution(ctx, rec.ID, up); err != nil {
		r.logger.Warn("update process execution failed", zap.Error(err))
	}

	if runErr != nil {
		// 单轮失败只记录，不终止整个循环
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Error("reschedule overdue tasks failed", zap.Error(runErr))
		return nil
	}

	if moved > 0 {
		r.logger.Info("rescheduled overdue tasks",
			zap.Int64("count", moved),
			zap.Time("new_due", endOfDay))
	}
	return nil
}
