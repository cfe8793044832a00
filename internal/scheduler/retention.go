package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/storage"
)

// RetentionSweeper 周期清理过期登录令牌与超龄的工具调用审计记录。
type RetentionSweeper struct {
	cfg    RetentionConfig
	store  *storage.Storage
	logger *zap.Logger

	now func() time.Time
}

func NewRetentionSweeper(store *storage.Storage, logger *zap.Logger) (*RetentionSweeper, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionSweeper{store: store, logger: logger, now: time.Now}, nil
}

func (c *RetentionSweeper) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("retention sweeper not initialized")
	}
	c.cfg = c.cfg.withDefaults()

	if err := c.runOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.runOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

func (c *RetentionSweeper) runOnce(ctx context.Context) error {
	now := c.now()

	tokens, err := c.store.DeleteExpiredAuthTokens(ctx, now)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("purge expired tokens failed", zap.Error(err))
	} else if tokens > 0 {
		c.logger.Info("purged expired auth tokens", zap.Int64("count", tokens))
	}

	cutoff := now.Add(-c.cfg.ToolCallKeep)
	records, err := c.store.DeleteToolCallRecordsBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("purge tool call records failed", zap.Error(err))
	} else if records > 0 {
		c.logger.Info("purged old tool call records", zap.Int64("count", records))
	}

	return nil
}
