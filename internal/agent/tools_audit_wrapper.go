package agent

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/storage"
)

const auditTruncateLimit = 2048

// AuditedTool 是一个工具包装器，用于在工具执行前后落一条审计记录
type AuditedTool struct {
	impl   tool.InvokableTool
	store  *storage.Storage
	logger *zap.Logger
}

// WrapWithAudit 将普通工具包装为带审计功能的工具；store 为空时原样返回。
func WrapWithAudit(t tool.BaseTool, store *storage.Storage, logger *zap.Logger) tool.BaseTool {
	if store == nil {
		return t
	}
	if it, ok := t.(tool.InvokableTool); ok {
		return &AuditedTool{impl: it, store: store, logger: logger}
	}
	// 未实现 InvokableRun 的工具不包装（按约定都应该实现）
	return t
}

// WrapAllWithAudit 批量包装工具列表。
func WrapAllWithAudit(tools []tool.BaseTool, store *storage.Storage, logger *zap.Logger) []tool.BaseTool {
	out := make([]tool.BaseTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, WrapWithAudit(t, store, logger))
	}
	return out
}

func (t *AuditedTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return t.impl.Info(ctx)
}

func (t *AuditedTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	info, err := t.impl.Info(ctx)
	action := "unknown"
	if err == nil && info != nil {
		action = info.Name
	}

	now := time.Now().UTC()
	record := &storage.ToolCallRecord{
		TraceID:    GetTraceID(ctx),
		UserID:     GetUserID(ctx),
		Action:     action,
		ParamsJSON: truncate(argumentsInJSON, auditTruncateLimit),
		Status:     "running",
		StartedAt:  now,
	}

	// 审计失败只记日志，不阻断工具执行
	if err := t.store.InsertToolCallRecord(ctx, record); err != nil {
		t.logger.Warn("insert tool call record failed", zap.Error(err))
	}

	result, runErr := t.impl.InvokableRun(ctx, argumentsInJSON, opts...)

	finishedAt := time.Now().UTC()
	status := "success"
	update := storage.ToolCallUpdate{FinishedAt: &finishedAt}
	if runErr != nil {
		status = "failed"
		msg := truncate(runErr.Error(), auditTruncateLimit)
		update.ErrorMessage = &msg
	} else {
		res := truncate(result, auditTruncateLimit)
		update.ResultJSON = &res
	}
	update.Status = &status

	if record.ID != 0 {
		if err := t.store.UpdateToolCallRecord(ctx, record.ID, update); err != nil {
			t.logger.Warn("update tool call record failed", zap.Error(err))
		}
	}

	return result, runErr
}

// truncate 在 limit 字节内截断，回退到最近的 UTF-8 字符边界，
// 避免把中文结果劈成半个字符。
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
