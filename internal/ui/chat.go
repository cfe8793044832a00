package ui

import (
	"context"

	"github.com/behflow/BehflowAgent/internal/chat"
)

// ChatBackend 是 UI 层对对话服务的最小依赖面。
type ChatBackend interface {
	HandleChat(ctx context.Context, userID, sessionID, text string) (*chat.Result, error)
}

type ChatUI interface {
	Run(ctx context.Context, backend ChatBackend, userID string) error
}
