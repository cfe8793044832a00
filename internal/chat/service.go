// Package chat 将编排 Graph 与会话持久化粘合成一个可复用的对话服务：
// CLI、HTTP API 和 TUI 都通过它发起对话。
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/agent"
	"github.com/behflow/BehflowAgent/internal/storage"
)

// ErrSessionNotFound 表示会话不存在，或不属于当前用户。
// 两种情况对外不做区分，避免泄露他人会话的存在性。
var ErrSessionNotFound = errors.New("chat session not found")

const sessionTitleLimit = 60

// Service 对外提供同步的对话入口。
type Service struct {
	store    *storage.Storage
	runnable compose.Runnable[agent.AgentState, agent.AgentState]
	opts     agent.Options
	logger   *zap.Logger
}

// NewService 构建真实模型驱动的对话服务。
func NewService(ctx context.Context, arkCfg agent.ArkConfig, opts agent.Options, store *storage.Storage, logger *zap.Logger) (*Service, error) {
	runnable, err := agent.BuildGraph(ctx, arkCfg, opts, store, logger)
	if err != nil {
		return nil, fmt.Errorf("build agent graph: %w", err)
	}
	return NewServiceWithRunnable(runnable, opts, store, logger), nil
}

// NewServiceWithRunnable 以现成的 Runnable 构建服务，测试时可以注入脚本模型。
func NewServiceWithRunnable(runnable compose.Runnable[agent.AgentState, agent.AgentState], opts agent.Options, store *storage.Storage, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		runnable: runnable,
		opts:     opts.WithDefaults(),
		logger:   logger,
	}
}

// Result 是一轮对话的结果。
type Result struct {
	SessionID string
	// Reply 为本轮最终的 assistant 回复正文。
	Reply string
	// NewMessages 为本轮新产生并已持久化的消息（含用户输入、中间工具消息）。
	NewMessages []*schema.Message
}

// HandleChat 执行一轮完整对话：加载历史 → 跑 Graph → 持久化新增消息。
//
// sessionID 为空时自动创建新会话。持久化只在 Graph 成功返回后发生，
// 取消或失败的轮次不会在会话里留下半截消息。
func (s *Service) HandleChat(ctx context.Context, userID, sessionID, text string) (*Result, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if text == "" {
		return nil, errors.New("message text is required")
	}

	sess, err := s.ensureSession(ctx, userID, sessionID, text)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.ListChatMessages(ctx, sess.SessionID, s.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	history, err := toSchemaMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}

	traceID := uuid.NewString()
	runCtx := agent.WithUserID(ctx, userID)
	runCtx = agent.WithTraceID(runCtx, traceID)

	state := agent.AgentState{
		Messages:  history,
		UserID:    userID,
		SessionID: sess.SessionID,
		UserQuery: text,
	}

	s.logger.Info("chat turn start",
		zap.String("session_id", sess.SessionID),
		zap.String("trace_id", traceID),
		zap.Int("history", len(history)))

	final, err := s.runnable.Invoke(runCtx, state)
	if err != nil {
		return nil, fmt.Errorf("run agent graph: %w", err)
	}

	newMsgs := final.Messages[len(history):]
	if len(newMsgs) > 0 {
		rows, err := toStorageMessages(sess.SessionID, newMsgs)
		if err != nil {
			return nil, fmt.Errorf("encode chat messages: %w", err)
		}
		if err := s.store.AppendChatMessages(ctx, sess.SessionID, rows); err != nil {
			return nil, fmt.Errorf("persist chat messages: %w", err)
		}
	}

	reply := lastAssistantContent(newMsgs)
	s.logger.Info("chat turn done",
		zap.String("session_id", sess.SessionID),
		zap.String("trace_id", traceID),
		zap.Int("new_messages", len(newMsgs)),
		zap.Int("model_calls", final.ModelCalls))

	return &Result{
		SessionID:   sess.SessionID,
		Reply:       reply,
		NewMessages: newMsgs,
	}, nil
}

// ListSessions 返回用户最近的会话。
func (s *Service) ListSessions(ctx context.Context, userID string, limit int) ([]storage.ChatSession, error) {
	return s.store.ListChatSessions(ctx, userID, limit)
}

// SessionMessages 返回指定会话的历史消息，按插入顺序排列。
func (s *Service) SessionMessages(ctx context.Context, userID, sessionID string, limit int) ([]storage.ChatMessage, error) {
	sess, err := s.store.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return s.store.ListChatMessages(ctx, sessionID, limit)
}

func (s *Service) ensureSession(ctx context.Context, userID, sessionID, firstText string) (*storage.ChatSession, error) {
	if sessionID != "" {
		sess, err := s.store.GetChatSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("get chat session: %w", err)
		}
		if sess == nil || sess.UserID != userID {
			return nil, ErrSessionNotFound
		}
		return sess, nil
	}

	sess := &storage.ChatSession{
		SessionID: uuid.NewString(),
		UserID:    userID,
		Title:     truncateTitle(firstText),
	}
	if err := s.store.CreateChatSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create chat session: %w", err)
	}
	return sess, nil
}

func truncateTitle(s string) string {
	if utf8.RuneCountInString(s) <= sessionTitleLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:sessionTitleLimit]) + "…"
}

func lastAssistantContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == schema.Assistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}

// toSchemaMessages 将持久化行还原为模型侧消息，保持插入顺序。
func toSchemaMessages(rows []storage.ChatMessage) ([]*schema.Message, error) {
	out := make([]*schema.Message, 0, len(rows))
	for _, row := range rows {
		msg := &schema.Message{
			Role:    schema.RoleType(row.Role),
			Content: row.Content,
		}
		if row.ToolCallsJSON != "" {
			var calls []schema.ToolCall
			if err := json.Unmarshal([]byte(row.ToolCallsJSON), &calls); err != nil {
				return nil, fmt.Errorf("message %d tool calls: %w", row.ID, err)
			}
			msg.ToolCalls = calls
		}
		if row.ToolCallID != "" {
			msg.ToolCallID = row.ToolCallID
		}
		if row.ToolName != "" {
			msg.ToolName = row.ToolName
		}
		out = append(out, msg)
	}
	return out, nil
}

func toStorageMessages(sessionID string, msgs []*schema.Message) ([]storage.ChatMessage, error) {
	out := make([]storage.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		row := storage.ChatMessage{
			SessionID:  sessionID,
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			ToolName:   msg.ToolName,
		}
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return nil, fmt.Errorf("marshal tool calls: %w", err)
			}
			row.ToolCallsJSON = string(data)
		}
		out = append(out, row)
	}
	return out, nil
}
