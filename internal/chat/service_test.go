package chat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/agent"
	"github.com/behflow/BehflowAgent/internal/storage"
)

type scriptedModel struct {
	turns []*schema.Message
	calls int
}

func (m *scriptedModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if m.calls >= len(m.turns) {
		return schema.AssistantMessage("done", nil), nil
	}
	msg := m.turns[m.calls]
	m.calls++
	return msg, nil
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *scriptedModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func newTestService(t *testing.T, turns []*schema.Message) (*Service, *storage.Storage) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, storage.Config{
		Path: filepath.Join(t.TempDir(), "behagent.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry, err := agent.NewToolRegistry(ctx, agent.GetTools(store))
	require.NoError(t, err)

	opts := agent.Options{RetryBackoff: time.Millisecond}
	var runnable compose.Runnable[agent.AgentState, agent.AgentState]
	runnable, err = agent.BuildGraphWithModel(ctx, &scriptedModel{turns: turns}, registry, opts, zap.NewNop())
	require.NoError(t, err)

	return NewServiceWithRunnable(runnable, opts, store, zap.NewNop()), store
}

func TestHandleChatCreatesSessionAndPersists(t *testing.T) {
	svc, store := newTestService(t, []*schema.Message{
		{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{{
				ID:       "c1",
				Type:     "function",
				Function: schema.FunctionCall{Name: "add_task", Arguments: `{"name":"write report"}`},
			}},
		},
		schema.AssistantMessage("任务已创建。", nil),
	})

	ctx := context.Background()
	res, err := svc.HandleChat(ctx, "user-a", "", "帮我建一个写报告的任务")
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	assert.Equal(t, "任务已创建。", res.Reply)

	// 本轮完整消息序列：user, assistant(tool calls), tool, assistant
	require.Len(t, res.NewMessages, 4)

	rows, err := store.ListChatMessages(ctx, res.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "user", rows[0].Role)
	assert.Equal(t, "assistant", rows[1].Role)
	assert.NotEmpty(t, rows[1].ToolCallsJSON)
	assert.Equal(t, "tool", rows[2].Role)
	assert.Equal(t, "c1", rows[2].ToolCallID)
	assert.Equal(t, "add_task", rows[2].ToolName)
	assert.Equal(t, "assistant", rows[3].Role)

	// 会话标题取自首条用户输入
	sess, err := store.GetChatSession(ctx, res.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "帮我建一个写报告的任务", sess.Title)

	// 工具副作用真实发生
	tasks, err := store.ListTasks(ctx, "user-a", storage.TaskQuery{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "write report", tasks[0].Name)
}

func TestHandleChatReplaysHistory(t *testing.T) {
	svc, store := newTestService(t, []*schema.Message{
		schema.AssistantMessage("第一轮回复", nil),
		schema.AssistantMessage("第二轮回复", nil),
	})

	ctx := context.Background()
	first, err := svc.HandleChat(ctx, "user-a", "", "第一句")
	require.NoError(t, err)

	second, err := svc.HandleChat(ctx, "user-a", first.SessionID, "第二句")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, "第二轮回复", second.Reply)

	// 第二轮只持久化本轮新增，不重复第一轮
	rows, err := store.ListChatMessages(ctx, first.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "第一句", rows[0].Content)
	assert.Equal(t, "第一轮回复", rows[1].Content)
	assert.Equal(t, "第二句", rows[2].Content)
	assert.Equal(t, "第二轮回复", rows[3].Content)
}

func TestHandleChatRejectsForeignSession(t *testing.T) {
	svc, _ := newTestService(t, []*schema.Message{
		schema.AssistantMessage("ok", nil),
	})

	ctx := context.Background()
	res, err := svc.HandleChat(ctx, "user-a", "", "hello")
	require.NoError(t, err)

	_, err = svc.HandleChat(ctx, "user-b", res.SessionID, "steal")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.SessionMessages(ctx, "user-b", res.SessionID, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
