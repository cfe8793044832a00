package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/storage"
)

// scriptedModel 按脚本依次产出模型回合，耗尽后返回固定文本。
// 用它可以在没有任何网络依赖的情况下验证编排循环。
type scriptedModel struct {
	mu    sync.Mutex
	turns []scriptedTurn
	calls int
}

type scriptedTurn struct {
	msg *schema.Message
	err error
}

func (m *scriptedModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	m.calls++
	if idx >= len(m.turns) {
		return schema.AssistantMessage("done", nil), nil
	}
	turn := m.turns[idx]
	if turn.err != nil {
		return nil, turn.err
	}
	return turn.msg, nil
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

func (m *scriptedModel) generateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func toolCall(id, name, args string) schema.ToolCall {
	return schema.ToolCall{
		ID:       id,
		Type:     "function",
		Function: schema.FunctionCall{Name: name, Arguments: args},
	}
}

func openAgentTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "behagent.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func buildTestGraph(t *testing.T, store *storage.Storage, sm *scriptedModel, opts Options) compose.Runnable[AgentState, AgentState] {
	t.Helper()
	ctx := context.Background()
	registry, err := NewToolRegistry(ctx, GetTools(store))
	require.NoError(t, err)
	runnable, err := BuildGraphWithModel(ctx, sm, registry, opts, zap.NewNop())
	require.NoError(t, err)
	return runnable
}

func TestGraphTerminalWithoutToolCalls(t *testing.T) {
	store := openAgentTestStore(t)
	sm := &scriptedModel{turns: []scriptedTurn{
		{msg: schema.AssistantMessage("你好，有什么可以帮你？", nil)},
	}}
	runnable := buildTestGraph(t, store, sm, Options{RetryBackoff: time.Millisecond})

	ctx := WithUserID(context.Background(), "user-a")
	final, err := runnable.Invoke(ctx, AgentState{UserID: "user-a", UserQuery: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 1, sm.generateCalls())
	require.Len(t, final.Messages, 2)
	assert.Equal(t, schema.User, final.Messages[0].Role)
	assert.Equal(t, schema.Assistant, final.Messages[1].Role)
	assert.Equal(t, "你好，有什么可以帮你？", final.Messages[1].Content)
	assert.Empty(t, final.NextStepToolCalls)
}

func TestGraphToolLoopOrdering(t *testing.T) {
	store := openAgentTestStore(t)
	sm := &scriptedModel{turns: []scriptedTurn{
		{msg: schema.AssistantMessage("", []schema.ToolCall{
			toolCall("c1", "add_task", `{"name":"Review PR","priority":"high"}`),
			toolCall("c2", "list_tasks", `{}`),
		})},
		{msg: schema.AssistantMessage("已创建任务 Review PR。", nil)},
	}}
	runnable := buildTestGraph(t, store, sm, Options{RetryBackoff: time.Millisecond})

	ctx := WithUserID(context.Background(), "user-a")
	final, err := runnable.Invoke(ctx, AgentState{UserID: "user-a", UserQuery: "create a task called Review PR with high priority"})
	require.NoError(t, err)

	// User -> AI(tool calls) -> Tool(c1) -> Tool(c2) -> AI(final)
	require.Len(t, final.Messages, 5)
	assert.Equal(t, schema.User, final.Messages[0].Role)
	assert.Equal(t, schema.Assistant, final.Messages[1].Role)
	assert.Equal(t, schema.Tool, final.Messages[2].Role)
	assert.Equal(t, schema.Tool, final.Messages[3].Role)
	assert.Equal(t, schema.Assistant, final.Messages[4].Role)

	// 工具结果顺序与请求顺序一致，且回填原 call_id
	assert.Equal(t, "c1", final.Messages[2].ToolCallID)
	assert.Equal(t, "c2", final.Messages[3].ToolCallID)
	assert.Contains(t, final.Messages[2].Content, "Task created successfully with ID:")
	assert.Contains(t, final.Messages[3].Content, "Review PR")

	// 两次模型调用、一轮工具执行
	assert.Equal(t, 2, sm.generateCalls())
	assert.Equal(t, 2, final.ModelCalls)

	// 副作用真实落库
	tasks, err := store.ListTasks(ctx, "user-a", storage.TaskQuery{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Review PR", tasks[0].Name)
	assert.Equal(t, storage.PriorityHigh, tasks[0].Priority)
	assert.Equal(t, storage.StatusPending, tasks[0].Status)
}

func TestGraphUnknownToolIsRecoverable(t *testing.T) {
	store := openAgentTestStore(t)
	sm := &scriptedModel{turns: []scriptedTurn{
		{msg: schema.AssistantMessage("", []schema.ToolCall{
			toolCall("c1", "bogus_tool", `{}`),
		})},
		{msg: schema.AssistantMessage("我没有这个能力。", nil)},
	}}
	runnable := buildTestGraph(t, store, sm, Options{RetryBackoff: time.Millisecond})

	ctx := WithUserID(context.Background(), "user-a")
	final, err := runnable.Invoke(ctx, AgentState{UserID: "user-a", UserQuery: "do something impossible"})
	require.NoError(t, err)

	require.Len(t, final.Messages, 4)
	assert.Equal(t, schema.Tool, final.Messages[2].Role)
	assert.Equal(t, "c1", final.Messages[2].ToolCallID)
	assert.Contains(t, final.Messages[2].Content, "unknown tool")
	assert.Equal(t, "我没有这个能力。", final.Messages[3].Content)
}

func TestGraphRetriesTransientFailure(t *testing.T) {
	store := openAgentTestStore(t)
	sm := &scriptedModel{turns: []scriptedTurn{
		{err: errors.New("upstream 503")},
		{msg: schema.AssistantMessage("恢复了。", nil)},
	}}
	runnable := buildTestGraph(t, store, sm, Options{MaxRetries: 2, RetryBackoff: time.Millisecond})

	ctx := WithUserID(context.Background(), "user-a")
	final, err := runnable.Invoke(ctx, AgentState{UserID: "user-a", UserQuery: "hi"})
	require.NoError(t, err)

	// 第一次失败、重试成功；失败发生在工具调用已知之前，不会产生任何副作用
	assert.Equal(t, 2, sm.generateCalls())
	assert.Equal(t, "恢复了。", final.Messages[len(final.Messages)-1].Content)

	tasks, err := store.ListTasks(ctx, "user-a", storage.TaskQuery{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestGraphDegradesWhenRetriesExhausted(t *testing.T) {
	store := openAgentTestStore(t)
	sm := &scriptedModel{turns: []scriptedTurn{
		{err: errors.New("upstream 503")},
		{err: errors.New("upstream 503")},
		{err: errors.New("upstream 503")},
	}}
	runnable := buildTestGraph(t, store, sm, Options{MaxRetries: 2, RetryBackoff: time.Millisecond})

	ctx := WithUserID(context.Background(), "user-a")
	final, err := runnable.Invoke(ctx, AgentState{UserID: "user-a", UserQuery: "hi"})
	require.NoError(t, err)

	last := final.Messages[len(final.Messages)-1]
	assert.Equal(t, schema.Assistant, last.Role)
	assert.Equal(t, DegradedErrorReply, last.Content)
	assert.Equal(t, 3, sm.generateCalls())
}

func TestGraphModelCallCap(t *testing.T) {
	store := openAgentTestStore(t)
	// 模型永远要求再调一次工具，只有步数上限能终止循环
	looping := &scriptedModel{}
	looping.turns = []scriptedTurn{}
	for i := 0; i < 10; i++ {
		looping.turns = append(looping.turns, scriptedTurn{
			msg: schema.AssistantMessage("", []schema.ToolCall{
				toolCall("c", "list_tasks", `{}`),
			}),
		})
	}
	runnable := buildTestGraph(t, store, looping, Options{MaxModelCalls: 3, RetryBackoff: time.Millisecond})

	ctx := WithUserID(context.Background(), "user-a")
	final, err := runnable.Invoke(ctx, AgentState{UserID: "user-a", UserQuery: "loop forever"})
	require.NoError(t, err)

	assert.Equal(t, 3, looping.generateCalls())
	last := final.Messages[len(final.Messages)-1]
	assert.Equal(t, DegradedStepLimitReply, last.Content)
	assert.Empty(t, final.NextStepToolCalls)
}
