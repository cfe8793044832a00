package agent

import (
	"github.com/cloudwego/eino/schema"
)

// AgentState 定义了在 Graph 中流转的单轮对话状态。
//
// Messages 只追加、不重排：历史顺序是对话因果关系的唯一载体。
// 一轮结束后由调用方持久化新增消息并丢弃该状态，不同会话的轮次绝不共享同一实例。
type AgentState struct {
	// 历史对话消息（User / AI / Tool），含本轮新产生的消息
	Messages []*schema.Message `json:"messages"`

	// UserID 为本轮的操作主体，轮内不可变；所有工具调用都以它为作用域
	UserID string `json:"user_id"`
	// SessionID 为会话连续性键，仅用于选取要前置的历史，Graph 本身不解释它
	SessionID string `json:"session_id"`

	// 用户本轮的输入（由 InputNode 转为 UserMessage 追加进 Messages）
	UserQuery string `json:"user_query"`

	// 显式信号字段，用于 Graph 分支判断
	NextStepToolCalls []schema.ToolCall `json:"tool_calls"`   // 本轮 LLM 生成的工具调用
	LatestToolOutputs []*schema.Message `json:"tool_outputs"` // 本轮工具执行后的结果消息 (Role=Tool)

	// ModelCalls 计数本轮内模型被调用的次数，用于推理步数上限判断
	ModelCalls int `json:"model_calls"`
}
