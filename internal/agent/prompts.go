package agent

import (
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// SystemPromptTemplate 定义系统提示词模板
// 包含动态变量: {time}
const SystemPromptTemplate = `你是 Behflow 的任务管理智能助手。
你的目标是帮助用户创建、修改、查询和整理自己的待办任务。

当前系统时间: {time}

你需要遵循以下原则:
1. 删除任务前，必须向用户确认要删除的任务名称。
2. 工具返回 "not found" 或 "access denied" 时如实转述，绝不能声称操作成功。
3. 回答要简洁明了，任务列表过长时请做摘要。
4. 状态只能是 pending / in_progress / completed / cancelled，
   优先级只能是 low / medium / high / urgent；用户用别的说法时先映射到这些取值。
5. 用户使用什么语言提问，就用什么语言回答。

请根据用户的输入，选择合适的工具或直接回答。`

// NewChatTemplate 创建一个 ChatTemplate 实例
// 该模板把 AgentState 中的历史消息组装成 ChatModel 可接受的消息列表：
// System + History。本轮用户输入由 InputNode 先追加进 history，这里不再单列。
func NewChatTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(SystemPromptTemplate),
		schema.MessagesPlaceholder("history", true),
	)
}
