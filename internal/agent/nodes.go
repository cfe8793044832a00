package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// 降级回复：模型连续失败或推理步数到达上限时，用户只会看到这两条之一，
// 中间的工具错误只会进入模型上下文。
const (
	DegradedErrorReply     = "抱歉，我这边暂时出了点问题，请稍后再试。"
	DegradedStepLimitReply = "抱歉，这个请求涉及的步骤太多，我没能在限定步数内完成，请拆分后再试。"
)

// ChatModelNode 是 Graph 中的核心节点，负责：
// 1. 检查本轮推理步数是否到达上限
// 2. 使用 ChatTemplate 组装 System + History 消息
// 3. 调用 ChatModel（带有限次退避重试）
// 4. 更新 AgentState (追加 AI Message, 填充 NextStepToolCalls)
//
// 瞬时失败在这里消化：重试耗尽后产出降级回复并终止本轮，绝不让 Graph 崩溃；
// 失败发生在工具调用已知之前，所以重试不会产生重复的工具副作用。
func ChatModelNode(ctx context.Context, state AgentState, cm model.ToolCallingChatModel, opts Options, template prompt.ChatTemplate, logger *zap.Logger) (AgentState, error) {
	if state.ModelCalls >= opts.MaxModelCalls {
		logger.Warn("model call limit reached, degrading",
			zap.Int("model_calls", state.ModelCalls),
			zap.String("session_id", state.SessionID))
		state.Messages = append(state.Messages, schema.AssistantMessage(DegradedStepLimitReply, nil))
		state.NextStepToolCalls = nil
		state.LatestToolOutputs = nil
		return state, nil
	}

	inputVars := map[string]any{
		"time":    time.Now().Format(time.RFC3339),
		"history": state.Messages,
	}

	messages, err := template.Format(ctx, inputVars)
	if err != nil {
		return state, fmt.Errorf("format chat template failed: %w", err)
	}

	aiMsg, err := generateWithRetry(ctx, cm, messages, opts, logger)
	state.ModelCalls++
	if err != nil {
		// 取消不降级：放弃本轮，调用方不会持久化任何半截结果
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		logger.Error("chat model generate failed, degrading", zap.Error(err))
		state.Messages = append(state.Messages, schema.AssistantMessage(DegradedErrorReply, nil))
		state.NextStepToolCalls = nil
		state.LatestToolOutputs = nil
		return state, nil
	}

	state.Messages = append(state.Messages, aiMsg)
	state.NextStepToolCalls = aiMsg.ToolCalls
	state.LatestToolOutputs = nil

	return state, nil
}

func generateWithRetry(ctx context.Context, cm model.ToolCallingChatModel, messages []*schema.Message, opts Options, logger *zap.Logger) (*schema.Message, error) {
	backoff := opts.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("retrying chat model call",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}

		msg, err := cm.Generate(ctx, messages)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("chat model generate failed after %d retries: %w", opts.MaxRetries, lastErr)
}

// InputNode 处理用户输入，构建初始状态
func InputNode(ctx context.Context, state AgentState) (AgentState, error) {
	if state.Messages == nil {
		state.Messages = make([]*schema.Message, 0)
	}

	// 将 UserQuery 转换为 UserMessage 并追加。
	// 调用方可能已经把 UserQuery 放入了 Messages，这里做个检查避免重复。
	if state.UserQuery != "" {
		isLastUser := false
		if len(state.Messages) > 0 {
			lastMsg := state.Messages[len(state.Messages)-1]
			if lastMsg.Role == schema.User && lastMsg.Content == state.UserQuery {
				isLastUser = true
			}
		}

		if !isLastUser {
			userMsg := schema.UserMessage(state.UserQuery)
			state.Messages = append(state.Messages, userMsg)
		}
	}

	// 清理上一轮的临时状态
	state.NextStepToolCalls = nil
	state.LatestToolOutputs = nil
	state.ModelCalls = 0

	return state, nil
}
