package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// ToolRegistry 把工具名显式映射到可执行实现。
//
// 映射在构建期校验：重名、缺 InvokableRun 的工具直接构建失败；
// 而模型在运行期给出的未知工具名只是一次可恢复的工具失败（错误文本回填给模型）。
type ToolRegistry struct {
	names []string
	infos map[string]*schema.ToolInfo
	impls map[string]tool.InvokableTool
}

func NewToolRegistry(ctx context.Context, tools []tool.BaseTool) (*ToolRegistry, error) {
	reg := &ToolRegistry{
		infos: make(map[string]*schema.ToolInfo, len(tools)),
		impls: make(map[string]tool.InvokableTool, len(tools)),
	}
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("get tool info: %w", err)
		}
		if info == nil || info.Name == "" {
			return nil, errors.New("tool with empty name")
		}
		if _, dup := reg.impls[info.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name: %s", info.Name)
		}
		it, ok := t.(tool.InvokableTool)
		if !ok {
			return nil, fmt.Errorf("tool %s does not implement InvokableRun", info.Name)
		}
		reg.names = append(reg.names, info.Name)
		reg.infos[info.Name] = info
		reg.impls[info.Name] = it
	}
	return reg, nil
}

// Infos 按注册顺序返回工具声明，供绑定到 ChatModel。
func (r *ToolRegistry) Infos() []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.infos[name])
	}
	return out
}

// ExecuteToolCalls 按模型发出的顺序依次执行 state 中待处理的工具调用，
// 每个结果生成一条 Role=Tool 的消息并回填原 call_id；输出顺序与请求顺序一致。
//
// 工具失败（未知名字 / 执行出错 / 超时）转为错误文本消息，不中止本轮；
// 只有外层 ctx 被取消才放弃整轮，此时不返回任何半截结果。
func ExecuteToolCalls(ctx context.Context, reg *ToolRegistry, state AgentState, opts Options, logger *zap.Logger) ([]*schema.Message, error) {
	outputs := make([]*schema.Message, 0, len(state.NextStepToolCalls))

	for _, tc := range state.NextStepToolCalls {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		name := tc.Function.Name
		args := strings.TrimSpace(tc.Function.Arguments)
		// 个别模型会产出空参数或半截 JSON，统一补成空对象
		if args == "" || args == "null" || args == "{" {
			args = "{}"
		}

		var result string
		impl, ok := reg.impls[name]
		if !ok {
			logger.Warn("model requested unknown tool", zap.String("tool", name))
			result = fmt.Sprintf("Error: unknown tool %q", name)
		} else {
			callCtx, cancel := context.WithTimeout(ctx, opts.ToolTimeout)
			out, err := impl.InvokableRun(callCtx, args)
			cancel()
			switch {
			case err == nil:
				result = out
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(err, context.DeadlineExceeded):
				logger.Warn("tool call timed out", zap.String("tool", name))
				result = fmt.Sprintf("Error: tool %s temporarily unavailable (timed out)", name)
			default:
				logger.Error("tool call failed", zap.String("tool", name), zap.Error(err))
				result = fmt.Sprintf("Error: tool %s execution failed: %v", name, err)
			}
		}

		outputs = append(outputs, schema.ToolMessage(result, tc.ID, schema.WithToolName(name)))
	}

	return outputs, nil
}

// ConvertToolsOutputToState 将工具执行结果写回 AgentState
func ConvertToolsOutputToState(ctx context.Context, state AgentState, outputs []*schema.Message) (AgentState, error) {
	state.LatestToolOutputs = outputs
	state.Messages = append(state.Messages, outputs...)
	state.NextStepToolCalls = nil
	return state, nil
}
