package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/storage"
)

const (
	NodeInput     = "input_node"
	NodeChatModel = "chat_model_node"
	NodeTools     = "tools_node"
)

// BuildGraph 构建 Agent 的处理流程图。
// store 提供任务仓储（工具执行与审计都依赖它），注入进来而不是从全局取，
// 保证并发轮次之间不共享任何可变状态。
func BuildGraph(ctx context.Context, arkConfig ArkConfig, opts Options, store *storage.Storage, logger *zap.Logger) (compose.Runnable[AgentState, AgentState], error) {
	cm, err := NewChatModel(ctx, arkConfig)
	if err != nil {
		return nil, fmt.Errorf("init chat model failed: %w", err)
	}

	tools := WrapAllWithAudit(GetTools(store), store, logger)
	registry, err := NewToolRegistry(ctx, tools)
	if err != nil {
		return nil, fmt.Errorf("build tool registry failed: %w", err)
	}

	// 将工具声明绑定到 chatModel
	tcm, err := cm.WithTools(registry.Infos())
	if err != nil {
		return nil, fmt.Errorf("bind tools to chat model failed: %w", err)
	}

	return BuildGraphWithModel(ctx, tcm, registry, opts, logger)
}

// BuildGraphWithModel 用给定的 ChatModel 与工具注册表组装 Graph。
// 拆出来便于测试时注入脚本化模型。
func BuildGraphWithModel(ctx context.Context, cm model.ToolCallingChatModel, registry *ToolRegistry, opts Options, logger *zap.Logger) (compose.Runnable[AgentState, AgentState], error) {
	opts = opts.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	template := NewChatTemplate()

	// 初始化 Graph，输入输出都是 AgentState
	g := compose.NewGraph[AgentState, AgentState]()

	// InputNode: 追加用户输入、清理上一轮信号
	g.AddLambdaNode(NodeInput, compose.InvokableLambda(InputNode))

	// ChatModelNode: 核心 LLM 推理节点，带重试与步数上限
	g.AddLambdaNode(NodeChatModel, compose.InvokableLambda(func(ctx context.Context, state AgentState) (AgentState, error) {
		return ChatModelNode(ctx, state, cm, opts, template, logger)
	}))

	// ToolsNode: 按请求顺序执行工具调用，结果按序回填
	g.AddLambdaNode(NodeTools, compose.InvokableLambda(func(ctx context.Context, state AgentState) (AgentState, error) {
		outputs, err := ExecuteToolCalls(ctx, registry, state, opts, logger)
		if err != nil {
			return state, err
		}
		return ConvertToolsOutputToState(ctx, state, outputs)
	}))

	// Start -> Input
	if err := g.AddEdge(compose.START, NodeInput); err != nil {
		return nil, err
	}

	// Input -> ChatModel
	if err := g.AddEdge(NodeInput, NodeChatModel); err != nil {
		return nil, err
	}

	// ChatModel -> Tools OR End
	// 如果 LLM 返回了 ToolCalls，则去 ToolsNode，否则本轮结束
	err := g.AddBranch(NodeChatModel, compose.NewGraphBranch(func(ctx context.Context, state AgentState) (string, error) {
		if len(state.NextStepToolCalls) > 0 {
			return NodeTools, nil
		}
		return compose.END, nil
	}, map[string]bool{
		NodeTools:   true,
		compose.END: true,
	}))
	if err != nil {
		return nil, err
	}

	// Tools -> ChatModel (Loop back)
	// 工具执行完后，将结果返回给 LLM 继续思考
	if err := g.AddEdge(NodeTools, NodeChatModel); err != nil {
		return nil, err
	}

	// 环形图需要显式步数上限：input 1 步，之后每次模型调用至多伴随一次工具节点
	runnable, err := g.Compile(ctx, compose.WithMaxRunSteps(opts.MaxModelCalls*2+2))
	if err != nil {
		return nil, err
	}

	return runnable, nil
}
