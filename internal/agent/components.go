package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
)

// ArkConfig 为 Ark ChatModel 的接入配置。
type ArkConfig struct {
	APIKey  string `mapstructure:"api_key"`
	ModelID string `mapstructure:"model_id"`
	BaseURL string `mapstructure:"base_url"`
}

// Options 为编排循环的运行参数；零值字段由 WithDefaults 填默认。
type Options struct {
	// MaxModelCalls 限制单轮内模型最多被调用的次数；超出后强制终止并返回降级回复。
	MaxModelCalls int `mapstructure:"max_model_calls"`
	// MaxRetries 为模型调用失败后的最大重试次数（不含首次调用）。
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBackoff 为首次重试前的等待时间，之后逐次翻倍。
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// ToolTimeout 为单个工具执行的超时；超时作为工具错误文本反馈给模型，不中止本轮。
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
	// HistoryLimit 为从存储回放的历史消息上限。
	HistoryLimit int `mapstructure:"history_limit"`
}

func (o Options) WithDefaults() Options {
	if o.MaxModelCalls <= 0 {
		o.MaxModelCalls = 8
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 2
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = 30 * time.Second
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 100
	}
	return o
}

// DefaultOptions 返回填好默认值的运行参数。
func DefaultOptions() Options {
	return Options{}.WithDefaults()
}

// NewChatModel 初始化 Ark ChatModel
func NewChatModel(ctx context.Context, arkConfig ArkConfig) (*ark.ChatModel, error) {
	if arkConfig.APIKey == "" || arkConfig.ModelID == "" {
		return nil, fmt.Errorf("ARK_API_KEY, ARK_MODEL_ID must be set")
	}

	config := &ark.ChatModelConfig{
		APIKey:  arkConfig.APIKey,
		Model:   arkConfig.ModelID,
		BaseURL: arkConfig.BaseURL,
	}

	chatModel, err := ark.NewChatModel(ctx, config)
	if err != nil {
		return nil, err
	}

	return chatModel, nil
}
