package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/behflow/BehflowAgent/internal/agent"
	"github.com/behflow/BehflowAgent/internal/scheduler"
	"github.com/behflow/BehflowAgent/internal/server"
	"github.com/behflow/BehflowAgent/internal/storage"
)

type AuthConfig struct {
	// TokenTTL 为登录令牌有效期。
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type Config struct {
	Storage   storage.Config   `mapstructure:"storage"`
	Ark       agent.ArkConfig  `mapstructure:"ark"`
	Agent     agent.Options    `mapstructure:"agent"`
	Server    server.Config    `mapstructure:"server"`
	Scheduler scheduler.Config `mapstructure:"scheduler"`
	Auth      AuthConfig       `mapstructure:"auth"`
	LogLevel  string           `mapstructure:"log_level"`
}

func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// 默认搜索路径
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.behagent")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("BEHAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Viper 的 Unmarshal 只认它“知道”的 key（来自文件、Defaults 或显式 Bind），
	// 所以默认值必须先注册，仅存在于环境变量中的 key 才能被取到。
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件未找到，使用默认值
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	// Ark 配置验证：必须存在
	if c.Ark.APIKey == "" {
		return fmt.Errorf("ark.api_key is required (or set ARK_API_KEY env var)")
	}
	if c.Ark.ModelID == "" {
		return fmt.Errorf("ark.model_id is required (or set ARK_MODEL_ID env var)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	// -------------------------------------------------------------------------
	// Storage Defaults (存储默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("storage.path", "behagent.db")
	v.SetDefault("storage.busy_timeout", 5*time.Second)
	v.SetDefault("storage.enable_wal", true)

	// -------------------------------------------------------------------------
	// Agent Defaults (编排循环默认值)
	// -------------------------------------------------------------------------
	agentDefaults := agent.DefaultOptions()
	v.SetDefault("agent.max_model_calls", agentDefaults.MaxModelCalls)
	v.SetDefault("agent.max_retries", agentDefaults.MaxRetries)
	v.SetDefault("agent.retry_backoff", agentDefaults.RetryBackoff)
	v.SetDefault("agent.tool_timeout", agentDefaults.ToolTimeout)
	v.SetDefault("agent.history_limit", agentDefaults.HistoryLimit)

	// -------------------------------------------------------------------------
	// Server Defaults (HTTP 服务默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.enable_cors", true)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.chat_timeout", 90*time.Second)

	// -------------------------------------------------------------------------
	// Scheduler Defaults (后台流程默认值)
	// -------------------------------------------------------------------------
	schedDefaults := scheduler.DefaultConfig()
	v.SetDefault("scheduler.rescheduler.enabled", schedDefaults.Rescheduler.Enabled)
	v.SetDefault("scheduler.rescheduler.interval", schedDefaults.Rescheduler.Interval)
	v.SetDefault("scheduler.retention.enabled", schedDefaults.Retention.Enabled)
	v.SetDefault("scheduler.retention.interval", schedDefaults.Retention.Interval)
	v.SetDefault("scheduler.retention.tool_call_keep", schedDefaults.Retention.ToolCallKeep)

	// -------------------------------------------------------------------------
	// Auth Defaults (认证默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	// -------------------------------------------------------------------------
	// Ark AI Defaults (AI 模型默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("ark.api_key", "")
	v.SetDefault("ark.model_id", "")
	v.SetDefault("ark.base_url", "https://ark.cn-beijing.volces.com/api/v3")

	v.BindEnv("ark.api_key", "ARK_API_KEY")
	v.BindEnv("ark.model_id", "ARK_MODEL_ID")
	v.BindEnv("ark.base_url", "ARK_BASE_URL")
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Storage: storage.Config{
			Path:        "behagent.db",
			BusyTimeout: 5 * time.Second,
			EnableWAL:   true,
		},
		Agent:     agent.DefaultOptions(),
		Scheduler: scheduler.DefaultConfig(),
		Auth:      AuthConfig{TokenTTL: 24 * time.Hour},
	}
}
