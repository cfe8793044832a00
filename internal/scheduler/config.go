package scheduler

import "time"

type ReschedulerConfig struct {
	// Enabled 控制过期任务改期流程是否启用。
	Enabled bool `mapstructure:"enabled"`
	// Interval 为扫描周期；每个周期把过期未完成任务的截止时间推到当天结束。
	Interval time.Duration `mapstructure:"interval"`
}

type RetentionConfig struct {
	// Enabled 控制后台清理流程是否启用。
	Enabled bool `mapstructure:"enabled"`
	// Interval 为清理周期。
	Interval time.Duration `mapstructure:"interval"`
	// ToolCallKeep 为工具调用审计记录的保留时长。
	ToolCallKeep time.Duration `mapstructure:"tool_call_keep"`
}

type Config struct {
	Rescheduler ReschedulerConfig `mapstructure:"rescheduler"`
	Retention   RetentionConfig   `mapstructure:"retention"`
}

func DefaultConfig() Config {
	return Config{
		Rescheduler: ReschedulerConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		Retention: RetentionConfig{
			Enabled:      true,
			Interval:     6 * time.Hour,
			ToolCallKeep: 30 * 24 * time.Hour,
		},
	}
}

func (c ReschedulerConfig) withDefaults() ReschedulerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	return c
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.ToolCallKeep <= 0 {
		c.ToolCallKeep = 30 * 24 * time.Hour
	}
	return c
}
