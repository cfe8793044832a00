package storage

import (
	"encoding/json"
	"time"
)

// 任务状态的规范取值。历史文档中出现过 not_started/blocked 等变体，
// 统一以数据库层的四值枚举为准。
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// 任务优先级的规范取值。
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// ValidStatus 判断 s 是否为合法任务状态。
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// ValidPriority 判断 p 是否为合法优先级。
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// User 表示一个注册用户。
type User struct {
	// UserID 为用户唯一标识（UUID 字符串），由服务层生成。
	UserID string `gorm:"size:64;primaryKey"`
	// Username 为登录名，全局唯一。
	Username string `gorm:"size:50;not null;uniqueIndex"`
	// PasswordHash 为 bcrypt 哈希后的口令，永不存明文。
	PasswordHash string `gorm:"size:255;not null"`
	Name         string `gorm:"size:100;not null"`
	Lastname     string `gorm:"size:100"`
	// IsActive 为 false 时禁止登录（软停用）。
	IsActive  bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// Task 表示一条待办任务。
//
// 不变量：任务仅对其 UserID 指向的属主可见、可改；
// 属主校验在仓储查询层（owner-scoped 查询）与工具层（防御性二次检查）各做一次。
type Task struct {
	// TaskID 为任务唯一标识（UUID 字符串）。
	TaskID string `gorm:"size:64;primaryKey"`
	// UserID 为属主用户标识；所有读写都必须以它为作用域。
	UserID string `gorm:"size:64;not null;index:idx_tasks_user_status,priority:1"`
	// Name 为任务名，必填。
	Name        string `gorm:"size:255;not null"`
	Description string `gorm:"type:text"`
	// Status 取值见 Status* 常量；与 UserID 组成联合索引，支撑按状态过滤。
	Status string `gorm:"size:32;not null;index:idx_tasks_user_status,priority:2"`
	// Priority 取值见 Priority* 常量。
	Priority string `gorm:"size:16;not null;index"`
	// TagsJSON 为标签集合的 JSON 编码（sqlite 无数组类型，统一存 TEXT）。
	TagsJSON string `gorm:"type:text"`
	// DueDate 为可选截止时间（UTC）；为 nil 表示无截止。
	DueDate *time.Time `gorm:"index"`
	// CompletedAt 在状态迁移到 completed 时写入。
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"not null;autoCreateTime;index"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime"`
}

// Tags 解码 TagsJSON；空串或解码失败返回 nil。
func (t *Task) Tags() []string {
	if t == nil || t.TagsJSON == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(t.TagsJSON), &tags); err != nil {
		return nil
	}
	return tags
}

// SetTags 编码并写入 TagsJSON；nil/空切片写空串。
func (t *Task) SetTags(tags []string) {
	if t == nil {
		return
	}
	if len(tags) == 0 {
		t.TagsJSON = ""
		return
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return
	}
	t.TagsJSON = string(data)
}

// ChatSession 表示一个会话（一个用户可有多个会话，各自独立累积历史）。
type ChatSession struct {
	// SessionID 为会话唯一标识（UUID 字符串），由调用方提供或服务层生成。
	SessionID string `gorm:"size:64;primaryKey"`
	// UserID 为会话属主；历史回放与消息追加都以它为作用域。
	UserID string `gorm:"size:64;not null;index"`
	// Title 为展示用会话标题（通常取首条用户消息的截断）。
	Title     string    `gorm:"size:255"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// ChatMessage 表示会话中的一条持久化消息。
//
// 消息顺序由自增 ID 承载（插入即定序，绝不重排），这是对话因果关系的唯一载体。
type ChatMessage struct {
	// ID 为自增主键，同时承担会话内排序。
	ID uint64 `gorm:"primaryKey"`
	// SessionID 关联所属会话；与 ID 一起支撑“按会话顺序取历史”。
	SessionID string `gorm:"size:64;not null;index"`
	// Role 为消息角色：user / assistant / tool / system。
	Role string `gorm:"size:16;not null"`
	// Content 为消息正文；assistant 的纯工具调用消息可为空。
	Content string `gorm:"type:text"`
	// ToolCallsJSON 为 assistant 消息携带的工具调用请求（JSON 编码），无则为空串。
	ToolCallsJSON string `gorm:"type:text"`
	// ToolCallID 为 tool 消息回填的调用关联 ID，其余角色为空。
	ToolCallID string `gorm:"size:64"`
	// ToolName 为 tool 消息对应的工具名，便于审计检索。
	ToolName  string    `gorm:"size:128"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// AuthToken 表示一个已签发的 API 访问令牌（Bearer）。
type AuthToken struct {
	// Token 为不透明令牌串（UUID），主键。
	Token string `gorm:"size:64;primaryKey"`
	// UserID 为令牌归属用户。
	UserID string `gorm:"size:64;not null;index"`
	// ExpiresAt 之后令牌失效。
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// ToolCallRecord 记录一次工具执行及其结果，用于审计、追溯与后续分析。
//
// 一条记录对应模型发起的一次工具调用；复杂入参/输出统一以 JSON 字符串存放。
type ToolCallRecord struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// TraceID 用于串联一次对话轮次内的多个工具调用（可选）。
	TraceID string `gorm:"size:64;index"`
	// UserID 为发起调用的用户（从轮次上下文取得）。
	UserID string `gorm:"size:64;index"`
	// Action 为工具名（例如 add_task / list_tasks）。
	Action string `gorm:"size:128;not null;index"`
	// ParamsJSON 存放工具入参（JSON 字符串）。
	ParamsJSON string `gorm:"type:text"`
	// ResultJSON 存放工具输出摘要（JSON 字符串）。
	ResultJSON string `gorm:"type:text"`
	// Status 为执行状态（running/success/failed）。
	Status string `gorm:"size:32;not null;index"`
	// ErrorMessage 存放失败时的错误信息（可选）。
	ErrorMessage string `gorm:"type:text"`
	// StartedAt/FinishedAt 为执行起止时间。
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time `gorm:"index"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime;index"`
}

// ProcessExecution 记录一次自动化流程（如每日改期）的执行情况。
type ProcessExecution struct {
	// ID 为自增主键。
	ID uint64 `gorm:"primaryKey"`
	// ProcessName 为流程名（稳定标识，例如 reschedule_overdue_tasks）。
	ProcessName string `gorm:"size:128;not null;index"`
	// Status 为 running/success/failed。
	Status string `gorm:"size:32;not null;index"`
	// ResultJSON 存放执行结果摘要（JSON 字符串，如改期任务数）。
	ResultJSON string `gorm:"type:text"`
	// ErrorMessage 存放失败原因（可选）。
	ErrorMessage string    `gorm:"type:text"`
	StartedAt    time.Time `gorm:"index"`
	FinishedAt   time.Time
	CreatedAt    time.Time `gorm:"not null;autoCreateTime;index"`
}
