package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultLimit = 200
	maxLimit     = 5000
)

// TaskQuery 为任务列表的过滤条件；所有条件为逻辑 AND。
type TaskQuery struct {
	// Status/Priority 为可选过滤条件，精确匹配；空串表示不过滤。
	Status   string
	Priority string
	// Tags 为可选标签过滤：任务只要命中其中任意一个标签即视为匹配（集合相交）。
	Tags []string
	// DueBefore 过滤截止时间早于该时刻的任务（不含无截止任务）。
	DueBefore *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按创建时间倒序返回（优先返回最新任务）。
	Desc bool
}

func (s *Storage) CreateTask(ctx context.Context, task *Task) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if task == nil {
		return errors.New("task is nil")
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.UserID == "" {
		return errors.New("user id is required")
	}
	if task.Name == "" {
		return errors.New("task name is required")
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	if !ValidStatus(task.Status) {
		return fmt.Errorf("invalid task status: %s", task.Status)
	}
	if !ValidPriority(task.Priority) {
		return fmt.Errorf("invalid task priority: %s", task.Priority)
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask 按 ID 取任务；不存在时返回 (nil, nil)。
// 这里不做属主过滤：调用方（工具层/服务层）负责区分 not-found 与 access-denied。
func (s *Storage) GetTask(ctx context.Context, taskID string) (*Task, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var task Task
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// TaskUpdate 描述一次任务更新；nil 字段表示保持原值。
type TaskUpdate struct {
	Name        *string
	Description *string
	Status      *string
	Priority    *string
	Tags        []string
	DueDate     *time.Time
}

// UpdateTask 按 ID 更新任务的给定字段并返回更新后的任务；不存在时返回 (nil, nil)。
// 状态迁移到 completed 时自动写入 CompletedAt。
func (s *Storage) UpdateTask(ctx context.Context, taskID string, up TaskUpdate) (*Task, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	updates := make(map[string]interface{})
	if up.Name != nil {
		updates["name"] = *up.Name
	}
	if up.Description != nil {
		updates["description"] = *up.Description
	}
	if up.Status != nil {
		if !ValidStatus(*up.Status) {
			return nil, fmt.Errorf("invalid task status: %s", *up.Status)
		}
		updates["status"] = *up.Status
		if *up.Status == StatusCompleted {
			updates["completed_at"] = time.Now().UTC()
		}
	}
	if up.Priority != nil {
		if !ValidPriority(*up.Priority) {
			return nil, fmt.Errorf("invalid task priority: %s", *up.Priority)
		}
		updates["priority"] = *up.Priority
	}
	if up.Tags != nil {
		var t Task
		t.SetTags(up.Tags)
		updates["tags_json"] = t.TagsJSON
	}
	if up.DueDate != nil {
		updates["due_date"] = *up.DueDate
	}

	if len(updates) == 0 {
		return s.GetTask(ctx, taskID)
	}
	updates["updated_at"] = time.Now().UTC()

	res := s.db.WithContext(ctx).Model(&Task{}).Where("task_id = ?", taskID).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return s.GetTask(ctx, taskID)
}

// DeleteTask 按 ID 删除任务；返回是否真的删除了一行。
func (s *Storage) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&Task{})
	if res.Error != nil {
		return false, fmt.Errorf("delete task: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListTasks 返回 userID 名下匹配所有过滤条件的任务。
// Status/Priority/DueBefore 在 SQL 层过滤；标签存为 JSON TEXT，相交判断在内存完成。
func (s *Storage) ListTasks(ctx context.Context, userID string, q TaskQuery) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	limit := normalizeLimit(q.Limit)
	db := s.db.WithContext(ctx).Model(&Task{}).Where("user_id = ?", userID)
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.Priority != "" {
		db = db.Where("priority = ?", q.Priority)
	}
	if q.DueBefore != nil {
		db = db.Where("due_date IS NOT NULL AND due_date < ?", *q.DueBefore)
	}
	if q.Desc {
		db = db.Order("created_at DESC")
	} else {
		db = db.Order("created_at ASC")
	}
	// 标签过滤在内存进行，LIMIT 必须等过滤完再截断，否则命中标签的行
	// 会被窗口外的无关行挤掉
	if len(q.Tags) == 0 {
		db = db.Limit(limit)
	}

	var out []Task
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}

	if len(q.Tags) == 0 {
		return out, nil
	}
	want := make(map[string]struct{}, len(q.Tags))
	for _, tag := range q.Tags {
		want[tag] = struct{}{}
	}
	filtered := out[:0]
	for i := range out {
		for _, tag := range out[i].Tags() {
			if _, ok := want[tag]; ok {
				filtered = append(filtered, out[i])
				break
			}
		}
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// RescheduleOverdueTasks 把所有截止时间早于 before、且仍处于 pending/in_progress 的任务
// 统一改期到 newDue。返回受影响行数。供每日自动化流程调用。
func (s *Storage) RescheduleOverdueTasks(ctx context.Context, before time.Time, newDue time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("status IN ?", []string{StatusPending, StatusInProgress}).
		Where("due_date IS NOT NULL AND due_date < ?", before).
		Updates(map[string]interface{}{
			"due_date":   newDue,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reschedule overdue tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PruneFinishedTasks 删除 userID 名下已完结（completed/cancelled）且最后更新早于 before
// 的任务。返回删除行数。
func (s *Storage) PruneFinishedTasks(ctx context.Context, userID string, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	if userID == "" {
		return 0, errors.New("user id is required")
	}
	res := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("status IN ?", []string{StatusCompleted, StatusCancelled}).
		Where("updated_at < ?", before).
		Delete(&Task{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune finished tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Storage) CreateUser(ctx context.Context, user *User) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if user == nil {
		return errors.New("user is nil")
	}
	if user.UserID == "" || user.Username == "" {
		return errors.New("user id and username are required")
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByUsername 按登录名取用户；不存在时返回 (nil, nil)。
func (s *Storage) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return &user, nil
}

func (s *Storage) GetUser(ctx context.Context, userID string) (*User, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

func (s *Storage) CreateChatSession(ctx context.Context, sess *ChatSession) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if sess == nil {
		return errors.New("chat session is nil")
	}
	if sess.SessionID == "" || sess.UserID == "" {
		return errors.New("session id and user id are required")
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return fmt.Errorf("insert chat session: %w", err)
	}
	return nil
}

func (s *Storage) GetChatSession(ctx context.Context, sessionID string) (*ChatSession, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var sess ChatSession
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat session: %w", err)
	}
	return &sess, nil
}

func (s *Storage) ListChatSessions(ctx context.Context, userID string, limit int) ([]ChatSession, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var out []ChatSession
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query chat sessions: %w", err)
	}
	return out, nil
}

// AppendChatMessages 在单个事务内按给定顺序追加消息，保证自增 ID 与入参顺序一致。
// 消息顺序是对话因果关系的唯一载体，这里绝不能乱序写入。
func (s *Storage) AppendChatMessages(ctx context.Context, sessionID string, msgs []ChatMessage) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range msgs {
			msgs[i].ID = 0
			msgs[i].SessionID = sessionID
			if msgs[i].CreatedAt.IsZero() {
				msgs[i].CreatedAt = now
			}
			if err := tx.Create(&msgs[i]).Error; err != nil {
				return fmt.Errorf("insert chat message: %w", err)
			}
		}
		if err := tx.Model(&ChatSession{}).
			Where("session_id = ?", sessionID).
			Update("updated_at", now).Error; err != nil {
			return fmt.Errorf("touch chat session: %w", err)
		}
		return nil
	})
}

// ListChatMessages 返回会话内最近 limit 条消息，按插入顺序（ID 升序）排列。
func (s *Storage) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	var out []ChatMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	// 倒序取最近 N 条后翻回正序
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Storage) InsertAuthToken(ctx context.Context, tok *AuthToken) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if tok == nil || tok.Token == "" || tok.UserID == "" {
		return errors.New("token and user id are required")
	}
	if err := s.db.WithContext(ctx).Create(tok).Error; err != nil {
		return fmt.Errorf("insert auth token: %w", err)
	}
	return nil
}

// GetAuthToken 按令牌串取记录；不存在或已过期返回 (nil, nil)。
func (s *Storage) GetAuthToken(ctx context.Context, token string) (*AuthToken, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	var tok AuthToken
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get auth token: %w", err)
	}
	if time.Now().UTC().After(tok.ExpiresAt) {
		return nil, nil
	}
	return &tok, nil
}

func (s *Storage) DeleteExpiredAuthTokens(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&AuthToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired auth tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ToolCallQuery 用于查询工具调用审计记录的过滤条件。
type ToolCallQuery struct {
	// TraceID/UserID/Action/Status 精确匹配，零值表示不过滤。
	TraceID string
	UserID  string
	Action  string
	Status  string
	// From/To 过滤 CreatedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 CreatedAt 倒序返回。
	Desc bool
}

func (s *Storage) InsertToolCallRecord(ctx context.Context, rec *ToolCallRecord) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if rec == nil {
		return errors.New("tool call record is nil")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert tool call record: %w", err)
	}
	return nil
}

func (s *Storage) QueryToolCallRecords(ctx context.Context, q ToolCallQuery) ([]ToolCallRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	db := s.db.WithContext(ctx).Model(&ToolCallRecord{})
	if q.TraceID != "" {
		db = db.Where("trace_id = ?", q.TraceID)
	}
	if q.UserID != "" {
		db = db.Where("user_id = ?", q.UserID)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.From != nil {
		db = db.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("created_at <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("created_at DESC")
	} else {
		db = db.Order("created_at ASC")
	}
	db = db.Limit(normalizeLimit(q.Limit))

	var out []ToolCallRecord
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query tool call records: %w", err)
	}
	return out, nil
}

type ToolCallUpdate struct {
	Status       *string
	ResultJSON   *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

func (s *Storage) UpdateToolCallRecord(ctx context.Context, id uint64, up ToolCallUpdate) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}

	updates := make(map[string]interface{})
	if up.Status != nil {
		updates["status"] = *up.Status
	}
	if up.ResultJSON != nil {
		updates["result_json"] = *up.ResultJSON
	}
	if up.ErrorMessage != nil {
		updates["error_message"] = *up.ErrorMessage
	}
	if up.FinishedAt != nil {
		updates["finished_at"] = *up.FinishedAt
	}

	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&ToolCallRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update tool call record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundError{Entity: "tool call record", ID: id}
	}
	return nil
}

func (s *Storage) DeleteToolCallRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&ToolCallRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete tool call records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Storage) InsertProcessExecution(ctx context.Context, rec *ProcessExecution) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if rec == nil {
		return errors.New("process execution is nil")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert process execution: %w", err)
	}
	return nil
}

type ProcessExecutionUpdate struct {
	Status       *string
	ResultJSON   *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

func (s *Storage) UpdateProcessExecution(ctx context.Context, id uint64, up ProcessExecutionUpdate) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}

	updates := make(map[string]interface{})
	if up.Status != nil {
		updates["status"] = *up.Status
	}
	if up.ResultJSON != nil {
		updates["result_json"] = *up.ResultJSON
	}
	if up.ErrorMessage != nil {
		updates["error_message"] = *up.ErrorMessage
	}
	if up.FinishedAt != nil {
		updates["finished_at"] = *up.FinishedAt
	}

	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&ProcessExecution{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update process execution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFoundError{Entity: "process execution", ID: id}
	}
	return nil
}

func (s *Storage) QueryProcessExecutions(ctx context.Context, processName string, limit int) ([]ProcessExecution, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	db := s.db.WithContext(ctx).Model(&ProcessExecution{})
	if processName != "" {
		db = db.Where("process_name = ?", processName)
	}
	var out []ProcessExecution
	if err := db.Order("created_at DESC").Limit(normalizeLimit(limit)).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query process executions: %w", err)
	}
	return out, nil
}

// TableCounts 汇总各表行数，供 storage info 命令展示。
type TableCounts struct {
	Users             int64
	Tasks             int64
	ChatSessions      int64
	ChatMessages      int64
	AuthTokens        int64
	ToolCallRecords   int64
	ProcessExecutions int64
}

func (s *Storage) Counts(ctx context.Context) (TableCounts, error) {
	if s == nil || s.db == nil {
		return TableCounts{}, errors.New("storage not initialized")
	}
	var c TableCounts
	counts := []struct {
		model interface{}
		dst   *int64
	}{
		{&User{}, &c.Users},
		{&Task{}, &c.Tasks},
		{&ChatSession{}, &c.ChatSessions},
		{&ChatMessage{}, &c.ChatMessages},
		{&AuthToken{}, &c.AuthTokens},
		{&ToolCallRecord{}, &c.ToolCallRecords},
		{&ProcessExecution{}, &c.ProcessExecutions},
	}
	for _, item := range counts {
		if err := s.db.WithContext(ctx).Model(item.model).Count(item.dst).Error; err != nil {
			return TableCounts{}, fmt.Errorf("count rows: %w", err)
		}
	}
	return c, nil
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

type notFoundError struct {
	Entity string
	ID     uint64
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Entity, e.ID)
}
