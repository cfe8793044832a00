package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/behflow/BehflowAgent/internal/storage"
)

// 工具约定：预期内的失败（参数不合法 / 任务不存在 / 越权）一律编码为返回文本，
// 绝不以 error 形式抛出——结果会回填进模型上下文，必须是自然语言可消费的。
// 只有存储本身不可用这类意外才返回 error，由执行层转成错误文本。

const (
	msgNoUserContext = "Error: no user context set for this conversation"
	msgNoTasksFound  = "No tasks found for current user"
)

func taskNotFoundMsg(taskID string) string {
	return fmt.Sprintf("Task %s not found", taskID)
}

func accessDeniedMsg(taskID string) string {
	return fmt.Sprintf("Access denied: task %s belongs to another user", taskID)
}

func parseDueDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("invalid due date %q (use RFC3339 or YYYY-MM-DD)", s)
}

func formatTaskLine(t *storage.Task) string {
	line := fmt.Sprintf("- [%s] %s (Priority: %s, ID: %s)", t.Status, t.Name, t.Priority, t.TaskID)
	if t.DueDate != nil {
		line += fmt.Sprintf(" due %s", t.DueDate.Format("2006-01-02"))
	}
	if tags := t.Tags(); len(tags) > 0 {
		line += fmt.Sprintf(" tags: %s", strings.Join(tags, ","))
	}
	return line
}

// AddTaskTool 创建任务
type AddTaskTool struct {
	store *storage.Storage
}

func (t *AddTaskTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "add_task",
		Desc: "Create a new task for the current user. Returns a confirmation with the new task's ID.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"name": {
				Desc:     "The task name",
				Type:     schema.String,
				Required: true,
			},
			"description": {
				Desc:     "Optional longer description",
				Type:     schema.String,
				Required: false,
			},
			"priority": {
				Desc:     "Task priority (default 'medium')",
				Type:     schema.String,
				Enum:     []string{storage.PriorityLow, storage.PriorityMedium, storage.PriorityHigh, storage.PriorityUrgent},
				Required: false,
			},
			"tags": {
				Desc:     "Optional list of tags",
				Type:     schema.Array,
				ElemInfo: &schema.ParameterInfo{Type: schema.String},
				Required: false,
			},
			"due_date": {
				Desc:     "Optional due date, RFC3339 or YYYY-MM-DD",
				Type:     schema.String,
				Required: false,
			},
		}),
	}, nil
}

func (t *AddTaskTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	uid := GetUserID(ctx)
	if uid == "" {
		return msgNoUserContext, nil
	}

	var args struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Priority    string   `json:"priority"`
		Tags        []string `json:"tags"`
		DueDate     string   `json:"due_date"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments: %v", err), nil
	}

	if strings.TrimSpace(args.Name) == "" {
		return "Error: task name is required", nil
	}
	if args.Priority == "" {
		args.Priority = storage.PriorityMedium
	}
	if !storage.ValidPriority(args.Priority) {
		return fmt.Sprintf("Error: invalid priority %q (use low/medium/high/urgent)", args.Priority), nil
	}
	due, err := parseDueDate(args.DueDate)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	task := &storage.Task{
		TaskID:      uuid.New().String(),
		UserID:      uid,
		Name:        strings.TrimSpace(args.Name),
		Description: args.Description,
		Priority:    args.Priority,
		Status:      storage.StatusPending,
		DueDate:     due,
	}
	task.SetTags(args.Tags)

	if err := t.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return fmt.Sprintf("Task created successfully with ID: %s", task.TaskID), nil
}

// UpdateTaskTool 更新任务的给定字段
type UpdateTaskTool struct {
	store *storage.Storage
}

func (t *UpdateTaskTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "update_task",
		Desc: "Update fields of an existing task owned by the current user. Only the provided fields are changed.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"task_id": {
				Desc:     "The ID of the task to update",
				Type:     schema.String,
				Required: true,
			},
			"name": {
				Desc:     "New task name",
				Type:     schema.String,
				Required: false,
			},
			"description": {
				Desc:     "New description",
				Type:     schema.String,
				Required: false,
			},
			"status": {
				Desc:     "New status",
				Type:     schema.String,
				Enum:     []string{storage.StatusPending, storage.StatusInProgress, storage.StatusCompleted, storage.StatusCancelled},
				Required: false,
			},
			"priority": {
				Desc:     "New priority",
				Type:     schema.String,
				Enum:     []string{storage.PriorityLow, storage.PriorityMedium, storage.PriorityHigh, storage.PriorityUrgent},
				Required: false,
			},
			"due_date": {
				Desc:     "New due date, RFC3339 or YYYY-MM-DD",
				Type:     schema.String,
				Required: false,
			},
		}),
	}, nil
}

func (t *UpdateTaskTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	uid := GetUserID(ctx)
	if uid == "" {
		return msgNoUserContext, nil
	}

	var args struct {
		TaskID      string  `json:"task_id"`
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Status      *string `json:"status"`
		Priority    *string `json:"priority"`
		DueDate     *string `json:"due_date"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments: %v", err), nil
	}
	if args.TaskID == "" {
		return "Error: task_id is required", nil
	}

	// 属主校验必须先于任何字段变更
	existing, err := t.store.GetTask(ctx, args.TaskID)
	if err != nil {
		return "", fmt.Errorf("get task: %w", err)
	}
	if existing == nil {
		return taskNotFoundMsg(args.TaskID), nil
	}
	if existing.UserID != uid {
		return accessDeniedMsg(args.TaskID), nil
	}

	up := storage.TaskUpdate{
		Name:        args.Name,
		Description: args.Description,
	}
	if args.Status != nil {
		if !storage.ValidStatus(*args.Status) {
			return fmt.Sprintf("Error: invalid status %q (use pending/in_progress/completed/cancelled)", *args.Status), nil
		}
		up.Status = args.Status
	}
	if args.Priority != nil {
		if !storage.ValidPriority(*args.Priority) {
			return fmt.Sprintf("Error: invalid priority %q (use low/medium/high/urgent)", *args.Priority), nil
		}
		up.Priority = args.Priority
	}
	if args.DueDate != nil {
		due, err := parseDueDate(*args.DueDate)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}
		up.DueDate = due
	}

	updated, err := t.store.UpdateTask(ctx, args.TaskID, up)
	if err != nil {
		return "", fmt.Errorf("update task: %w", err)
	}
	if updated == nil {
		return taskNotFoundMsg(args.TaskID), nil
	}
	return fmt.Sprintf("Task %s updated successfully", args.TaskID), nil
}

// ListTasksTool 按条件列出当前用户的任务
type ListTasksTool struct {
	store *storage.Storage
}

func (t *ListTasksTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "list_tasks",
		Desc: "List the current user's tasks. All supplied filters are combined with AND; the tag filter matches tasks carrying any of the given tags.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"status": {
				Desc:     "Filter by status",
				Type:     schema.String,
				Enum:     []string{storage.StatusPending, storage.StatusInProgress, storage.StatusCompleted, storage.StatusCancelled},
				Required: false,
			},
			"priority": {
				Desc:     "Filter by priority",
				Type:     schema.String,
				Enum:     []string{storage.PriorityLow, storage.PriorityMedium, storage.PriorityHigh, storage.PriorityUrgent},
				Required: false,
			},
			"tags": {
				Desc:     "Filter by tags (any match)",
				Type:     schema.Array,
				ElemInfo: &schema.ParameterInfo{Type: schema.String},
				Required: false,
			},
		}),
	}, nil
}

func (t *ListTasksTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	uid := GetUserID(ctx)
	if uid == "" {
		return msgNoUserContext, nil
	}

	var args struct {
		Status   string   `json:"status"`
		Priority string   `json:"priority"`
		Tags     []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments: %v", err), nil
	}
	if args.Status != "" && !storage.ValidStatus(args.Status) {
		return fmt.Sprintf("Error: invalid status %q (use pending/in_progress/completed/cancelled)", args.Status), nil
	}
	if args.Priority != "" && !storage.ValidPriority(args.Priority) {
		return fmt.Sprintf("Error: invalid priority %q (use low/medium/high/urgent)", args.Priority), nil
	}

	tasks, err := t.store.ListTasks(ctx, uid, storage.TaskQuery{
		Status:   args.Status,
		Priority: args.Priority,
		Tags:     args.Tags,
	})
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return msgNoTasksFound, nil
	}

	lines := make([]string, 0, len(tasks)+1)
	lines = append(lines, "Tasks for current user:")
	for i := range tasks {
		lines = append(lines, formatTaskLine(&tasks[i]))
	}
	return strings.Join(lines, "\n"), nil
}

// DeleteTaskTool 删除任务
type DeleteTaskTool struct {
	store *storage.Storage
}

func (t *DeleteTaskTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "delete_task",
		Desc: "Delete a task owned by the current user by its ID.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"task_id": {
				Desc:     "The ID of the task to delete",
				Type:     schema.String,
				Required: true,
			},
		}),
	}, nil
}

func (t *DeleteTaskTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	uid := GetUserID(ctx)
	if uid == "" {
		return msgNoUserContext, nil
	}

	var args struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments: %v", err), nil
	}
	if args.TaskID == "" {
		return "Error: task_id is required", nil
	}

	existing, err := t.store.GetTask(ctx, args.TaskID)
	if err != nil {
		return "", fmt.Errorf("get task: %w", err)
	}
	if existing == nil {
		return taskNotFoundMsg(args.TaskID), nil
	}
	if existing.UserID != uid {
		return accessDeniedMsg(args.TaskID), nil
	}

	ok, err := t.store.DeleteTask(ctx, args.TaskID)
	if err != nil {
		return "", fmt.Errorf("delete task: %w", err)
	}
	if !ok {
		return taskNotFoundMsg(args.TaskID), nil
	}
	return fmt.Sprintf("Task %q (%s) deleted successfully", existing.Name, existing.TaskID), nil
}

// GroupTasksByPriorityTool 按优先级分组汇总当前用户的任务
type GroupTasksByPriorityTool struct {
	store *storage.Storage
}

func (t *GroupTasksByPriorityTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        "group_tasks_by_priority",
		Desc:        "Summarize the current user's tasks grouped by priority (urgent first).",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
	}, nil
}

func (t *GroupTasksByPriorityTool) InvokableRun(ctx context.Context, _ string, _ ...tool.Option) (string, error) {
	uid := GetUserID(ctx)
	if uid == "" {
		return msgNoUserContext, nil
	}

	tasks, err := t.store.ListTasks(ctx, uid, storage.TaskQuery{})
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return msgNoTasksFound, nil
	}

	grouped := map[string][]*storage.Task{}
	for i := range tasks {
		grouped[tasks[i].Priority] = append(grouped[tasks[i].Priority], &tasks[i])
	}

	var lines []string
	for _, priority := range []string{storage.PriorityUrgent, storage.PriorityHigh, storage.PriorityMedium, storage.PriorityLow} {
		bucket := grouped[priority]
		if len(bucket) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (%d):", strings.ToUpper(priority), len(bucket)))
		for _, task := range bucket {
			lines = append(lines, "  - "+task.Name)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// GroupTasksByDateCreatedTool 按创建日期分组汇总当前用户的任务
type GroupTasksByDateCreatedTool struct {
	store *storage.Storage
}

func (t *GroupTasksByDateCreatedTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        "group_tasks_by_date_created",
		Desc:        "Summarize the current user's tasks grouped by the date they were created, newest date first.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
	}, nil
}

func (t *GroupTasksByDateCreatedTool) InvokableRun(ctx context.Context, _ string, _ ...tool.Option) (string, error) {
	uid := GetUserID(ctx)
	if uid == "" {
		return msgNoUserContext, nil
	}

	tasks, err := t.store.ListTasks(ctx, uid, storage.TaskQuery{})
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return msgNoTasksFound, nil
	}

	grouped := map[string][]*storage.Task{}
	for i := range tasks {
		key := tasks[i].CreatedAt.Format("2006-01-02")
		grouped[key] = append(grouped[key], &tasks[i])
	}

	dates := make([]string, 0, len(grouped))
	for date := range grouped {
		dates = append(dates, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	var lines []string
	for _, date := range dates {
		bucket := grouped[date]
		lines = append(lines, fmt.Sprintf("%s (%d):", date, len(bucket)))
		for _, task := range bucket {
			lines = append(lines, "  - "+task.Name)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// GroupTasksByDueDateTool 按截止日期分组汇总当前用户的任务
type GroupTasksByDueDateTool struct {
	store *storage.Storage
}

func (t *GroupTasksByDueDateTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        "group_tasks_by_due_date",
		Desc:        "Summarize the current user's tasks grouped by due date, earliest first; tasks without a due date go last.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
	}, nil
}

func (t *GroupTasksByDueDateTool) InvokableRun(ctx context.Context, _ string, _ ...tool.Option) (string, error) {
	uid := GetUserID(ctx)
	if uid == "" {
		return msgNoUserContext, nil
	}

	tasks, err := t.store.ListTasks(ctx, uid, storage.TaskQuery{})
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return msgNoTasksFound, nil
	}

	grouped := map[string][]*storage.Task{}
	var noDue []*storage.Task
	for i := range tasks {
		if tasks[i].DueDate == nil {
			noDue = append(noDue, &tasks[i])
			continue
		}
		key := tasks[i].DueDate.Format("2006-01-02")
		grouped[key] = append(grouped[key], &tasks[i])
	}

	dates := make([]string, 0, len(grouped))
	for date := range grouped {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	var lines []string
	for _, date := range dates {
		bucket := grouped[date]
		lines = append(lines, fmt.Sprintf("Due %s (%d):", date, len(bucket)))
		for _, task := range bucket {
			lines = append(lines, "  - "+task.Name)
		}
	}
	if len(noDue) > 0 {
		lines = append(lines, fmt.Sprintf("No due date (%d):", len(noDue)))
		for _, task := range noDue {
			lines = append(lines, "  - "+task.Name)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// GetTools 返回所有可用的工具列表；store 不能为空，每个工具都是
// 对 Task 仓储的一层薄封装。
func GetTools(store *storage.Storage) []tool.BaseTool {
	return []tool.BaseTool{
		&AddTaskTool{store: store},
		&UpdateTaskTool{store: store},
		&ListTasksTool{store: store},
		&DeleteTaskTool{store: store},
		&GroupTasksByPriorityTool{store: store},
		&GroupTasksByDateCreatedTool{store: store},
		&GroupTasksByDueDateTool{store: store},
	}
}

func GetToolsInfo(ctx context.Context, store *storage.Storage) ([]*schema.ToolInfo, error) {
	tools := GetTools(store)
	toolInfos := make([]*schema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get tool info: %w", err)
		}
		toolInfos = append(toolInfos, info)
	}
	return toolInfos, nil
}
