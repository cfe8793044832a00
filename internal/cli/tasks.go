package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/behflow/BehflowAgent/internal/storage"
)

// tasksCmd 提供不经过模型的任务直查/直改入口，便于脚本和排查。
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "直接管理任务（不经过 AI）",
	Long:  `绕过对话模型直接操作任务库：列出、创建、完成任务。`,
}

var (
	tasksUser     string
	taskStatus    string
	taskPriority  string
	taskTags      []string
	taskDue       string
	taskDesc      string
)

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出任务",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, user, err := openWithUser(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		q := storage.TaskQuery{
			Status:   taskStatus,
			Priority: taskPriority,
			Tags:     taskTags,
		}
		tasks, err := store.ListTasks(ctx, user.UserID, q)
		if err != nil {
			return fmt.Errorf("查询任务失败: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Println("没有符合条件的任务。")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tName\tStatus\tPriority\tDue\tTags")
		for i := range tasks {
			t := &tasks[i]
			due := "-"
			if t.DueDate != nil {
				due = t.DueDate.Format("2006-01-02 15:04")
			}
			tags := t.Tags()
			tagStr := "-"
			if len(tags) > 0 {
				tagStr = strings.Join(tags, ",")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.TaskID, t.Name, t.Status, t.Priority, due, tagStr)
		}
		return w.Flush()
	},
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "创建任务",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, user, err := openWithUser(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		task := &storage.Task{
			UserID:      user.UserID,
			Name:        args[0],
			Description: taskDesc,
			Status:      taskStatus,
			Priority:    taskPriority,
		}
		if taskDue != "" {
			due, err := parseCLIDueDate(taskDue)
			if err != nil {
				return err
			}
			task.DueDate = due
		}
		if len(taskTags) > 0 {
			task.SetTags(taskTags)
		}

		if err := store.CreateTask(ctx, task); err != nil {
			return fmt.Errorf("创建任务失败: %w", err)
		}
		fmt.Printf("已创建任务 %s (%s)\n", task.Name, task.TaskID)
		return nil
	},
}

var tasksDoneCmd = &cobra.Command{
	Use:   "done <task-id>",
	Short: "将任务标记为已完成",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, user, err := openWithUser(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		task, err := store.GetTask(ctx, args[0])
		if err != nil {
			return fmt.Errorf("查询任务失败: %w", err)
		}
		if task == nil || task.UserID != user.UserID {
			return fmt.Errorf("任务 %s 不存在", args[0])
		}

		status := storage.StatusCompleted
		if _, err := store.UpdateTask(ctx, task.TaskID, storage.TaskUpdate{Status: &status}); err != nil {
			return fmt.Errorf("更新任务失败: %w", err)
		}
		fmt.Printf("任务 %s 已完成。\n", task.Name)
		return nil
	},
}

var taskPruneDays int

var tasksPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "清理已完结的陈旧任务",
	Long:  `删除已完成或已取消、且超过 --days 天未更新的任务。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, user, err := openWithUser(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		before := time.Now().UTC().AddDate(0, 0, -taskPruneDays)
		n, err := store.PruneFinishedTasks(ctx, user.UserID, before)
		if err != nil {
			return fmt.Errorf("清理任务失败: %w", err)
		}
		fmt.Printf("已删除 %d 条完结任务（%d 天前）。\n", n, taskPruneDays)
		return nil
	},
}

func openWithUser(ctx context.Context) (*storage.Storage, *storage.User, error) {
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("打开存储失败: %w", err)
	}
	user, err := ensureLocalUser(ctx, store, tasksUser)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, user, nil
}

func parseCLIDueDate(s string) (*time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("无法解析截止时间 %q，支持 RFC3339 或 YYYY-MM-DD", s)
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.PersistentFlags().StringVar(&tasksUser, "user", "local", "本地用户名，不存在时自动创建")

	tasksListCmd.Flags().StringVar(&taskStatus, "status", "", "按状态过滤: pending/in_progress/completed/cancelled")
	tasksListCmd.Flags().StringVar(&taskPriority, "priority", "", "按优先级过滤: low/medium/high/urgent")
	tasksListCmd.Flags().StringSliceVar(&taskTags, "tag", nil, "按标签过滤，可重复，命中任意一个即可")

	tasksAddCmd.Flags().StringVar(&taskDesc, "desc", "", "任务描述")
	tasksAddCmd.Flags().StringVar(&taskStatus, "status", "", "初始状态，默认 pending")
	tasksAddCmd.Flags().StringVar(&taskPriority, "priority", "", "优先级，默认 medium")
	tasksAddCmd.Flags().StringVar(&taskDue, "due", "", "截止时间，RFC3339 或 YYYY-MM-DD")
	tasksAddCmd.Flags().StringSliceVar(&taskTags, "tag", nil, "标签，可重复")

	tasksPruneCmd.Flags().IntVar(&taskPruneDays, "days", 30, "保留最近 N 天内更新过的完结任务")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksAddCmd)
	tasksCmd.AddCommand(tasksDoneCmd)
	tasksCmd.AddCommand(tasksPruneCmd)
}
