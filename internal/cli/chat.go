package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/behflow/BehflowAgent/internal/chat"
	"github.com/behflow/BehflowAgent/internal/logging"
	"github.com/behflow/BehflowAgent/internal/storage"
	"github.com/behflow/BehflowAgent/internal/tui"
	"github.com/behflow/BehflowAgent/internal/ui"
)

var (
	chatUser string
	chatUI   string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "进入交互式对话模式",
	Long: `进入一个简单的控制台 REPL，用自然语言管理你的任务。
在必要时，Agent 会调用内置工具来创建、更新、查询或删除任务。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

		logger, err := logging.New(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("初始化日志失败: %w", err)
		}
		defer logger.Sync()

		store, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("打开存储失败: %w", err)
		}
		defer store.Close()

		user, err := ensureLocalUser(ctx, store, chatUser)
		if err != nil {
			return err
		}

		svc, err := chat.NewService(ctx, cfg.Ark, cfg.Agent, store, logger)
		if err != nil {
			return fmt.Errorf("构建对话服务失败: %w", err)
		}

		var uiImpl ui.ChatUI
		switch chatUI {
		case "console", "":
			uiImpl = &ui.ConsoleChatUI{In: os.Stdin, Out: os.Stdout}
		case "tui":
			uiImpl = &tui.ChatUI{}
		default:
			return fmt.Errorf("未知 ui 类型: %s (支持: console, tui)", chatUI)
		}

		return uiImpl.Run(ctx, svc, user.UserID)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "本地用户名，不存在时自动创建")
	chatCmd.Flags().StringVar(&chatUI, "ui", "console", "交互界面类型: console/tui")
}
