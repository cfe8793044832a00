package cli

import (
	"context"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/behflow/BehflowAgent/internal/auth"
	"github.com/behflow/BehflowAgent/internal/logging"
	"github.com/behflow/BehflowAgent/internal/storage"
)

// usersCmd 管理 HTTP API 的注册用户。
var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "管理 API 用户",
}

var (
	registerName     string
	registerLastname string
)

var usersRegisterCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "注册新用户（口令从终端读取）",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		fmt.Print("口令: ")
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("读取口令失败: %w", err)
		}

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

		svc := auth.NewService(store, cfg.Auth.TokenTTL, logger)
		user, err := svc.Register(ctx, args[0], string(password), registerName, registerLastname)
		if err != nil {
			return fmt.Errorf("注册失败: %w", err)
		}

		fmt.Printf("已创建用户 %s (%s)\n", user.Username, user.UserID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(usersCmd)
	usersRegisterCmd.Flags().StringVar(&registerName, "name", "", "姓名")
	usersRegisterCmd.Flags().StringVar(&registerLastname, "lastname", "", "姓氏")
	usersCmd.AddCommand(usersRegisterCmd)
}
