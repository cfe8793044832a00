package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/behflow/BehflowAgent/internal/config"
	"github.com/behflow/BehflowAgent/internal/storage"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd 是没有子命令时调用的基础命令
var rootCmd = &cobra.Command{
	Use:   "behagent",
	Short: "Behflow 是一个对话式任务管理助手",
	Long: `Behflow 用自然语言管理你的待办任务。
Agent 会在需要时调用内置工具来创建、更新、查询和删除任务。`,
}

// Execute 将所有子命令添加到根命令并适当设置标志。
// 这由 main.main() 调用。它只需要对 rootCmd 调用一次。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件（默认按 ./config.yaml、$HOME/.behagent/config.yaml 搜索）")
}

// initConfig 读取配置文件和环境变量（如果已设置）。
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
}

// ensureLocalUser 按用户名取本地用户，不存在时自动创建。
// 本地命令行场景不走登录流程，口令用随机串占位。
func ensureLocalUser(ctx context.Context, store *storage.Storage, username string) (*storage.User, error) {
	user, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	if user != nil {
		return user, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("生成口令失败: %w", err)
	}
	user = &storage.User{
		UserID:       uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Name:         username,
		IsActive:     true,
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("创建用户失败: %w", err)
	}
	return user, nil
}
