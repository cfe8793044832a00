package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/behflow/BehflowAgent/internal/auth"
	"github.com/behflow/BehflowAgent/internal/chat"
	"github.com/behflow/BehflowAgent/internal/logging"
	"github.com/behflow/BehflowAgent/internal/scheduler"
	"github.com/behflow/BehflowAgent/internal/server"
	"github.com/behflow/BehflowAgent/internal/storage"
)

// serveCmd 代表 serve 命令
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 Behflow HTTP 服务",
	Long: `启动 Behflow 后台服务。
这将初始化数据库，启动 HTTP API 和后台定时流程（过期任务改期、数据清理）。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		logger, err := logging.New(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("初始化日志失败: %w", err)
		}
		defer logger.Sync()

		fmt.Println("正在初始化存储...")
		store, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("打开存储失败: %w", err)
		}
		defer store.Close()

		fmt.Println("正在构建对话服务...")
		chatSvc, err := chat.NewService(ctx, cfg.Ark, cfg.Agent, store, logger)
		if err != nil {
			return fmt.Errorf("构建对话服务失败: %w", err)
		}
		authSvc := auth.NewService(store, cfg.Auth.TokenTTL, logger)

		fmt.Println("正在初始化后台流程...")
		mgr := scheduler.NewManager(cfg.Scheduler)

		resched, err := scheduler.NewRescheduler(store, logger)
		if err != nil {
			return fmt.Errorf("创建改期流程失败: %w", err)
		}
		sweeper, err := scheduler.NewRetentionSweeper(store, logger)
		if err != nil {
			return fmt.Errorf("创建清理流程失败: %w", err)
		}
		mgr.WithRescheduler(resched).WithRetention(sweeper)

		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("启动后台流程失败: %w", err)
		}

		srv := server.New(cfg.Server, store, authSvc, chatSvc, logger)

		errChan := make(chan error, 1)
		go func() {
			errChan <- srv.Start()
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		fmt.Printf("Behflow 已启动，监听 %s:%d。按 Ctrl+C 停止。\n", cfg.Server.Host, cfg.Server.Port)

		select {
		case sig := <-sigChan:
			fmt.Printf("收到信号: %s, 正在关闭...\n", sig)
		case err := <-errChan:
			if err != nil {
				mgr.Stop()
				_ = mgr.Wait()
				return err
			}
		case <-ctx.Done():
			fmt.Println("上下文已取消, 正在关闭...")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			fmt.Printf("HTTP 服务关闭出错: %v\n", err)
		}

		mgr.Stop()
		if err := mgr.Wait(); err != nil {
			return fmt.Errorf("后台流程停止时发生错误: %w", err)
		}

		fmt.Println("关闭完成。")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
