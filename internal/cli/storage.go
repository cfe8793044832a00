package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/behflow/BehflowAgent/internal/storage"
)

// storageCmd represents the storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "管理存储和数据库",
	Long:  `提供查看数据库概况、清理审计记录和过期令牌的命令。`,
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示数据库统计概况",
	Run:   runInfo,
}

// pruneAuditCmd represents the prune-audit command
var pruneAuditCmd = &cobra.Command{
	Use:   "prune-audit",
	Short: "清理工具调用审计记录",
	Long:  `根据指定的保留天数，清理旧的工具调用审计记录。`,
	Run:   runPruneAudit,
}

var keepAuditDays int

func init() {
	pruneAuditCmd.Flags().IntVar(&keepAuditDays, "days", 30, "保留最近 N 天的记录")

	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd)
	storageCmd.AddCommand(pruneAuditCmd)
	storageCmd.AddCommand(pruneTokensCmd)
}

func runPruneAudit(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	if keepAuditDays <= 0 {
		fmt.Println("Error: --days must be positive")
		cmd.Usage()
		os.Exit(1)
	}

	if cfg == nil {
		fmt.Println("Config not loaded")
		os.Exit(1)
	}

	fmt.Println("Opening database...")
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	before := time.Now().UTC().AddDate(0, 0, -keepAuditDays)
	fmt.Printf("Pruning tool call records older than %d days (before %s)...\n", keepAuditDays, before.Format(time.RFC3339))
	count, err := store.DeleteToolCallRecordsBefore(ctx, before)
	if err != nil {
		fmt.Printf("Error pruning: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Prune completed. Deleted %d records.\n", count)
}

// pruneTokensCmd represents the prune-tokens command
var pruneTokensCmd = &cobra.Command{
	Use:   "prune-tokens",
	Short: "清理过期登录令牌",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		if cfg == nil {
			fmt.Println("Config not loaded")
			os.Exit(1)
		}

		store, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			fmt.Printf("Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		count, err := store.DeleteExpiredAuthTokens(ctx, time.Now())
		if err != nil {
			fmt.Printf("Error pruning tokens: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Prune completed. Deleted %d tokens.\n", count)
	},
}

func runInfo(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	if cfg == nil {
		fmt.Println("Config not loaded")
		os.Exit(1)
	}

	// 1. 获取数据库文件信息
	dbPath := cfg.Storage.Path
	if !filepath.IsAbs(dbPath) {
		if absPath, err := filepath.Abs(dbPath); err == nil {
			dbPath = absPath
		}
	}

	var dbSizeStr string
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			dbSizeStr = "Not Found (Will be created on first run)"
		} else {
			dbSizeStr = fmt.Sprintf("Error: %v", err)
		}
	} else {
		sizeMB := float64(info.Size()) / 1024 / 1024
		dbSizeStr = fmt.Sprintf("%.2f MB (%s)", sizeMB, dbPath)
	}

	// 2. 连接数据库
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Printf("Database File: %s\n", dbSizeStr)
		fmt.Printf("Error opening database: %v\n", err)
		return
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		fmt.Printf("Error counting tables: %v\n", err)
		return
	}

	fmt.Printf("Database File: %s\n\n", dbSizeStr)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Table\tCount")
	fmt.Fprintln(w, "-----\t-----")
	fmt.Fprintf(w, "Users\t%d\n", counts.Users)
	fmt.Fprintf(w, "Tasks\t%d\n", counts.Tasks)
	fmt.Fprintf(w, "ChatSessions\t%d\n", counts.ChatSessions)
	fmt.Fprintf(w, "ChatMessages\t%d\n", counts.ChatMessages)
	fmt.Fprintf(w, "AuthTokens\t%d\n", counts.AuthTokens)
	fmt.Fprintf(w, "ToolCallRecords\t%d\n", counts.ToolCallRecords)
	fmt.Fprintf(w, "ProcessExecutions\t%d\n", counts.ProcessExecutions)
	w.Flush()
}
