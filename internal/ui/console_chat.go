package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

type ConsoleChatUI struct {
	In  io.Reader
	Out io.Writer
}

func (u *ConsoleChatUI) Run(ctx context.Context, backend ChatBackend, userID string) error {
	in := u.In
	if in == nil {
		return fmt.Errorf("console ui: In is nil")
	}
	out := u.Out
	if out == nil {
		return fmt.Errorf("console ui: Out is nil")
	}

	reader := bufio.NewReader(in)
	sessionID := ""

	fmt.Fprintln(out, "进入 Behflow 对话模式。输入 exit/quit 退出。")
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "已退出。")
			return nil
		default:
		}

		fmt.Fprint(out, "你: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(out, "已退出。")
				return nil
			}
			return fmt.Errorf("读取输入失败: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit":
			fmt.Fprintln(out, "已退出。")
			return nil
		}

		res, err := backend.HandleChat(ctx, userID, sessionID, line)
		if err != nil {
			return err
		}
		// 首轮之后沿用同一会话，历史由服务层回放
		sessionID = res.SessionID

		reply := strings.TrimSpace(res.Reply)
		if reply == "" {
			fmt.Fprintln(out, "助手: (无文本输出)")
		} else {
			fmt.Fprintf(out, "助手: %s\n", reply)
		}
		fmt.Fprintln(out)
	}
}
