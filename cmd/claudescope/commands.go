package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nkall/claudescope/internal/cli"
	"github.com/nkall/claudescope/internal/event"
	"github.com/nkall/claudescope/internal/wrapper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func runStatus() error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	var st struct {
		UptimeSeconds int64 `json:"uptimeSeconds"`
		Sessions      int   `json:"sessions"`
		Wrappers      int   `json:"wrappers"`
		UIClients     int   `json:"uiClients"`
		Watermark     int64 `json:"watermark"`
		DedupSize     int   `json:"dedupSize"`
	}
	if err := c.CallInto("status", nil, &st); err != nil {
		return err
	}

	fmt.Printf("daemon up %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Printf("  sessions:   %d\n", st.Sessions)
	fmt.Printf("  wrappers:   %d\n", st.Wrappers)
	fmt.Printf("  ui clients: %d\n", st.UIClients)
	fmt.Printf("  watermark:  %s\n", formatTimestamp(st.Watermark))
	fmt.Printf("  dedup ids:  %d\n", st.DedupSize)
	return nil
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")
		return runSessions(status, limit, all)
	},
}

func runSessions(status string, limit int, showHidden bool) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	var sessions []*event.SessionMeta
	params := map[string]any{"status": status, "limit": limit, "showHidden": showHidden}
	if err := c.CallInto("get_sessions", params, &sessions); err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	for _, s := range sessions {
		marker := " "
		if s.IsPinned {
			marker = cli.Styled(cli.Bullet, cli.Yellow)
		}
		label := s.Label
		if label == "" {
			label = s.WorkingDirectory
		}
		fmt.Printf("%s %-14s %s %8s  %s\n",
			marker,
			shortID(s.SessionID),
			cli.SessionStatus(fmt.Sprintf("%-9s", s.Status)),
			formatTokens(s.TokenUsage),
			cli.Dimmed(label))
	}
	return nil
}

var sessionCmd = &cobra.Command{
	Use:   "session <session-id>",
	Short: "Show one session in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(args[0])
	},
}

func runSession(sessionID string) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	var s event.SessionMeta
	if err := c.CallInto("get_session", map[string]string{"sessionId": sessionID}, &s); err != nil {
		return err
	}

	fmt.Printf("session %s\n", cli.Bolden(s.SessionID))
	fmt.Printf("  status:  %s\n", cli.SessionStatus(string(s.Status)))
	fmt.Printf("  started: %s\n", formatTimestamp(s.StartTime))
	if s.EndTime > 0 {
		fmt.Printf("  ended:   %s\n", formatTimestamp(s.EndTime))
	}
	if s.ParentSessionID != "" {
		fmt.Printf("  parent:  %s\n", s.ParentSessionID)
	}
	if len(s.ChildSessionIDs) > 0 {
		fmt.Printf("  children: %s\n", strings.Join(s.ChildSessionIDs, ", "))
	}
	if s.AgentType != "" {
		fmt.Printf("  agent:   %s\n", s.AgentType)
	}
	fmt.Printf("  cwd:     %s\n", s.WorkingDirectory)
	fmt.Printf("  tokens:  in=%d out=%d cacheRead=%d cacheCreate=%d\n",
		s.TokenUsage.TotalInput, s.TokenUsage.TotalOutput,
		s.TokenUsage.TotalCacheRead, s.TokenUsage.TotalCacheCreation)
	return nil
}

var eventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Show a session's event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		before, _ := cmd.Flags().GetInt64("before")
		return runEvents(args[0], before, limit)
	},
}

func runEvents(sessionID string, before int64, limit int) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	var events []*event.MonitorEvent
	params := map[string]any{"sessionId": sessionID, "before": before, "limit": limit}
	if err := c.CallInto("get_events", params, &events); err != nil {
		return err
	}

	for _, e := range events {
		detail := ""
		switch {
		case e.Data.ToolName != "":
			detail = e.Data.ToolName
		case e.Data.Message != "":
			detail = truncate(e.Data.Message, 60)
		case e.Data.Error != "":
			detail = truncate(e.Data.Error, 60)
		}
		fmt.Printf("%s  %-18s %s\n", formatTimestamp(e.Timestamp), e.EventType, detail)
	}
	return nil
}

var deleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.CallInto("delete_session", map[string]string{"sessionId": args[0]}, nil); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	},
}

var wrapperCmd = &cobra.Command{
	Use:   "wrapper",
	Short: "Manage PTY-wrapped agent processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWrapperList()
	},
}

var wrapperSpawnCmd = &cobra.Command{
	Use:   "spawn <cwd> [args...]",
	Short: "Spawn a wrapped agent process",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cols, _ := cmd.Flags().GetUint16("cols")
		rows, _ := cmd.Flags().GetUint16("rows")
		return runWrapperSpawn(args[0], args[1:], cols, rows)
	},
}

func runWrapperSpawn(cwd string, args []string, cols, rows uint16) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	var s wrapper.Session
	params := map[string]any{"cwd": cwd, "args": args, "cols": cols, "rows": rows}
	if err := c.CallInto("spawn_wrapper", params, &s); err != nil {
		return err
	}
	fmt.Printf("spawned wrapper %s (pid %d)\n", s.WrapperID, s.PID)
	return nil
}

var wrapperListCmd = &cobra.Command{
	Use:   "list",
	Short: "List wrapper sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWrapperList()
	},
}

func runWrapperList() error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	var wrappers []wrapper.Session
	if err := c.CallInto("list_wrappers", nil, &wrappers); err != nil {
		return err
	}

	if len(wrappers) == 0 {
		fmt.Println("no wrappers")
		return nil
	}
	for _, w := range wrappers {
		session := w.ClaudeSessionID
		if session == "" {
			session = "-"
		}
		fmt.Printf("%s  pid=%-6d %s session=%s  %s\n",
			w.WrapperID, w.PID,
			cli.WrapperState(fmt.Sprintf("%-13s", w.State)),
			shortID(session), w.Cwd)
	}
	return nil
}

var wrapperKillCmd = &cobra.Command{
	Use:   "kill <wrapper-id>",
	Short: "Terminate a wrapper process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.CallInto("kill_wrapper", map[string]string{"wrapperId": args[0]}, nil); err != nil {
			return err
		}
		fmt.Println("killed")
		return nil
	},
}

var wrapperResizeCmd = &cobra.Command{
	Use:   "resize <wrapper-id> <cols> <rows>",
	Short: "Resize a wrapper's terminal",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cols, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid cols: %q", args[1])
		}
		rows, err := strconv.ParseUint(args[2], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid rows: %q", args[2])
		}

		c, err := getClient()
		if err != nil {
			return err
		}
		defer c.Close()

		params := map[string]any{"wrapperId": args[0], "cols": cols, "rows": rows}
		if err := c.CallInto("resize_wrapper", params, nil); err != nil {
			return err
		}
		fmt.Printf("resized to %dx%d\n", cols, rows)
		return nil
	},
}

var wrapperInjectCmd = &cobra.Command{
	Use:   "inject <wrapper-id> <input>",
	Short: "Write input to a wrapper waiting for it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getClient()
		if err != nil {
			return err
		}
		defer c.Close()

		input := strings.ReplaceAll(args[1], `\n`, "\n")
		_, err = c.Call("inject_input", map[string]string{
			"wrapperId": args[0],
			"input":     input,
		})
		if err != nil {
			return err
		}
		fmt.Println("injected")
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func formatTokens(u event.SessionTokenUsage) string {
	total := u.TotalInput + u.TotalOutput
	switch {
	case total >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(total)/1_000_000)
	case total >= 1_000:
		return fmt.Sprintf("%.1fk", float64(total)/1_000)
	default:
		return fmt.Sprintf("%d", total)
	}
}
