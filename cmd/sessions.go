package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opentiny/next-sdk/internal/llm"
	"github.com/opentiny/next-sdk/internal/session"
)

var (
	sessionsProvider string
	sessionsLimit    int
	sessionsJSON     bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored chat sessions",
	Long: `List, show, and delete stored chat sessions.

Examples:
  next-sdk sessions                       # List recent sessions
  next-sdk sessions list --provider anthropic
  next-sdk sessions show <id>
  next-sdk sessions delete <id>`,
	RunE: runSessionsList, // Default to list
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show session details and history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	for _, c := range []*cobra.Command{sessionsCmd, sessionsListCmd} {
		c.Flags().StringVar(&sessionsProvider, "provider", "", "Filter by provider")
		c.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Max sessions to show")
	}
	sessionsShowCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

func getSessionStore() (session.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Sessions.Enabled {
		return nil, fmt.Errorf("session storage is disabled in config")
	}
	return openSessionStore(cfg)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := getSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(cmd.Context(), session.ListOptions{
		Provider: sessionsProvider,
		Limit:    sessionsLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	printSessionList(cmd.OutOrStdout(), summaries, time.Now())
	return nil
}

func printSessionList(w io.Writer, summaries []session.Summary, now time.Time) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}

	fmt.Fprintf(w, "%-10s %-30s %-14s %4s %5s %5s %-11s %s\n",
		"ID", "SUMMARY", "PROVIDER", "MSGS", "TURNS", "TOOLS", "TOKENS", "AGE")
	fmt.Fprintln(w, strings.Repeat("-", 96))

	for _, s := range summaries {
		summary := s.Summary
		if s.Name != "" {
			summary = s.Name
		}
		if len(summary) > 30 {
			summary = summary[:27] + "..."
		}
		fmt.Fprintf(w, "%-10s %-30s %-14s %4d %5d %5d %-11s %s\n",
			session.ShortID(s.ID), summary, s.Provider, s.MessageCount, s.Turns, s.ToolCalls,
			formatSessionTokens(s.InputTokens, s.OutputTokens), formatRelativeTime(s.UpdatedAt, now))
	}
}

// formatSessionTokens formats input/output tokens in compact form
func formatSessionTokens(input, output int) string {
	if input == 0 && output == 0 {
		return "-"
	}
	return fmt.Sprintf("%s/%s", formatSessionCount(input), formatSessionCount(output))
}

// formatSessionCount formats a number in compact form (e.g., 1k, 1.2k, 3.4M)
func formatSessionCount(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		val := float64(n) / 1000
		if val == float64(int(val)) {
			return fmt.Sprintf("%dk", int(val))
		}
		return fmt.Sprintf("%.1fk", val)
	}
	val := float64(n) / 1000000
	if val == float64(int(val)) {
		return fmt.Sprintf("%dM", int(val))
	}
	return fmt.Sprintf("%.1fM", val)
}

func formatRelativeTime(t, now time.Time) string {
	dur := now.Sub(t)
	switch {
	case dur < time.Minute:
		return "just now"
	case dur < time.Hour:
		return fmt.Sprintf("%dm ago", int(dur.Minutes()))
	case dur < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(dur.Hours()))
	case dur < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(dur.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := getSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	sess, err := resolveSession(ctx, store, args[0])
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}
	messages, err := store.GetMessages(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to get messages: %w", err)
	}

	w := cmd.OutOrStdout()
	if sessionsJSON {
		data := struct {
			Session  *session.Session `json:"session"`
			Messages []llm.Message    `json:"messages"`
		}{
			Session:  sess,
			Messages: messages,
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	printSession(w, sess, messages)
	return nil
}

func printSession(w io.Writer, sess *session.Session, messages []llm.Message) {
	fmt.Fprintf(w, "Session: %s\n", sess.ID)
	if sess.Name != "" {
		fmt.Fprintf(w, "Name: %s\n", sess.Name)
	}
	fmt.Fprintf(w, "Provider: %s\n", sess.Provider)
	fmt.Fprintf(w, "Model: %s\n", sess.Model)
	fmt.Fprintf(w, "Created: %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated: %s\n", sess.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Messages: %d\n", len(messages))
	fmt.Fprintf(w, "Turns: %d\n", sess.Turns)
	fmt.Fprintf(w, "Tool Rounds: %d\n", sess.Rounds)
	fmt.Fprintf(w, "Tool Calls: %d\n", sess.ToolCalls)
	fmt.Fprintf(w, "Tokens: %s (input: %d, output: %d)\n",
		formatSessionTokens(sess.InputTokens, sess.OutputTokens),
		sess.InputTokens, sess.OutputTokens)

	fmt.Fprintln(w)
	for _, msg := range messages {
		fmt.Fprintln(w, formatHistoryMessage(msg))
	}
}

// formatHistoryMessage renders one history entry on a single line.
func formatHistoryMessage(msg llm.Message) string {
	switch msg.Role {
	case llm.RoleAssistant:
		if len(msg.ToolCalls) > 0 {
			calls := make([]string, len(msg.ToolCalls))
			for i, c := range msg.ToolCalls {
				calls[i] = fmt.Sprintf("%s(%s)", c.Function.Name, c.Function.Arguments)
			}
			return "[assistant] → " + strings.Join(calls, ", ")
		}
	case llm.RoleTool:
		return fmt.Sprintf("[tool %s] %s", msg.Name, truncateLine(msg.Content, 120))
	case llm.RoleSystem:
		return "[system] " + truncateLine(msg.Content, 120)
	}
	return fmt.Sprintf("[%s] %s", msg.Role, msg.Content)
}

func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := getSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.WithoutCancel(cmd.Context())
	sess, err := resolveSession(ctx, store, args[0])
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, sess.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", session.ShortID(sess.ID))
	return nil
}
