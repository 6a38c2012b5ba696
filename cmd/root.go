package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configDir string
	debugLogs bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Directory containing config.yaml (default $XDG_CONFIG_HOME/next-sdk)")
	rootCmd.PersistentFlags().BoolVar(&debugLogs, "debug", false, "Emit debug logs on stderr")
}

var rootCmd = &cobra.Command{
	Use:   "next-sdk",
	Short: "Chat with an LLM that can call MCP tools",
	Long: `next-sdk connects a chat model to the tools and resources exposed by
MCP servers and runs the tool-calling loop for you.

Examples:
  next-sdk chat "What's the weather in Beijing?" --mcp weather
  next-sdk chat --provider anthropic:claude-sonnet-4-5
  next-sdk chat --session 3f2a9c1e               # resume a stored session

  next-sdk mcp list                              # configured MCP servers
  next-sdk mcp tools weather                     # tools a server exposes
  next-sdk sessions list                         # stored conversations`,
	Version:           Version,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
