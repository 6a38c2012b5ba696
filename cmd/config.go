package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opentiny/next-sdk/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show next-sdk configuration",
	Long: `Show where next-sdk reads its configuration and what it resolved to.

Examples:
  next-sdk config path
  next-sdk config show`,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print configuration file path",
	RunE:  configPath,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (API keys masked)",
	RunE:  configShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configShowCmd)
}

func configPath(cmd *cobra.Command, args []string) error {
	path, err := config.GetConfigPath()
	if err != nil {
		return err
	}
	if configDir != "" {
		path = filepath.Join(configDir, "config.yaml")
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func configShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pc, err := cfg.Active()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "provider: %s\n", cfg.Provider)
	fmt.Fprintf(w, "model: %s\n", pc.Model)
	if pc.BaseURL != "" {
		fmt.Fprintf(w, "base_url: %s\n", pc.BaseURL)
	}
	fmt.Fprintf(w, "api_key: %s\n", maskKey(pc.APIKey))
	fmt.Fprintf(w, "host.max_iterations: %d\n", cfg.Host.MaxIterations)
	fmt.Fprintf(w, "host.collision_policy: %s\n", cfg.Host.CollisionPolicy)
	fmt.Fprintf(w, "host.concurrent_tools: %t\n", cfg.Host.ConcurrentTools)
	fmt.Fprintf(w, "host.react: %t\n", cfg.Host.ReAct)
	fmt.Fprintf(w, "sessions.enabled: %t\n", cfg.Sessions.Enabled)
	if path, err := cfg.SessionsPath(); err == nil && cfg.Sessions.Enabled {
		fmt.Fprintf(w, "sessions.path: %s\n", path)
	}
	if path, err := mcpConfigPath(cfg); err == nil {
		fmt.Fprintf(w, "mcp_config: %s\n", path)
	}
	return nil
}

// maskKey keeps the last four characters of a secret.
func maskKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 8:
		return "****"
	default:
		return "****" + key[len(key)-4:]
	}
}
