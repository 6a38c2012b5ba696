package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opentiny/next-sdk/internal/host"
	"github.com/opentiny/next-sdk/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Inspect MCP (Model Context Protocol) servers",
	Long: `Inspect the MCP servers configured in mcp.json (or mcp.yaml).

Examples:
  next-sdk mcp list                    # list configured servers
  next-sdk mcp tools weather           # connect and list a server's tools
  next-sdk mcp path                    # print the config file location`,
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers",
	RunE:  mcpList,
}

var mcpToolsCmd = &cobra.Command{
	Use:   "tools [server...]",
	Short: "Connect to servers and list the tools the model would see",
	Long: `Connect to the given servers (all configured servers by default), run
tool discovery the same way chat does, and print the resulting tool set.
Collisions and the tools.enabled / tools.disabled filters are applied.`,
	RunE: mcpTools,
}

var mcpPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print MCP configuration file path",
	RunE:  mcpPath,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.AddCommand(mcpListCmd)
	mcpCmd.AddCommand(mcpToolsCmd)
	mcpCmd.AddCommand(mcpPathCmd)
}

func mcpList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mcpCfg, err := loadMCPConfig(cfg)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	path, _ := mcpConfigPath(cfg)
	printServers(cmd.OutOrStdout(), mcpCfg, path)
	return nil
}

func printServers(w io.Writer, cfg *mcp.Config, path string) {
	names := cfg.ServerNames()
	if len(names) == 0 {
		fmt.Fprintln(w, "No MCP servers configured.")
		fmt.Fprintf(w, "\nAdd servers to: %s\n", path)
		return
	}

	fmt.Fprintf(w, "Configured MCP servers (%d):\n\n", len(names))
	for _, name := range names {
		server := cfg.Servers[name]
		kind, err := server.TransportKind()
		if err != nil {
			fmt.Fprintf(w, "  %s (invalid: %v)\n", name, err)
			continue
		}
		fmt.Fprintf(w, "  %s [%s]\n", name, kind)
		if kind == mcp.TransportStdio {
			fmt.Fprintf(w, "    command: %s\n", strings.TrimSpace(server.Command+" "+strings.Join(server.Args, " ")))
		} else {
			fmt.Fprintf(w, "    url: %s\n", server.URL)
		}
		if len(server.Env) > 0 {
			fmt.Fprintf(w, "    env: %d variables\n", len(server.Env))
		}
		if len(server.Headers) > 0 {
			fmt.Fprintf(w, "    headers: %d\n", len(server.Headers))
		}
	}
	fmt.Fprintf(w, "\nConfig file: %s\n", path)
}

func mcpTools(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, debugLogs)

	manager, err := startMCP(ctx, cfg, logger, args)
	if err != nil {
		return err
	}
	defer manager.StopAll()

	for _, state := range manager.States() {
		if state.Status == mcp.StatusFailed {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: failed: %v\n", state.Name, state.Error)
		}
	}

	policy, err := host.ParseCollisionPolicy(cfg.Host.CollisionPolicy)
	if err != nil {
		return err
	}
	filter, err := host.NewToolFilter(cfg.Tools.Enabled, cfg.Tools.Disabled)
	if err != nil {
		return fmt.Errorf("invalid tools filter: %w", err)
	}
	registry := host.NewRegistry(host.WithRegistryLogger(logger), host.WithCollisionPolicy(policy), host.WithFilter(filter))
	if _, err := registry.Refresh(ctx, manager.Providers()); err != nil {
		return err
	}
	printRegistrations(cmd.OutOrStdout(), registry.Registrations(), registry.Tools())
	return nil
}

func printRegistrations(w io.Writer, regs []host.ClientRegistration, tools []host.ToolDescriptor) {
	if len(regs) == 0 {
		fmt.Fprintln(w, "No MCP servers connected.")
		return
	}
	byName := make(map[string]host.ToolDescriptor, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	for _, reg := range regs {
		fmt.Fprintf(w, "%s (%d tools)\n", reg.Provider.Name(), len(reg.ToolNames))
		for _, name := range reg.ToolNames {
			tool := byName[name]
			line := "  " + name + formatSchemaParams(tool.InputSchema, 5)
			if desc := firstLine(tool.Description); desc != "" {
				line += "  " + desc
			}
			fmt.Fprintln(w, line)
		}
	}
}

// formatSchemaParams renders a JSON schema's properties as "(a, b*, ...)",
// marking required ones with *.
func formatSchemaParams(schema map[string]any, maxParams int) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}
	required := make(map[string]bool)
	switch req := schema["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	case []string:
		for _, s := range req {
			required[s] = true
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	for i, name := range names {
		if i == maxParams {
			parts = append(parts, "...")
			break
		}
		if required[name] {
			name += "*"
		}
		parts = append(parts, name)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func mcpPath(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path, err := mcpConfigPath(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
