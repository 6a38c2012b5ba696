package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/opentiny/next-sdk/internal/config"
	"github.com/opentiny/next-sdk/internal/llm"
	"github.com/opentiny/next-sdk/internal/mcp"
	"github.com/opentiny/next-sdk/internal/session"
)

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configDir != "" {
		cfg, err = config.LoadFrom(configDir)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func applyProviderOverrides(cfg *config.Config, providerFlag, modelFlag string) error {
	if providerFlag != "" {
		provider, model, err := llm.ParseProviderModel(providerFlag)
		if err != nil {
			return err
		}
		cfg.ApplyOverrides(string(provider), model)
	}
	cfg.ApplyOverrides("", modelFlag)
	return nil
}

// newLogger builds the stderr logger. --debug wins over log_level.
func newLogger(w io.Writer, level string, debug bool) *slog.Logger {
	var lvl slog.Level
	if debug {
		lvl = slog.LevelDebug
	} else if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func loadMCPConfig(cfg *config.Config) (*mcp.Config, error) {
	if cfg.MCPConfig != "" {
		return mcp.LoadConfigFromPath(cfg.MCPConfig)
	}
	return mcp.LoadConfig()
}

func mcpConfigPath(cfg *config.Config) (string, error) {
	if cfg.MCPConfig != "" {
		return cfg.MCPConfig, nil
	}
	return mcp.DefaultConfigPath()
}

func openSessionStore(cfg *config.Config) (session.Store, error) {
	path := ""
	if cfg.Sessions.Enabled {
		p, err := cfg.SessionsPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return session.NewStore(session.Config{
		Enabled:  cfg.Sessions.Enabled,
		Path:     path,
		MaxCount: cfg.Sessions.MaxCount,
	})
}

// splitList splits a comma-separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
