package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opentiny/next-sdk/internal/config"
	"github.com/opentiny/next-sdk/internal/host"
	"github.com/opentiny/next-sdk/internal/llm"
	"github.com/opentiny/next-sdk/internal/mcp"
	"github.com/opentiny/next-sdk/internal/session"
	"github.com/opentiny/next-sdk/internal/signal"
)

var (
	chatProvider        string
	chatModel           string
	chatMCP             string
	chatMaxIterations   int
	chatSession         string
	chatReAct           bool
	chatConcurrentTools bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the model, letting it call MCP tools",
	Long: `Send a message and stream the reply. Tool calls requested by the model
are executed against the connected MCP servers and fed back until the model
answers or the iteration budget is spent.

Without a message, chat reads one from stdin, or starts an interactive
session when stdin is a terminal. Ctrl+C cancels the running turn.

Examples:
  next-sdk chat "What's the weather in Beijing?"
  next-sdk chat --mcp weather,docs
  next-sdk chat --provider deepseek --react
  echo "summarize README.md" | next-sdk chat --mcp filesystem

Interactive commands:
  /clear       - Clear conversation
  /tools       - List available tools
  /quit        - Exit chat`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatProvider, "provider", "p", "", "Override provider, optionally with model (e.g., openai:gpt-4o)")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "Override model for the active provider")
	chatCmd.Flags().StringVar(&chatMCP, "mcp", "", "MCP server(s) to connect, comma-separated (default: all configured)")
	chatCmd.Flags().IntVar(&chatMaxIterations, "max-iterations", 0, "Max tool rounds per turn (default from config)")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Resume a stored session by id or id prefix")
	chatCmd.Flags().BoolVar(&chatReAct, "react", false, "Describe tools in the prompt instead of using native tool calls")
	chatCmd.Flags().BoolVar(&chatConcurrentTools, "concurrent-tools", false, "Run the tool calls of one round concurrently")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyProviderOverrides(cfg, chatProvider, chatModel); err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, debugLogs)

	gateway, err := llm.NewGateway(cfg, nil)
	if err != nil {
		return err
	}

	manager, err := startMCP(ctx, cfg, logger, splitList(chatMCP))
	if err != nil {
		return err
	}
	defer manager.StopAll()

	store, err := openSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	sess, history, err := openChatSession(ctx, store, cfg, chatSession)
	if err != nil {
		return err
	}

	opts, err := hostOptions(cfg, logger)
	if err != nil {
		return err
	}
	c := &chatRunner{
		store:  store,
		sess:   sess,
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
		logger: logger,
	}
	c.host = host.New(gateway, manager.Providers(), append(opts, host.WithOnCommit(c.commit))...)
	if len(history) > 0 {
		c.host.SetMessages(history)
	}

	if len(args) > 0 {
		return c.turn(ctx, strings.Join(args, " "))
	}
	stdin := cmd.InOrStdin()
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		stop()
		return c.repl(cmd.Context(), stdin)
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return c.turn(ctx, strings.TrimSpace(string(data)))
}

// startMCP connects the named servers, or every configured server when names
// is empty. Servers that fail to start are logged and skipped.
func startMCP(ctx context.Context, cfg *config.Config, logger *slog.Logger, names []string) (*mcp.Manager, error) {
	mcpCfg, err := loadMCPConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("load MCP config: %w", err)
	}
	manager := mcp.NewManager(mcpCfg, logger)
	if len(names) == 0 && len(mcpCfg.Servers) == 0 {
		return manager, nil
	}
	if err := manager.Start(ctx, names...); err != nil {
		manager.StopAll()
		return nil, err
	}
	return manager, nil
}

// hostOptions translates config into host options.
func hostOptions(cfg *config.Config, logger *slog.Logger) ([]host.Option, error) {
	policy, err := host.ParseCollisionPolicy(cfg.Host.CollisionPolicy)
	if err != nil {
		return nil, err
	}
	filter, err := host.NewToolFilter(cfg.Tools.Enabled, cfg.Tools.Disabled)
	if err != nil {
		return nil, fmt.Errorf("invalid tools filter: %w", err)
	}
	pc, err := cfg.Active()
	if err != nil {
		return nil, err
	}

	maxIterations := cfg.Host.MaxIterations
	if chatMaxIterations > 0 {
		maxIterations = chatMaxIterations
	}
	return []host.Option{
		host.WithLogger(logger),
		host.WithSystemPrompt(cfg.Host.SystemPrompt),
		host.WithModel(pc.Model),
		host.WithMaxTokens(cfg.Host.MaxTokens),
		host.WithMaxIterations(maxIterations),
		host.WithConcurrentTools(cfg.Host.ConcurrentTools || chatConcurrentTools),
		host.WithReAct(cfg.Host.ReAct || chatReAct),
		host.WithRegistryOptions(
			host.WithRegistryLogger(logger),
			host.WithCollisionPolicy(policy),
			host.WithFilter(filter),
		),
	}, nil
}

// openChatSession resumes ref when set, otherwise creates a new session.
func openChatSession(ctx context.Context, store session.Store, cfg *config.Config, ref string) (*session.Session, []llm.Message, error) {
	if ref != "" {
		sess, err := resolveSession(ctx, store, ref)
		if err != nil {
			return nil, nil, err
		}
		history, err := store.GetMessages(ctx, sess.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("load session messages: %w", err)
		}
		return sess, history, nil
	}

	pc, err := cfg.Active()
	if err != nil {
		return nil, nil, err
	}
	sess := &session.Session{Provider: cfg.Provider, Model: pc.Model}
	if err := store.Create(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil, nil
}

// resolveSession looks a session up by full id, then by unique id prefix.
func resolveSession(ctx context.Context, store session.Store, ref string) (*session.Session, error) {
	sess, err := store.Get(ctx, ref)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	summaries, err := store.List(ctx, session.ListOptions{Limit: -1})
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, s := range summaries {
		if strings.HasPrefix(s.ID, ref) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, ref)
	case 1:
		return store.Get(ctx, matches[0])
	default:
		return nil, fmt.Errorf("session prefix %q is ambiguous (%d matches)", ref, len(matches))
	}
}

type chatRunner struct {
	host   *host.Host
	store  session.Store
	sess   *session.Session
	out    io.Writer
	errOut io.Writer
	logger *slog.Logger
}

// commit persists each batch the host appends to history.
func (c *chatRunner) commit(ctx context.Context, msgs []llm.Message) error {
	return c.store.AddMessages(ctx, c.sess.ID, msgs)
}

// clear empties the conversation and continues it in a fresh session.
func (c *chatRunner) clear(ctx context.Context) error {
	next := &session.Session{Provider: c.sess.Provider, Model: c.sess.Model}
	if err := c.store.Create(ctx, next); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c.host.ClearMessages()
	c.sess = next
	return nil
}

func (c *chatRunner) turn(ctx context.Context, text string) error {
	p := &chatPrinter{out: c.out, errOut: c.errOut}
	res, err := c.host.ChatStream(ctx, host.TextInput(text), p.handler())
	p.finish()
	if err != nil {
		return err
	}
	if res.State == host.StateExhausted {
		fmt.Fprintln(c.errOut, "(stopped: iteration budget exhausted)")
	}

	metrics := session.Metrics{
		Turns:        1,
		Rounds:       res.Rounds,
		ToolCalls:    res.ToolCalls,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
	}
	if err := c.store.UpdateMetrics(context.WithoutCancel(ctx), c.sess.ID, metrics); err != nil {
		c.logger.Warn("failed to update session metrics", "session", c.sess.ID, "error", err)
	}
	return nil
}

// repl reads one message per line. Each turn gets its own interrupt context
// so Ctrl+C cancels the turn without leaving the session.
func (c *chatRunner) repl(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(c.errOut, "Session %s. Type /quit to exit.\n", session.ShortID(c.sess.ID))
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(c.errOut, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.errOut)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			if err := c.clear(ctx); err != nil {
				fmt.Fprintf(c.errOut, "error: %v\n", err)
			} else {
				fmt.Fprintf(c.errOut, "(conversation cleared, session %s)\n", session.ShortID(c.sess.ID))
			}
			continue
		case "/tools":
			for _, tool := range c.host.Registry().Tools() {
				fmt.Fprintf(c.out, "  %s  %s\n", tool.Name, firstLine(tool.Description))
			}
			continue
		}

		turnCtx, stop := signal.InterruptContext(ctx)
		err := c.turn(turnCtx, line)
		stop()
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			fmt.Fprintln(c.errOut, "(cancelled)")
		default:
			fmt.Fprintf(c.errOut, "error: %v\n", err)
		}
	}
}

// chatPrinter writes model text to out and tool activity to errOut.
type chatPrinter struct {
	out    io.Writer
	errOut io.Writer
	inArgs bool
	wrote  bool
}

func (p *chatPrinter) handler() host.Handler {
	return host.Handler{
		OnData:    p.onData,
		OnMessage: p.onMessage,
	}
}

func (p *chatPrinter) onData(ev host.Event) {
	switch ev.Kind {
	case host.EventTextDelta:
		p.endArgs()
		fmt.Fprint(p.out, ev.Text)
		p.wrote = ev.Text != "" && !strings.HasSuffix(ev.Text, "\n")
	case host.EventToolCallBegin:
		p.endArgs()
		fmt.Fprint(p.errOut, strings.TrimLeft(ev.Text, "\n"))
		p.inArgs = true
	case host.EventToolCallArgs:
		fmt.Fprint(p.errOut, ev.Text)
	}
}

func (p *chatPrinter) onMessage(ev host.Event) {
	p.endArgs()
	switch ev.Kind {
	case host.EventToolExecEnd:
		if ev.IsError {
			fmt.Fprintf(p.errOut, "✗ %s: %s\n", ev.ToolName, firstLine(ev.Result))
		} else {
			fmt.Fprintf(p.errOut, "✓ %s\n", ev.ToolName)
		}
	case host.EventResourceLoaded:
		fmt.Fprintf(p.errOut, "• loaded resource %s\n", ev.Resource.Descriptor.URI)
	case host.EventRetry:
		fmt.Fprintf(p.errOut, "… retrying (%d/%d) in %s: %v\n", ev.Attempt, ev.MaxAttempts, ev.Wait.Round(100*time.Millisecond), ev.Err)
	}
}

func (p *chatPrinter) endArgs() {
	if p.inArgs {
		fmt.Fprintln(p.errOut)
		p.inArgs = false
	}
}

// finish terminates the reply line.
func (p *chatPrinter) finish() {
	p.endArgs()
	if p.wrote {
		fmt.Fprintln(p.out)
		p.wrote = false
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + "…"
	}
	return s
}
