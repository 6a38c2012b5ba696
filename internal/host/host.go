// Package host drives a conversation between a language model and a set of
// MCP tool providers: it discovers tools, streams completions, executes the
// tool calls the model asks for and feeds the results back until the model
// answers or the iteration budget runs out.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opentiny/next-sdk/internal/llm"
)

const (
	// DefaultMaxIterations bounds the tool rounds of one turn.
	DefaultMaxIterations = 3

	// DefaultSystemPrompt seeds every new conversation.
	DefaultSystemPrompt = "You are a helpful assistant with access to tools."
)

var (
	// ErrTurnInFlight is returned when ChatStream is called while another turn
	// on the same Host has not finished.
	ErrTurnInFlight = errors.New("a chat turn is already in progress")

	// ErrEmptyInput is returned for an Input without a message.
	ErrEmptyInput = errors.New("empty chat input")
)

// TurnOptions adjust a single turn.
type TurnOptions struct {
	Model         string
	MaxIterations int
	MaxTokens     int
}

// Input is the user side of a turn: either plain text or a message list, of
// which the last message is appended to history.
type Input struct {
	messages []llm.Message
	options  TurnOptions
}

// TextInput wraps a user message.
func TextInput(text string) Input {
	if text == "" {
		return Input{}
	}
	return Input{messages: []llm.Message{llm.UserText(text)}}
}

// MessagesInput wraps a message list with per-turn options. Only the last
// message is taken; earlier ones are assumed to be in history already.
func MessagesInput(messages []llm.Message, opts TurnOptions) Input {
	return Input{messages: messages, options: opts}
}

func (in Input) message() (llm.Message, error) {
	if len(in.messages) == 0 {
		return llm.Message{}, ErrEmptyInput
	}
	msg := in.messages[len(in.messages)-1]
	if msg.Role == "" {
		msg.Role = llm.RoleUser
	}
	return msg, nil
}

// Result summarizes a finished turn.
type Result struct {
	Text      string // text of the last completion
	State     State  // StateDone or StateExhausted on success
	Rounds    int    // tool rounds executed
	ToolCalls int    // tool invocations executed
	Usage     llm.Usage
	Err       error // set when the failure is delivered through OnDone
}

// CommitFunc is called with each batch of messages appended to history, in
// order. Errors are logged and do not affect the turn.
type CommitFunc func(ctx context.Context, messages []llm.Message) error

// Host owns one conversation. Its history and registry are not shared; turns
// on one Host are serialized.
type Host struct {
	gateway   llm.Gateway
	providers []ToolProvider
	registry  *Registry
	invoker   *Invoker
	logger    *slog.Logger

	systemPrompt    string
	model           string
	maxTokens       int
	maxIterations   int
	concurrentTools bool
	react           bool
	onCommit        CommitFunc

	registryOpts []RegistryOption

	running atomic.Bool

	mu       sync.Mutex
	messages []llm.Message
	state    State
}

// Option configures a Host.
type Option func(*Host)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(h *Host) {
		if prompt != "" {
			h.systemPrompt = prompt
		}
	}
}

// WithModel sets the model requested from the gateway. Empty uses the
// gateway default.
func WithModel(model string) Option {
	return func(h *Host) { h.model = model }
}

func WithMaxTokens(n int) Option {
	return func(h *Host) { h.maxTokens = n }
}

// WithMaxIterations sets the tool-round budget per turn.
func WithMaxIterations(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.maxIterations = n
		}
	}
}

// WithConcurrentTools runs the calls of one round concurrently. Results are
// still recorded in the order the model issued them.
func WithConcurrentTools(enabled bool) Option {
	return func(h *Host) { h.concurrentTools = enabled }
}

// WithReAct forces text-based ReAct prompting even when the gateway supports
// native tool calls.
func WithReAct(enabled bool) Option {
	return func(h *Host) { h.react = enabled }
}

// WithRegistryOptions configures the tool registry (collision policy, filter).
func WithRegistryOptions(opts ...RegistryOption) Option {
	return func(h *Host) { h.registryOpts = append(h.registryOpts, opts...) }
}

// WithOnCommit registers a callback for history appends, used to persist
// sessions incrementally.
func WithOnCommit(fn CommitFunc) Option {
	return func(h *Host) { h.onCommit = fn }
}

// New creates a Host. providers are consulted in order; on a tool-name
// collision the later provider wins unless the registry is configured
// otherwise.
func New(gateway llm.Gateway, providers []ToolProvider, opts ...Option) *Host {
	h := &Host{
		gateway:       gateway,
		providers:     providers,
		logger:        slog.Default(),
		systemPrompt:  DefaultSystemPrompt,
		maxIterations: DefaultMaxIterations,
		state:         StateAwaitingInput,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.registry = NewRegistry(append([]RegistryOption{WithRegistryLogger(h.logger)}, h.registryOpts...)...)
	h.invoker = NewInvoker(h.registry)
	return h
}

// Registry exposes the tool registry.
func (h *Host) Registry() *Registry {
	return h.registry
}

// State returns the loop state.
func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Host) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Messages returns a copy of the history.
func (h *Host) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return llm.CloneMessages(h.messages)
}

// SetMessages replaces the history, for example with a restored session.
// Resource messages found in it are marked as loaded so they are not
// injected twice.
func (h *Host) SetMessages(messages []llm.Message) {
	var entries []ResourceEntry
	for _, msg := range messages {
		if e, ok := ResourceEntryFromMessage(msg); ok {
			entries = append(entries, e)
		}
	}
	h.registry.Prime(entries)

	h.mu.Lock()
	h.messages = llm.CloneMessages(messages)
	h.mu.Unlock()
}

// ClearMessages empties the history. The next turn starts again from the
// system prompt followed by the resources already loaded.
func (h *Host) ClearMessages() {
	h.mu.Lock()
	h.messages = nil
	h.state = StateAwaitingInput
	h.mu.Unlock()
}

// ChatStream runs one turn. Text and tool-call progress are delivered to
// handler.OnData as they stream; tool execution and resource events go to
// handler.OnMessage. Exactly one of OnDone and OnError fires before
// ChatStream returns.
func (h *Host) ChatStream(ctx context.Context, in Input, handler Handler) (Result, error) {
	em := &emitter{h: handler}
	if !h.running.CompareAndSwap(false, true) {
		handler.finish(Result{}, ErrTurnInFlight)
		return Result{}, ErrTurnInFlight
	}
	defer h.running.Store(false)

	res, err := h.runTurn(ctx, in, em)
	if err != nil {
		h.setState(StateAwaitingInput)
		res.State = StateAwaitingInput
	} else {
		h.setState(res.State)
	}
	handler.finish(res, err)
	return res, err
}

// emitter serializes handler callbacks when tools run concurrently.
type emitter struct {
	mu sync.Mutex
	h  Handler
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.dispatch(ev)
}

func (h *Host) runTurn(ctx context.Context, in Input, em *emitter) (Result, error) {
	userMsg, err := in.message()
	if err != nil {
		return Result{}, err
	}
	budget := in.options.MaxIterations
	if budget <= 0 {
		budget = h.maxIterations
	}
	reactMode := h.react || !h.gateway.Capabilities().ToolCalls

	ctx = llm.ContextWithRetryNotifier(ctx, func(attempt, maxAttempts int, wait time.Duration, err error) {
		em.emit(Event{Kind: EventRetry, Attempt: attempt, MaxAttempts: maxAttempts, Wait: wait, Err: err})
	})

	h.seed(ctx)
	pending := []llm.Message{userMsg}

	var res Result
	for remaining := budget; remaining > 0; {
		if err := h.refresh(ctx, em, pending); err != nil {
			return res, err
		}
		pending = nil

		h.setState(StateGenerating)
		parsed, err := h.generate(ctx, in.options, reactMode, em)
		if err != nil {
			return res, err
		}
		res.Text = parsed.Text
		res.Usage.InputTokens += parsed.Usage.InputTokens
		res.Usage.OutputTokens += parsed.Usage.OutputTokens

		var round []llm.Message
		var answer string
		var done bool
		if reactMode {
			round, answer, done, err = h.reactRound(ctx, parsed, em)
		} else {
			round, answer, done, err = h.toolRound(ctx, parsed, em)
		}
		if err != nil {
			return res, err
		}
		if done {
			res.Text = answer
			h.commit(ctx, round...)
			res.State = StateDone
			return res, nil
		}
		h.commit(ctx, round...)
		res.Rounds++
		res.ToolCalls += len(round) - 1
		remaining--
	}

	res.State = StateExhausted
	return res, nil
}

// seed starts an empty history with the system prompt and the resources
// loaded earlier in this Host's lifetime.
func (h *Host) seed(ctx context.Context) {
	h.mu.Lock()
	empty := len(h.messages) == 0
	h.mu.Unlock()
	if !empty {
		return
	}
	msgs := []llm.Message{llm.SystemText(h.systemPrompt)}
	for _, e := range h.registry.Resources() {
		msgs = append(msgs, e.Message())
	}
	h.commit(ctx, msgs...)
}

// refresh re-discovers tools and commits newly loaded resources followed by
// any pending messages.
func (h *Host) refresh(ctx context.Context, em *emitter, pending []llm.Message) error {
	loaded, err := h.registry.Refresh(ctx, h.providers)
	if err != nil {
		return fmt.Errorf("refresh tools: %w", err)
	}
	msgs := make([]llm.Message, 0, len(loaded)+len(pending))
	for i := range loaded {
		em.emit(Event{Kind: EventResourceLoaded, Resource: &loaded[i]})
		msgs = append(msgs, loaded[i].Message())
	}
	msgs = append(msgs, pending...)
	h.commit(ctx, msgs...)
	return nil
}

func (h *Host) generate(ctx context.Context, opts TurnOptions, reactMode bool, em *emitter) (ParseResult, error) {
	req := llm.Request{
		Model:     opts.Model,
		Messages:  h.Messages(),
		MaxTokens: opts.MaxTokens,
	}
	if req.Model == "" {
		req.Model = h.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = h.maxTokens
	}
	specs := h.registry.Specs()
	if reactMode {
		req.Messages = withReActPrompt(req.Messages, specs)
	} else {
		req.Tools = specs
	}

	stream, err := h.gateway.Stream(ctx, req)
	if err != nil {
		return ParseResult{}, fmt.Errorf("%s: %w", h.gateway.Name(), err)
	}
	parsed, err := ParseStream(ctx, stream, em.emit)
	if err != nil {
		return ParseResult{}, fmt.Errorf("%s stream: %w", h.gateway.Name(), err)
	}
	return parsed, nil
}

// toolRound handles a native function-calling completion. Calls that resolve
// to no provider are dropped. With nothing left to run, the text is the final
// answer.
func (h *Host) toolRound(ctx context.Context, parsed ParseResult, em *emitter) ([]llm.Message, string, bool, error) {
	var calls []llm.ToolCall
	for _, call := range parsed.ToolCalls {
		if _, ok := h.registry.Resolve(call.Function.Name); !ok {
			h.logger.Debug("skipping call to unknown tool", "tool", call.Function.Name, "id", call.ID)
			continue
		}
		calls = append(calls, call)
	}
	if len(calls) == 0 {
		return []llm.Message{llm.AssistantText(parsed.Text)}, parsed.Text, true, nil
	}

	h.setState(StateExecutingTools)
	results, err := h.executeRound(ctx, calls, em)
	if err != nil {
		return nil, "", false, err
	}
	round := make([]llm.Message, 0, len(calls)+1)
	round = append(round, llm.AssistantToolCalls(synopsis(calls), calls))
	round = append(round, results...)
	return round, "", false, nil
}

func synopsis(calls []llm.ToolCall) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Function.Name
	}
	return "Calling tools: " + strings.Join(names, ", ")
}

// executeRound invokes every call and returns one tool message per call, in
// call order. Nothing is returned if ctx is cancelled, so a cancelled round
// leaves history untouched.
func (h *Host) executeRound(ctx context.Context, calls []llm.ToolCall, em *emitter) ([]llm.Message, error) {
	results := make([]llm.Message, len(calls))
	if h.concurrentTools && len(calls) > 1 {
		var g errgroup.Group
		for i, call := range calls {
			g.Go(func() error {
				results[i] = h.invokeOne(ctx, call, em)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, call := range calls {
			if ctx.Err() != nil {
				break
			}
			results[i] = h.invokeOne(ctx, call, em)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// invokeOne runs a call and converts every outcome, failures included, into a
// tool message answering call.ID.
func (h *Host) invokeOne(ctx context.Context, call llm.ToolCall, em *emitter) llm.Message {
	name := call.Function.Name
	em.emit(Event{Kind: EventToolExecStart, ToolCallID: call.ID, ToolName: name, Arguments: call.Function.Arguments})

	result, err := h.invoker.Invoke(ctx, call)
	var msg llm.Message
	switch {
	case err != nil:
		h.logger.Warn("tool call failed", "tool", name, "id", call.ID, "error", err)
		msg = llm.ToolErrorMessage(call.ID, name, err.Error())
	case result.IsError:
		msg = llm.ToolErrorMessage(call.ID, name, result.Text)
	default:
		msg = llm.ToolResultMessage(call.ID, name, result.Text)
	}

	em.emit(Event{
		Kind:       EventToolExecEnd,
		ToolCallID: call.ID,
		ToolName:   name,
		Arguments:  call.Function.Arguments,
		Result:     msg.Content,
		IsError:    err != nil || result.IsError,
	})
	return msg
}

// commit appends to history and reports the batch to the commit callback.
func (h *Host) commit(ctx context.Context, msgs ...llm.Message) {
	if len(msgs) == 0 {
		return
	}
	h.mu.Lock()
	h.messages = append(h.messages, msgs...)
	h.mu.Unlock()

	if h.onCommit == nil {
		return
	}
	if err := h.onCommit(context.WithoutCancel(ctx), llm.CloneMessages(msgs)); err != nil {
		h.logger.Warn("commit callback failed", "error", err)
	}
}
