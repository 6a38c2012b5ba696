package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opentiny/next-sdk/internal/llm"
)

// ErrToolNotFound is returned by Invoke when no provider owns the tool.
var ErrToolNotFound = errors.New("tool not found")

// ToolResult is the outcome of one invocation.
type ToolResult struct {
	Call    llm.ToolCall
	Text    string          // normalized content
	Raw     *CallToolResult // as returned by the provider
	IsError bool            // the provider flagged the result as an error
}

// Invoker executes resolved tool calls against their owning provider.
type Invoker struct {
	registry *Registry
}

func NewInvoker(registry *Registry) *Invoker {
	return &Invoker{registry: registry}
}

// Invoke runs one tool call. Malformed arguments are replaced by an empty
// object rather than failing the call.
func (inv *Invoker) Invoke(ctx context.Context, call llm.ToolCall) (ToolResult, error) {
	name := call.Function.Name
	provider, ok := inv.registry.Resolve(name)
	if !ok {
		return ToolResult{Call: call}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	raw, err := provider.CallTool(ctx, name, parseArguments(call.Function.Arguments))
	if err != nil {
		return ToolResult{Call: call}, err
	}
	if raw == nil {
		raw = &CallToolResult{}
	}
	return ToolResult{
		Call:    call,
		Text:    NormalizeContent(raw.Content),
		Raw:     raw,
		IsError: raw.IsError,
	}, nil
}

func parseArguments(s string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(s), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// NormalizeContent flattens tool result content into one string: text parts
// contribute their text and every other part its data, in order.
func NormalizeContent(parts []ContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind == ContentText {
			b.WriteString(p.Text)
		} else {
			b.WriteString(p.Data)
		}
	}
	return b.String()
}
