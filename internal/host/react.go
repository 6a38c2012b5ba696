package host

import (
	"context"

	"github.com/google/uuid"

	"github.com/opentiny/next-sdk/internal/llm"
	"github.com/opentiny/next-sdk/internal/react"
)

// withReActPrompt returns a copy of messages whose leading system message also
// describes the tools and the ReAct response format.
func withReActPrompt(messages []llm.Message, tools []llm.ToolSpec) []llm.Message {
	out := make([]llm.Message, 0, len(messages)+1)
	if len(messages) > 0 && messages[0].Role == llm.RoleSystem {
		first := messages[0]
		first.Content = react.SystemPrompt(first.Content, tools)
		out = append(out, first)
		return append(out, messages[1:]...)
	}
	out = append(out, llm.SystemText(react.SystemPrompt("", tools)))
	return append(out, messages...)
}

// reactRound handles a completion from a model driven by ReAct prompting.
// An action becomes one synthetic tool call whose result is fed back as an
// "Observation:" user message. Unlike native calls, an unknown tool is
// reported to the model so it can correct itself.
func (h *Host) reactRound(ctx context.Context, parsed ParseResult, em *emitter) ([]llm.Message, string, bool, error) {
	step := react.Parse(parsed.Text)
	if step.IsFinal() {
		return []llm.Message{llm.AssistantText(parsed.Text)}, step.FinalAnswer, true, nil
	}

	call := llm.ToolCall{
		ID:       "call_" + uuid.NewString(),
		Type:     llm.ToolCallType,
		Function: llm.FunctionCall{Name: step.Action, Arguments: step.ActionInput},
	}
	em.emit(Event{Kind: EventToolCallBegin, ToolCallID: call.ID, ToolName: step.Action, Text: toolCallNotice(step.Action)})
	em.emit(Event{Kind: EventToolCallArgs, ToolCallID: call.ID, ToolName: step.Action, Text: step.ActionInput})

	h.setState(StateExecutingTools)
	results, err := h.executeRound(ctx, []llm.ToolCall{call}, em)
	if err != nil {
		return nil, "", false, err
	}
	return []llm.Message{
		llm.AssistantText(parsed.Text),
		llm.UserText(react.Observation(results[0].Content)),
	}, "", false, nil
}
