package host

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/opentiny/next-sdk/internal/llm"
)

// ParseResult is the assembled output of one streamed completion.
type ParseResult struct {
	Text         string
	ToolCalls    []llm.ToolCall // first-seen order
	FinishReason string
	Usage        llm.Usage
}

// toolCallNotice is the line shown when a tool call starts streaming.
func toolCallNotice(name string) string {
	return "\n\nCalling tool: " + name + "\n\nArguments: "
}

// accumulator rebuilds tool calls from raw deltas. Only the first delta of a
// call is required to carry the id; later fragments are attributed to the id
// last seen at the same index, or failing that to the last id seen at all.
type accumulator struct {
	calls     map[string]*pendingCall
	order     []string
	byIndex   map[int]string
	lastID    string
	announced map[string]bool
}

type pendingCall struct {
	call llm.ToolCall
	args strings.Builder
}

func newAccumulator() *accumulator {
	return &accumulator{
		calls:     make(map[string]*pendingCall),
		byIndex:   make(map[int]string),
		announced: make(map[string]bool),
	}
}

func (a *accumulator) resolveID(d llm.ToolCallDelta) string {
	if d.ID != "" {
		return d.ID
	}
	if id, ok := a.byIndex[d.Index]; ok {
		return id
	}
	if a.lastID != "" {
		return a.lastID
	}
	// History outlives one stream, so a made-up id must be unique per host.
	return "call_" + uuid.NewString()
}

// add applies one delta and reports the events it produces.
func (a *accumulator) add(d llm.ToolCallDelta, emit func(Event)) {
	id := a.resolveID(d)
	pc, ok := a.calls[id]
	if !ok {
		pc = &pendingCall{call: llm.ToolCall{ID: id, Type: llm.ToolCallType}}
		a.calls[id] = pc
		a.order = append(a.order, id)
	}
	a.lastID = id
	a.byIndex[d.Index] = id

	if d.Name != "" && pc.call.Function.Name == "" {
		pc.call.Function.Name = d.Name
	}
	if len(d.Signature) > 0 {
		pc.call.Signature = d.Signature
	}
	if pc.call.Function.Name != "" && !a.announced[id] {
		a.announced[id] = true
		emit(Event{Kind: EventToolCallBegin, ToolCallID: id, ToolName: pc.call.Function.Name, Text: toolCallNotice(pc.call.Function.Name)})
	}
	if d.Arguments != "" {
		pc.args.WriteString(d.Arguments)
		emit(Event{Kind: EventToolCallArgs, ToolCallID: id, ToolName: pc.call.Function.Name, Text: d.Arguments})
	}
}

func (a *accumulator) result() []llm.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	calls := make([]llm.ToolCall, 0, len(a.order))
	for _, id := range a.order {
		pc := a.calls[id]
		call := pc.call
		call.Function.Arguments = pc.args.String()
		calls = append(calls, call)
	}
	return calls
}

// ParseStream drains stream, forwarding text deltas and tool-call progress to
// sink as they arrive, and returns the assembled text and tool calls. The
// stream is always closed. A cancelled context stops parsing at the next chunk.
func ParseStream(ctx context.Context, stream llm.Stream, sink func(Event)) (ParseResult, error) {
	defer stream.Close()
	if sink == nil {
		sink = func(Event) {}
	}

	acc := newAccumulator()
	var res ParseResult
	var text strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return ParseResult{}, err
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ParseResult{}, err
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			sink(Event{Kind: EventTextDelta, Text: chunk.Text})
		}
		for _, d := range chunk.ToolCalls {
			acc.add(d, sink)
		}
		if chunk.FinishReason != "" {
			res.FinishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			res.Usage.InputTokens += chunk.Usage.InputTokens
			res.Usage.OutputTokens += chunk.Usage.OutputTokens
		}
	}

	res.Text = text.String()
	res.ToolCalls = acc.result()
	return res, nil
}
