package host

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/opentiny/next-sdk/internal/llm"
	"github.com/opentiny/next-sdk/internal/llm/llmtest"
)

func streamOf(t *testing.T, chunks ...llm.Chunk) llm.Stream {
	t.Helper()
	g := llmtest.NewMockGateway("test").AddTurn(llmtest.MockTurn{Chunks: chunks})
	s, err := g.Stream(context.Background(), llm.Request{})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestParseStream_ArgumentsSplitAcrossChunks(t *testing.T) {
	fragments := []string{`{"ci`, `ty":`, `"Beij`, `ing"}`}
	chunks := []llm.Chunk{{ToolCalls: []llm.ToolCallDelta{{ID: "call_1", Name: "get_weather", Arguments: fragments[0]}}}}
	for _, f := range fragments[1:] {
		chunks = append(chunks, llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Arguments: f}}})
	}

	var events []Event
	res, err := ParseStream(context.Background(), streamOf(t, chunks...), func(ev Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("ParseStream: %v", err)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("tool calls=%+v", res.ToolCalls)
	}
	call := res.ToolCalls[0]
	if call.ID != "call_1" || call.Function.Name != "get_weather" || call.Type != llm.ToolCallType {
		t.Errorf("call=%+v", call)
	}
	if call.Function.Arguments != `{"city":"Beijing"}` {
		t.Errorf("arguments=%q", call.Function.Arguments)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil || args["city"] != "Beijing" {
		t.Errorf("arguments do not parse: %v %v", args, err)
	}

	if events[0].Kind != EventToolCallBegin || events[0].Text != "\n\nCalling tool: get_weather\n\nArguments: " {
		t.Errorf("first event=%+v", events[0])
	}
	var forwarded string
	for _, ev := range events[1:] {
		if ev.Kind != EventToolCallArgs || ev.ToolCallID != "call_1" {
			t.Errorf("unexpected event %+v", ev)
		}
		forwarded += ev.Text
	}
	if forwarded != call.Function.Arguments {
		t.Errorf("forwarded=%q", forwarded)
	}
}

func TestParseStream_TextOnly(t *testing.T) {
	var deltas []string
	res, err := ParseStream(context.Background(),
		streamOf(t, llm.Chunk{Text: "Hello"}, llm.Chunk{Text: ", world"}, llm.Chunk{FinishReason: "stop", Usage: &llm.Usage{InputTokens: 3, OutputTokens: 2}}),
		func(ev Event) { deltas = append(deltas, ev.Text) })
	if err != nil {
		t.Fatalf("ParseStream: %v", err)
	}
	if res.Text != "Hello, world" || len(res.ToolCalls) != 0 {
		t.Errorf("res=%+v", res)
	}
	if res.ToolCalls != nil {
		t.Errorf("tool calls should be nil, got %v", res.ToolCalls)
	}
	if diff := cmp.Diff([]string{"Hello", ", world"}, deltas); diff != "" {
		t.Errorf("deltas (-want +got):\n%s", diff)
	}
	if res.FinishReason != "stop" || res.Usage.InputTokens != 3 || res.Usage.OutputTokens != 2 {
		t.Errorf("finish/usage=%q %+v", res.FinishReason, res.Usage)
	}
}

func TestParseStream_MultipleCallsKeepFirstSeenOrder(t *testing.T) {
	var chunks []llm.Chunk
	chunks = append(chunks, llm.Chunk{Text: "Let me check."})
	chunks = append(chunks, llmtest.ToolCallChunks(0, "b_id", "beta", `{"x":1}`, 2)...)
	chunks = append(chunks, llmtest.ToolCallChunks(1, "a_id", "alpha", `{"y":2}`, 3)...)

	res, err := ParseStream(context.Background(), streamOf(t, chunks...), nil)
	if err != nil {
		t.Fatalf("ParseStream: %v", err)
	}
	want := []llm.ToolCall{
		{ID: "b_id", Type: "function", Function: llm.FunctionCall{Name: "beta", Arguments: `{"x":1}`}},
		{ID: "a_id", Type: "function", Function: llm.FunctionCall{Name: "alpha", Arguments: `{"y":2}`}},
	}
	if diff := cmp.Diff(want, res.ToolCalls); diff != "" {
		t.Errorf("tool calls (-want +got):\n%s", diff)
	}
	if res.Text != "Let me check." {
		t.Errorf("text=%q", res.Text)
	}
}

func TestParseStream_InterleavedByIndex(t *testing.T) {
	chunks := []llm.Chunk{
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "first", Name: "one"}, {Index: 1, ID: "second", Name: "two"}}},
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `{"a":`}}},
		{ToolCalls: []llm.ToolCallDelta{{Index: 1, Arguments: `{"b":`}}},
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `1}`}, {Index: 1, Arguments: `2}`}}},
	}
	res, err := ParseStream(context.Background(), streamOf(t, chunks...), nil)
	if err != nil {
		t.Fatalf("ParseStream: %v", err)
	}
	if got := res.ToolCalls[0].Function.Arguments; got != `{"a":1}` {
		t.Errorf("first args=%q", got)
	}
	if got := res.ToolCalls[1].Function.Arguments; got != `{"b":2}` {
		t.Errorf("second args=%q", got)
	}
}

func TestParseStream_MissingIDIsSynthesized(t *testing.T) {
	delta := llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: 2, Name: "lookup", Arguments: "{", Signature: []byte("sig")}}}
	rest := llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: 2, Arguments: "}"}}}

	seen := make(map[string]bool)
	for round := 0; round < 2; round++ {
		res, err := ParseStream(context.Background(), streamOf(t, delta, rest), nil)
		if err != nil {
			t.Fatalf("ParseStream: %v", err)
		}
		if len(res.ToolCalls) != 1 {
			t.Fatalf("calls=%+v", res.ToolCalls)
		}
		call := res.ToolCalls[0]
		if !strings.HasPrefix(call.ID, "call_") || call.Function.Arguments != "{}" {
			t.Errorf("call=%+v", call)
		}
		if string(call.Signature) != "sig" {
			t.Errorf("signature not carried: %q", call.Signature)
		}
		if seen[call.ID] {
			t.Errorf("id %q synthesized twice across streams", call.ID)
		}
		seen[call.ID] = true
	}
}

func TestParseStream_LateName(t *testing.T) {
	var begins int
	res, err := ParseStream(context.Background(), streamOf(t,
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{{ID: "c1"}}},
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Name: "late"}}},
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Arguments: "{}"}}},
	), func(ev Event) {
		if ev.Kind == EventToolCallBegin {
			begins++
		}
	})
	if err != nil {
		t.Fatalf("ParseStream: %v", err)
	}
	if res.ToolCalls[0].Function.Name != "late" || begins != 1 {
		t.Errorf("calls=%+v begins=%d", res.ToolCalls, begins)
	}
}

func TestParseStream_StreamError(t *testing.T) {
	g := llmtest.NewMockGateway("test").AddTurn(llmtest.MockTurn{
		Chunks:    []llm.Chunk{{Text: "partial"}},
		StreamErr: errors.New("connection reset"),
	})
	s, _ := g.Stream(context.Background(), llm.Request{})

	var text string
	_, err := ParseStream(context.Background(), s, func(ev Event) { text += ev.Text })
	if err == nil {
		t.Fatal("expected stream error")
	}
	if text != "partial" {
		t.Errorf("partial text should still be forwarded, got %q", text)
	}
}

func TestParseStream_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ParseStream(ctx, streamOf(t, llm.Chunk{Text: "x"}), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}
