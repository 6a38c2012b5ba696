package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func collectChunks(t *testing.T, stream Stream) []Chunk {
	t.Helper()
	defer stream.Close()
	var chunks []Chunk
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		chunks = append(chunks, chunk)
	}
}

func TestOpenAICompatStream_RawToolDeltas(t *testing.T) {
	var gotReq oaiChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization=%q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`{"choices":[{"index":0,"delta":{"content":"Let me check"}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Beijing\"}"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":12,"completion_tokens":7}}`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	g := NewOpenAICompatGateway(server.URL+"/v1/", "secret", "local-model", "Local", nil)
	stream, err := g.Stream(context.Background(), Request{
		Messages: []Message{SystemText("sys"), UserText("weather?")},
		Tools: []ToolSpec{{Name: "get_weather", Schema: map[string]any{
			"$schema": "http://json-schema.org/draft-07/schema#",
		}}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	chunks := collectChunks(t, stream)

	if gotReq.Model != "local-model" || !gotReq.Stream {
		t.Fatalf("unexpected request %+v", gotReq)
	}
	if len(gotReq.Tools) != 1 {
		t.Fatalf("expected one tool, got %d", len(gotReq.Tools))
	}
	params := gotReq.Tools[0].Function.Parameters
	if params["type"] != "object" {
		t.Fatalf("schema type not normalized: %v", params)
	}
	if _, ok := params["$schema"]; ok {
		t.Fatalf("$schema should be stripped: %v", params)
	}

	if len(chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Text != "Let me check" {
		t.Fatalf("text=%q", chunks[0].Text)
	}
	if d := chunks[1].ToolCalls[0]; d.ID != "call_1" || d.Name != "get_weather" {
		t.Fatalf("header delta=%+v", d)
	}
	var args strings.Builder
	for _, c := range chunks[2:4] {
		if c.ToolCalls[0].ID != "" {
			t.Fatalf("fragment should not carry an id: %+v", c.ToolCalls[0])
		}
		args.WriteString(c.ToolCalls[0].Arguments)
	}
	if args.String() != `{"city":"Beijing"}` {
		t.Fatalf("arguments=%q", args.String())
	}
	last := chunks[4]
	if last.FinishReason != "tool_calls" || last.Usage == nil || last.Usage.InputTokens != 12 {
		t.Fatalf("final chunk=%+v", last)
	}
}

func TestOpenAICompatStream_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	g := NewOpenAICompatGateway(server.URL, "", "m", "Local", nil)
	stream, err := g.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()
	_, err = stream.Recv()
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error, got %v", err)
	}
	if !isRetryable(err) {
		t.Fatalf("429 should be retryable")
	}
}

func TestBuildCompatMessages(t *testing.T) {
	msgs := buildCompatMessages([]Message{
		AssistantToolCalls("Calling tools: a", []ToolCall{{ID: "c1", Function: FunctionCall{Name: "a", Arguments: "{}"}}}),
		ToolResultMessage("c1", "a", "ok"),
	})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ToolCalls[0].Type != "function" || msgs[0].ToolCalls[0].Function.Name != "a" {
		t.Fatalf("tool call=%+v", msgs[0].ToolCalls[0])
	}
	if msgs[1].Role != "tool" || msgs[1].ToolCallID != "c1" {
		t.Fatalf("tool message=%+v", msgs[1])
	}
}
