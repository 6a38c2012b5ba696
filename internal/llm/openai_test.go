package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOpenAIGatewayStream(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"content":"Checking"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"ci"}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"Paris\"}"}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13}}`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	g := NewOpenAIGateway("key", server.URL+"/v1", "gpt-test")
	stream, err := g.Stream(context.Background(), Request{
		Messages:  []Message{SystemText("be brief"), UserText("weather in Paris?")},
		Tools:     []ToolSpec{{Name: "get_weather", Description: "Weather", Schema: map[string]any{"type": "object"}}},
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collectChunks(t, stream)

	want := []Chunk{
		{Text: "Checking"},
		{ToolCalls: []ToolCallDelta{{Index: 0, ID: "call_1", Name: "get_weather", Arguments: `{"ci`}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `ty":"Paris"}`}}},
		{FinishReason: "tool_calls"},
		{Usage: &Usage{InputTokens: 9, OutputTokens: 4}},
	}
	if diff := cmp.Diff(want, chunks); diff != "" {
		t.Errorf("chunks (-want +got):\n%s", diff)
	}

	if body["model"] != "gpt-test" {
		t.Errorf("model=%v", body["model"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("messages=%v", body["messages"])
	}
	tools, _ := body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools=%v", body["tools"])
	}
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	params := fn["parameters"].(map[string]any)
	if fn["name"] != "get_weather" || params["properties"] == nil {
		t.Errorf("function=%v", fn)
	}
}

func TestOpenAIGatewayStream_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	g := NewOpenAIGateway("key", server.URL, "nope")
	stream, err := g.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()
	if _, err := stream.Recv(); err == nil || !strings.Contains(err.Error(), "OpenAI streaming error") {
		t.Fatalf("Recv err=%v", err)
	}
}

func TestOpenAIGatewayStream_NoMessages(t *testing.T) {
	g := NewOpenAIGateway("key", "", "gpt-test")
	if _, err := g.Stream(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for empty request")
	}
}

func TestNormalizeSchema(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			name: "nil",
			in:   nil,
			want: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			name: "drops $schema",
			in:   map[string]any{"$schema": "http://json-schema.org/draft-07/schema#", "type": "object", "required": []any{"city"}},
			want: map[string]any{"type": "object", "properties": map[string]any{}, "required": []any{"city"}},
		},
		{
			name: "keeps properties",
			in:   map[string]any{"properties": map[string]any{"q": map[string]any{"type": "string"}}},
			want: map[string]any{"type": "object", "properties": map[string]any{"q": map[string]any{"type": "string"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, normalizeSchema(tt.in)); diff != "" {
				t.Errorf("normalizeSchema (-want +got):\n%s", diff)
			}
		})
	}
}
