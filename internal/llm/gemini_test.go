package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestBuildGeminiContents_ToolRoundTrip(t *testing.T) {
	system, contents := buildGeminiContents([]Message{
		SystemText("sys"),
		UserText("Weather?"),
		AssistantToolCalls("Calling tools: get_weather", []ToolCall{
			{ID: "call-1", Function: FunctionCall{Name: "get_weather", Arguments: `{"city":"Beijing"}`}, Signature: []byte("sig")},
		}),
		ToolResultMessage("call-1", "get_weather", "sunny, 22C"),
		AssistantText("It's sunny."),
	})

	if system != "sys" {
		t.Fatalf("system=%q", system)
	}
	if len(contents) != 4 {
		t.Fatalf("expected 4 contents, got %d", len(contents))
	}
	model := contents[1]
	if model.Role != "model" {
		t.Fatalf("expected role model, got %q", model.Role)
	}
	call := model.Parts[len(model.Parts)-1].FunctionCall
	if call == nil || call.Name != "get_weather" || call.Args["city"] != "Beijing" {
		t.Fatalf("unexpected function call %#v", call)
	}
	if string(model.Parts[len(model.Parts)-1].ThoughtSignature) != "sig" {
		t.Fatalf("thought signature not passed back")
	}
	resp := contents[2].Parts[0].FunctionResponse
	if resp == nil || resp.ID != "call-1" || resp.Name != "get_weather" {
		t.Fatalf("unexpected function response %#v", resp)
	}
	if resp.Response["output"] != "sunny, 22C" {
		t.Fatalf("output=%v", resp.Response["output"])
	}
}

func TestArgumentsMap(t *testing.T) {
	if got := argumentsMap("not json"); len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
	if got := argumentsMap(`{"n":1}`); got["n"] != float64(1) {
		t.Fatalf("got %v", got)
	}
}

func TestGeminiGatewayStream_GeneratesUniqueCallIDs(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"Checking"}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"Paris"}}},{"functionCall":{"name":"get_weather","args":{"city":"Rome"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":3,"totalTokenCount":8}}`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	defer server.Close()

	g := NewGeminiGateway("key", server.URL+"/", "gemini-test")
	req := Request{
		Messages: []Message{SystemText("be brief"), UserText("weather in Paris and Rome?")},
		Tools:    []ToolSpec{{Name: "get_weather", Schema: map[string]any{"type": "object"}}},
	}

	seen := make(map[string]bool)
	for round := 0; round < 2; round++ {
		stream, err := g.Stream(context.Background(), req)
		if err != nil {
			t.Fatalf("round %d: Stream: %v", round, err)
		}
		chunks := collectChunks(t, stream)
		want := []Chunk{
			{Text: "Checking"},
			{
				ToolCalls: []ToolCallDelta{
					{Index: 0, Name: "get_weather", Arguments: `{"city":"Paris"}`},
					{Index: 1, Name: "get_weather", Arguments: `{"city":"Rome"}`},
				},
				FinishReason: "STOP",
				Usage:        &Usage{InputTokens: 5, OutputTokens: 3},
			},
		}
		ignoreID := cmpopts.IgnoreFields(ToolCallDelta{}, "ID")
		if diff := cmp.Diff(want, chunks, ignoreID, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("round %d chunks (-want +got):\n%s", round, diff)
		}
		for _, d := range chunks[1].ToolCalls {
			if !strings.HasPrefix(d.ID, geminiCallIDPrefix) {
				t.Errorf("round %d: id %q lacks generated prefix", round, d.ID)
			}
			if seen[d.ID] {
				t.Errorf("round %d: id %q reused", round, d.ID)
			}
			seen[d.ID] = true
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 2 || !strings.HasSuffix(paths[0], "models/gemini-test:streamGenerateContent") {
		t.Errorf("paths=%v", paths)
	}
}

func TestBuildGeminiContents_DropsGeneratedIDs(t *testing.T) {
	id := geminiCallIDPrefix + "1234"
	_, contents := buildGeminiContents([]Message{
		UserText("Weather?"),
		AssistantToolCalls("Calling tools: get_weather", []ToolCall{
			{ID: id, Function: FunctionCall{Name: "get_weather", Arguments: `{}`}},
		}),
		ToolResultMessage(id, "get_weather", "sunny"),
	})
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if call := contents[1].Parts[0].FunctionCall; call.ID != "" || call.Name != "get_weather" {
		t.Errorf("function call=%#v", call)
	}
	if resp := contents[2].Parts[0].FunctionResponse; resp.ID != "" || resp.Name != "get_weather" {
		t.Errorf("function response=%#v", resp)
	}
}
