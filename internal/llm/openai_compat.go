package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpClientTimeout is the default timeout for HTTP requests
const httpClientTimeout = 10 * time.Minute

var defaultHTTPClient = &http.Client{
	Timeout: httpClientTimeout,
}

// OpenAICompatGateway implements Gateway for OpenAI-compatible servers over
// plain HTTP + SSE. Used for Ollama, LM Studio and similar local servers whose
// streams drift from what the official SDK accepts.
type OpenAICompatGateway struct {
	baseURL string
	apiKey  string // Optional, most servers ignore it
	model   string
	name    string
	headers map[string]string
	client  *http.Client
}

func NewOpenAICompatGateway(baseURL, apiKey, model, name string, headers map[string]string) *OpenAICompatGateway {
	return &OpenAICompatGateway{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		name:    name,
		headers: headers,
		client:  defaultHTTPClient,
	}
}

func (g *OpenAICompatGateway) Name() string {
	return fmt.Sprintf("%s (%s)", g.name, g.model)
}

func (g *OpenAICompatGateway) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true}
}

type oaiChatRequest struct {
	Model         string            `json:"model"`
	Messages      []oaiMessage      `json:"messages"`
	Tools         []oaiTool         `json:"tools,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	Stream        bool              `json:"stream"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type oaiToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type oaiChatResponse struct {
	Choices []oaiChoice  `json:"choices"`
	Usage   *oaiUsage    `json:"usage,omitempty"`
	Error   *oaiAPIError `json:"error,omitempty"`
}

type oaiChoice struct {
	Index        int         `json:"index"`
	Delta        *oaiMessage `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type oaiAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (g *OpenAICompatGateway) makeChatRequest(ctx context.Context, req oaiChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	for key, value := range g.headers {
		if value == "" {
			continue
		}
		httpReq.Header.Set(key, value)
	}
	return g.client.Do(httpReq)
}

func (g *OpenAICompatGateway) Stream(ctx context.Context, req Request) (Stream, error) {
	messages := buildCompatMessages(req.Messages)
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	chatReq := oaiChatRequest{
		Model:         chooseModel(req.Model, g.model),
		Messages:      messages,
		Tools:         buildCompatTools(req.Tools),
		Stream:        true,
		StreamOptions: &oaiStreamOptions{IncludeUsage: true},
	}
	if req.Temperature > 0 {
		v := float64(req.Temperature)
		chatReq.Temperature = &v
	}
	if req.MaxTokens > 0 {
		v := req.MaxTokens
		chatReq.MaxTokens = &v
	}

	return newChunkStream(ctx, func(ctx context.Context, out chan<- Chunk) error {
		resp, err := g.makeChatRequest(ctx, chatReq)
		if err != nil {
			return fmt.Errorf("%s API request failed: %w", g.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%s API error (status %d): %s", g.name, resp.StatusCode, string(body))
		}

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		var lastEventType string
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				lastEventType = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chatResp oaiChatResponse
			if err := json.Unmarshal([]byte(data), &chatResp); err != nil {
				continue
			}
			if lastEventType == "error" || chatResp.Error != nil {
				errMsg := "unknown error"
				if chatResp.Error != nil {
					errMsg = chatResp.Error.Message
				}
				return fmt.Errorf("%s API error: %s", g.name, errMsg)
			}
			lastEventType = ""

			chunk := Chunk{}
			if chatResp.Usage != nil {
				chunk.Usage = &Usage{
					InputTokens:  chatResp.Usage.PromptTokens,
					OutputTokens: chatResp.Usage.CompletionTokens,
				}
			}
			for _, choice := range chatResp.Choices {
				if choice.FinishReason != "" {
					chunk.FinishReason = choice.FinishReason
				}
				if choice.Delta == nil {
					continue
				}
				chunk.Text += choice.Delta.Content
				for _, tc := range choice.Delta.ToolCalls {
					chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
						Index:     tc.Index,
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					})
				}
			}
			if chunk.Text == "" && len(chunk.ToolCalls) == 0 && chunk.FinishReason == "" && chunk.Usage == nil {
				continue
			}
			if err := sendChunk(ctx, out, chunk); err != nil {
				return err
			}
		}

		if err := scanner.Err(); err != nil {
			return fmt.Errorf("%s streaming error: %w", g.name, err)
		}
		return nil
	}), nil
}

func buildCompatMessages(messages []Message) []oaiMessage {
	out := make([]oaiMessage, 0, len(messages))
	for _, msg := range messages {
		m := oaiMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, call := range msg.ToolCalls {
			tc := oaiToolCall{ID: call.ID, Type: ToolCallType}
			tc.Function.Name = call.Function.Name
			tc.Function.Arguments = call.Function.Arguments
			m.ToolCalls = append(m.ToolCalls, tc)
		}
		out = append(out, m)
	}
	return out
}

func buildCompatTools(specs []ToolSpec) []oaiTool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]oaiTool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, oaiTool{
			Type: ToolCallType,
			Function: oaiFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  normalizeSchema(spec.Schema),
			},
		})
	}
	return tools
}
