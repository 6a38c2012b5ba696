package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIGateway implements Gateway with the chat completions API. Any server
// that speaks the same API (DeepSeek, vLLM gateways) works through baseURL.
type OpenAIGateway struct {
	client openai.Client
	model  string
	name   string
}

func NewOpenAIGateway(apiKey, baseURL, model string) *OpenAIGateway {
	return newOpenAIGatewayNamed("OpenAI", apiKey, baseURL, model)
}

func newOpenAIGatewayNamed(name, apiKey, baseURL, model string) *OpenAIGateway {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// RetryGateway owns retries.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIGateway{
		client: openai.NewClient(opts...),
		model:  model,
		name:   name,
	}
}

func (g *OpenAIGateway) Name() string {
	return fmt.Sprintf("%s (%s)", g.name, g.model)
}

func (g *OpenAIGateway) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true}
}

func (g *OpenAIGateway) Stream(ctx context.Context, req Request) (Stream, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(chooseModel(req.Model, g.model)),
		Messages: buildOpenAIMessages(req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if len(req.Tools) > 0 {
		params.Tools = buildOpenAITools(req.Tools)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}

	return newChunkStream(ctx, func(ctx context.Context, out chan<- Chunk) error {
		stream := g.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			resp := stream.Current()
			chunk := Chunk{}
			if resp.Usage.TotalTokens > 0 {
				chunk.Usage = &Usage{
					InputTokens:  int(resp.Usage.PromptTokens),
					OutputTokens: int(resp.Usage.CompletionTokens),
				}
			}
			for _, choice := range resp.Choices {
				chunk.Text += choice.Delta.Content
				if choice.FinishReason != "" {
					chunk.FinishReason = choice.FinishReason
				}
				for _, tc := range choice.Delta.ToolCalls {
					chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
						Index:     int(tc.Index),
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
		if err := stream.Err(); err != nil {
			return fmt.Errorf("%s streaming error: %w", g.name, err)
		}
		return nil
	}), nil
}

func buildOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Function.Name,
						Arguments: call.Function.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}

func buildOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		fn := openai.FunctionDefinitionParam{
			Name:       spec.Name,
			Parameters: openai.FunctionParameters(normalizeSchema(spec.Schema)),
		}
		if spec.Description != "" {
			fn.Description = openai.String(spec.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools
}

// normalizeSchema guarantees an object schema; MCP servers sometimes omit
// "type" or "properties" for argument-less tools.
func normalizeSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema)+2)
	for k, v := range schema {
		if k == "$schema" {
			continue
		}
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out
}
