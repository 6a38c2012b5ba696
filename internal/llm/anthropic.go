package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicGateway implements Gateway with the Messages API.
type AnthropicGateway struct {
	client anthropic.Client
	model  string
}

func NewAnthropicGateway(apiKey, baseURL, model string) *AnthropicGateway {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicGateway{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

func (g *AnthropicGateway) Name() string {
	return fmt.Sprintf("Anthropic (%s)", g.model)
}

func (g *AnthropicGateway) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true}
}

// Stream translates Anthropic stream events into raw chunks. A tool_use block
// start carries the id and name; the input_json_delta fragments that follow
// carry neither, matching the id-on-first-delta convention of chat completions.
func (g *AnthropicGateway) Stream(ctx context.Context, req Request) (Stream, error) {
	system, messages := buildAnthropicMessages(req.Messages)
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(chooseModel(req.Model, g.model)),
		MaxTokens: maxTokens(req.MaxTokens, anthropicDefaultMaxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}

	return newChunkStream(ctx, func(ctx context.Context, out chan<- Chunk) error {
		stream := g.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var inputTokens int
		for stream.Next() {
			event := stream.Current()
			var chunk Chunk
			switch variant := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				inputTokens = int(variant.Message.Usage.InputTokens)
				continue
			case anthropic.ContentBlockStartEvent:
				block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock)
				if !ok {
					continue
				}
				chunk.ToolCalls = []ToolCallDelta{{
					Index: int(variant.Index),
					ID:    block.ID,
					Name:  block.Name,
				}}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					chunk.Text = delta.Text
				case anthropic.InputJSONDelta:
					if delta.PartialJSON == "" {
						continue
					}
					chunk.ToolCalls = []ToolCallDelta{{
						Index:     int(variant.Index),
						Arguments: delta.PartialJSON,
					}}
				default:
					continue
				}
			case anthropic.MessageDeltaEvent:
				chunk.FinishReason = string(variant.Delta.StopReason)
				chunk.Usage = &Usage{
					InputTokens:  inputTokens,
					OutputTokens: int(variant.Usage.OutputTokens),
				}
			default:
				continue
			}
			if err := sendChunk(ctx, out, chunk); err != nil {
				return err
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("anthropic streaming error: %w", err)
		}
		return nil
	}), nil
}

func maxTokens(requested, fallback int) int64 {
	if requested > 0 {
		return int64(requested)
	}
	return int64(fallback)
}

// buildAnthropicMessages lifts system messages into the system prompt and folds
// runs of tool messages into a single user turn of tool_result blocks.
func buildAnthropicMessages(messages []Message) (string, []anthropic.MessageParam) {
	system, rest := flattenSystem(messages)
	out := make([]anthropic.MessageParam, 0, len(rest))

	var pendingResults []anthropic.ContentBlockParamUnion
	flushResults := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range rest {
		switch msg.Role {
		case RoleTool:
			pendingResults = append(pendingResults, toolResultBlock(msg))
		case RoleUser:
			flushResults()
			if msg.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case RoleAssistant:
			flushResults()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, rawArguments(call.Function.Arguments), call.Function.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flushResults()
	return system, out
}

func toolResultBlock(msg Message) anthropic.ContentBlockParamUnion {
	block := anthropic.ToolResultBlockParam{
		ToolUseID: msg.ToolCallID,
		Content: []anthropic.ToolResultBlockParamContentUnion{
			{OfText: &anthropic.TextBlockParam{Text: msg.Content}},
		},
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

// rawArguments returns args as a JSON value, substituting an empty object when
// the accumulated string is not valid JSON.
func rawArguments(args string) json.RawMessage {
	if args == "" || !json.Valid([]byte(args)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

func buildAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema := normalizeSchema(spec.Schema)
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: schema["properties"],
			Required:   schemaRequired(schema),
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, spec.Name)
		if spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func schemaRequired(schema map[string]any) []string {
	switch required := schema["required"].(type) {
	case []string:
		return required
	case []any:
		out := make([]string, 0, len(required))
		for _, v := range required {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
