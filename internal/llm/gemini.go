package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// geminiCallIDPrefix marks ids made up locally for calls the API sent without
// one. They are stripped again before history is replayed to Gemini.
const geminiCallIDPrefix = "gemini_call_"

// GeminiGateway implements Gateway with the Gemini API.
type GeminiGateway struct {
	apiKey  string
	baseURL string
	model   string

	once      sync.Once
	client    *genai.Client
	clientErr error
}

func NewGeminiGateway(apiKey, baseURL, model string) *GeminiGateway {
	return &GeminiGateway{apiKey: apiKey, baseURL: baseURL, model: model}
}

func (g *GeminiGateway) Name() string {
	return fmt.Sprintf("Gemini (%s)", g.model)
}

func (g *GeminiGateway) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true}
}

func (g *GeminiGateway) getClient(ctx context.Context) (*genai.Client, error) {
	g.once.Do(func() {
		g.client, g.clientErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:      g.apiKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPOptions: genai.HTTPOptions{BaseURL: g.baseURL},
		})
	})
	return g.client, g.clientErr
}

// Stream emits Gemini function calls as whole-call deltas: Gemini never splits
// a call's arguments across responses. The Developer API usually omits call
// ids, so missing ones are generated and unique across rounds.
func (g *GeminiGateway) Stream(ctx context.Context, req Request) (Stream, error) {
	system, contents := buildGeminiContents(req.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		config.Tools = buildGeminiTools(req.Tools)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(req.Temperature)
	}
	model := chooseModel(req.Model, g.model)

	return newChunkStream(ctx, func(ctx context.Context, out chan<- Chunk) error {
		client, err := g.getClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create gemini client: %w", err)
		}

		callIndex := 0
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				return fmt.Errorf("gemini streaming error: %w", err)
			}
			chunk := Chunk{}
			if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
				chunk.Usage = &Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
			if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
				cand := resp.Candidates[0]
				chunk.FinishReason = string(cand.FinishReason)
				for _, part := range cand.Content.Parts {
					if part.Text != "" && !part.Thought {
						chunk.Text += part.Text
					}
					if part.FunctionCall == nil {
						continue
					}
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil || part.FunctionCall.Args == nil {
						args = []byte("{}")
					}
					id := part.FunctionCall.ID
					if id == "" {
						id = geminiCallIDPrefix + uuid.NewString()
					}
					chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
						Index:     callIndex,
						ID:        id,
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
						Signature: part.ThoughtSignature,
					})
					callIndex++
				}
			}
			if chunk.Text == "" && len(chunk.ToolCalls) == 0 && chunk.Usage == nil && chunk.FinishReason == "" {
				continue
			}
			if err := sendChunk(ctx, out, chunk); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func buildGeminiTools(specs []ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 spec.Name,
			Description:          spec.Description,
			ParametersJsonSchema: normalizeSchema(spec.Schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// buildGeminiContents maps history onto user/model turns. Tool results become
// function responses in a user turn, matched to calls by id and name.
func buildGeminiContents(messages []Message) (string, []*genai.Content) {
	system, rest := flattenSystem(messages)
	contents := make([]*genai.Content, 0, len(rest))

	var pending *genai.Content
	flush := func() {
		if pending != nil {
			contents = append(contents, pending)
			pending = nil
		}
	}

	for _, msg := range rest {
		switch msg.Role {
		case RoleTool:
			if pending == nil {
				pending = &genai.Content{Role: genai.RoleUser}
			}
			pending.Parts = append(pending.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       geminiCallID(msg.ToolCallID),
					Name:     msg.Name,
					Response: map[string]any{"output": msg.Content},
				},
			})
		case RoleUser:
			flush()
			if msg.Content != "" {
				contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
			}
		case RoleAssistant:
			flush()
			content := &genai.Content{Role: genai.RoleModel}
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   geminiCallID(call.ID),
						Name: call.Function.Name,
						Args: argumentsMap(call.Function.Arguments),
					},
					ThoughtSignature: call.Signature,
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		}
	}
	flush()
	return system, contents
}

// geminiCallID returns the id to send back to the API: generated ids were never
// issued by Gemini, so they are dropped and the call is matched by name.
func geminiCallID(id string) string {
	if strings.HasPrefix(id, geminiCallIDPrefix) {
		return ""
	}
	return id
}

func argumentsMap(args string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(args), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
