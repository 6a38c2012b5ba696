// Package react parses ReAct-style model output ("Thought / Action / Action
// Input / Final Answer") for models that have no native function calling,
// and builds the prompt that teaches them the format.
package react

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/opentiny/next-sdk/internal/llm"
)

// FinalAnswerAction is the action name some models use instead of a
// "Final Answer:" line.
const FinalAnswerAction = "Final Answer"

// Step is one parsed model response.
type Step struct {
	Thought     string
	Action      string // tool name; empty when the model answered
	ActionInput string // JSON object text, "{}" when absent
	FinalAnswer string
}

// IsFinal reports whether the step ends the turn.
func (s Step) IsFinal() bool {
	return s.Action == ""
}

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	keywordRe  = regexp.MustCompile(`(?im)^\s*(thought|action input|action|observation|final answer)\s*:`)
)

type jsonAction struct {
	Action      string          `json:"action"`
	ActionInput json.RawMessage `json:"action_input"`
}

// Parse extracts a Step from the model's text. A fenced JSON block with an
// "action" key takes precedence over keyword lines. Text with neither is
// treated as a final answer. Anything after an "Observation:" line is
// ignored, since the observation is ours to supply.
func Parse(text string) Step {
	if step, ok := parseJSONBlock(text); ok {
		return step
	}

	sections := splitSections(text)
	step := Step{Thought: sections["thought"]}
	if action := strings.TrimSpace(sections["action"]); action != "" && !strings.EqualFold(action, FinalAnswerAction) {
		step.Action = strings.Trim(action, "`\"' ")
		step.ActionInput = normalizeInput(sections["action input"])
		return step
	}
	if answer, ok := sections["final answer"]; ok {
		step.FinalAnswer = answer
		return step
	}
	if strings.EqualFold(strings.TrimSpace(sections["action"]), FinalAnswerAction) {
		step.FinalAnswer = unquote(sections["action input"])
		return step
	}
	step.FinalAnswer = strings.TrimSpace(text)
	return step
}

func parseJSONBlock(text string) (Step, bool) {
	for _, m := range fencedJSON.FindAllStringSubmatch(text, -1) {
		var ja jsonAction
		if err := json.Unmarshal([]byte(m[1]), &ja); err != nil || ja.Action == "" {
			continue
		}
		thought := ""
		if idx := strings.Index(text, m[0]); idx > 0 {
			thought = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text[:idx]), "Thought:"))
		}
		if strings.EqualFold(ja.Action, FinalAnswerAction) {
			return Step{Thought: thought, FinalAnswer: unquote(string(ja.ActionInput))}, true
		}
		return Step{Thought: thought, Action: ja.Action, ActionInput: normalizeInput(string(ja.ActionInput))}, true
	}
	return Step{}, false
}

// splitSections maps each lower-cased keyword to the text that follows it,
// up to the next keyword. The first occurrence of a keyword wins.
func splitSections(text string) map[string]string {
	sections := make(map[string]string)
	locs := keywordRe.FindAllStringSubmatchIndex(text, -1)
	for i, loc := range locs {
		key := strings.ToLower(text[loc[2]:loc[3]])
		if key == "observation" {
			break
		}
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if _, dup := sections[key]; dup {
			continue
		}
		sections[key] = strings.TrimSpace(text[loc[1]:end])
	}
	return sections
}

// normalizeInput turns whatever followed "Action Input:" into JSON object
// text. Code fences are stripped; a JSON string that itself holds an object is
// unwrapped; anything else becomes {"input": <text>}.
func normalizeInput(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return "{}"
	}

	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		switch x := v.(type) {
		case map[string]any:
			return s
		case string:
			var inner map[string]any
			if json.Unmarshal([]byte(x), &inner) == nil {
				return x
			}
			s = x
		case nil:
			return "{}"
		}
	}
	data, _ := json.Marshal(map[string]any{"input": s})
	return string(data)
}

func unquote(raw string) string {
	s := strings.TrimSpace(raw)
	var str string
	if json.Unmarshal([]byte(s), &str) == nil {
		return str
	}
	return s
}

// Observation formats a tool result for the next model turn.
func Observation(result string) string {
	return "Observation: " + result
}

// SystemPrompt appends tool descriptions and the response format to base.
func SystemPrompt(base string, tools []llm.ToolSpec) string {
	var b strings.Builder
	if base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}
	if len(tools) == 0 {
		b.WriteString("No tools are available. Answer directly, starting with \"Final Answer:\".")
		return b.String()
	}

	b.WriteString("You can use the following tools:\n\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, strings.TrimSpace(t.Description))
		if params := describeParams(t.Schema); params != "" {
			fmt.Fprintf(&b, "  Parameters: %s\n", params)
		}
	}
	b.WriteString(`
Use this format:

Thought: what you are thinking about
Action: the tool name, one of [` + toolNames(tools) + `]
Action Input: the tool arguments as a JSON object
Observation: the tool result (provided to you, never write it yourself)

Repeat Thought/Action/Action Input as needed, one action per response. When you know the answer, respond with:

Thought: I now know the final answer
Final Answer: the answer to the user`)
	return b.String()
}

func toolNames(tools []llm.ToolSpec) string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return strings.Join(names, ", ")
}

func describeParams(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}
	required := make(map[string]bool)
	switch req := schema["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	case []string:
		for _, s := range req {
			required[s] = true
		}
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		typ := "any"
		if p, ok := props[k].(map[string]any); ok {
			if t, ok := p["type"].(string); ok {
				typ = t
			}
		}
		entry := k + " (" + typ
		if required[k] {
			entry += ", required"
		}
		parts = append(parts, entry+")")
	}
	return strings.Join(parts, ", ")
}
