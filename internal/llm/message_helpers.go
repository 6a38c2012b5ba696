package llm

import "strings"

func SystemText(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func UserText(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// AssistantToolCalls builds the assistant message that announces a round of
// tool calls. content is a human-readable synopsis.
func AssistantToolCalls(content string, calls []ToolCall) Message {
	cloned := make([]ToolCall, len(calls))
	copy(cloned, calls)
	for i := range cloned {
		if cloned[i].Type == "" {
			cloned[i].Type = ToolCallType
		}
	}
	return Message{Role: RoleAssistant, Content: content, ToolCalls: cloned}
}

// ToolResultMessage answers the call with the given id.
func ToolResultMessage(id, name, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: id, Name: name}
}

// ToolErrorMessage answers the call with an error payload so the call/result
// pairing stays intact.
func ToolErrorMessage(id, name, errMsg string) Message {
	return ToolResultMessage(id, name, "Error: "+errMsg)
}

// CloneMessages returns a deep copy of the messages.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if msg.ToolCalls != nil {
			out[i].ToolCalls = make([]ToolCall, len(msg.ToolCalls))
			copy(out[i].ToolCalls, msg.ToolCalls)
		}
	}
	return out
}

func flattenSystem(messages []Message) (string, []Message) {
	var systemParts []string
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(systemParts, "\n\n"), rest
}

func chooseModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}
