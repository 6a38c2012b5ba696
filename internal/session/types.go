package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is one stored conversation.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Summary   string    `json:"summary,omitempty"` // First user message
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Metrics
}

// Metrics are cumulative per-session counters.
type Metrics struct {
	Turns        int `json:"turns,omitempty"`
	Rounds       int `json:"rounds,omitempty"` // Tool rounds
	ToolCalls    int `json:"tool_calls,omitempty"`
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Summary is a lightweight view of a session for listing.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
	Metrics
}

// ListOptions configures session listing.
type ListOptions struct {
	Provider string
	Limit    int // 0 = default, negative = unlimited
	Offset   int
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// ShortID returns the first eight characters of an id for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// TruncateSummary returns the first line of content, truncated to 100 chars.
func TruncateSummary(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "\n"); idx != -1 {
		content = content[:idx]
	}
	if len(content) > 100 {
		content = content[:97] + "..."
	}
	return content
}
