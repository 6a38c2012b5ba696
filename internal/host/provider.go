package host

import (
	"context"
	"errors"
)

// ErrResourcesNotSupported is returned by ToolProvider.ListResources when the
// server has no resources capability.
var ErrResourcesNotSupported = errors.New("resources not supported")

// ToolProvider is a connected MCP client as seen by the host.
type ToolProvider interface {
	Name() string
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	ListResources(ctx context.Context) ([]ResourceDescriptor, error)
	ReadResource(ctx context.Context, uri string) ([]ResourceContents, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error)
}

// ToolDescriptor is a tool advertised by a provider.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ResourceDescriptor is a resource advertised by a provider.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one item returned by ReadResource. Blob holds base64
// data for binary resources.
type ResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ContentKind tags a ContentPart.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentAudio    ContentKind = "audio"
	ContentResource ContentKind = "resource"
)

// ContentPart is one typed item of a tool result. Text is set for text parts;
// Data holds base64 payloads for image and audio parts and the embedded text
// or blob for resource parts.
type ContentPart struct {
	Kind     ContentKind
	Text     string
	Data     string
	MIMEType string
	URI      string
}

// CallToolResult is the raw result of a tool call.
type CallToolResult struct {
	Content []ContentPart
	IsError bool
}
