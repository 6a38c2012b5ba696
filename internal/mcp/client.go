package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/opentiny/next-sdk/internal/host"
)

const (
	clientName    = "next-sdk"
	clientVersion = "1.0.0"
)

var _ host.ToolProvider = (*Client)(nil)

// Client wraps an MCP server connection and implements host.ToolProvider.
type Client struct {
	name      string
	config    ServerConfig
	kind      TransportKind
	transport mcp.Transport // preset for TransportInMemory

	mu      sync.RWMutex
	session *mcp.ClientSession
}

// NewClient creates a client for a configured server. The transport kind is
// decided here, once.
func NewClient(name string, config ServerConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("mcp server %q: %w", name, err)
	}
	kind, _ := config.TransportKind()
	return &Client{name: name, config: config, kind: kind}, nil
}

// NewTransportClient creates a client over an already-built transport, such
// as one end of mcp.NewInMemoryTransports.
func NewTransportClient(name string, transport mcp.Transport) *Client {
	return &Client{name: name, kind: TransportInMemory, transport: transport}
}

// Name returns the server name.
func (c *Client) Name() string {
	return c.name
}

// Kind returns the transport kind.
func (c *Client) Kind() TransportKind {
	return c.kind
}

// Start connects to the MCP server and initializes the session.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return nil
	}

	transport, err := c.buildTransport()
	if err != nil {
		return err
	}
	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to MCP server %s: %w", c.name, err)
	}
	c.session = session
	return nil
}

func (c *Client) buildTransport() (mcp.Transport, error) {
	switch c.kind {
	case TransportInMemory:
		if c.transport == nil {
			return nil, fmt.Errorf("mcp server %s: no in-memory transport", c.name)
		}
		return c.transport, nil
	case TransportStdio:
		// Not CommandContext: the server must outlive the connect context.
		cmd := exec.Command(c.config.Command, c.config.Args...)
		if len(c.config.Env) > 0 {
			// Later entries win, so overrides follow the inherited environment.
			cmd.Env = os.Environ()
			for k, v := range c.config.Env {
				cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
			}
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case TransportSSE:
		return &mcp.SSEClientTransport{Endpoint: c.config.URL, HTTPClient: c.httpClient()}, nil
	case TransportStreamable:
		return &mcp.StreamableClientTransport{Endpoint: c.config.URL, HTTPClient: c.httpClient()}, nil
	}
	return nil, fmt.Errorf("mcp server %s: unsupported transport %q", c.name, c.kind)
}

func (c *Client) httpClient() *http.Client {
	if len(c.config.Headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{Transport: &headerTransport{headers: c.config.Headers, base: http.DefaultTransport}}
}

// headerTransport adds static headers (auth tokens) to every request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}
	return t.base.RoundTrip(req)
}

// Close closes the MCP server connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// IsRunning returns whether the client is connected.
func (c *Client) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

func (c *Client) getSession() (*mcp.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, fmt.Errorf("MCP server %s is not running", c.name)
	}
	return c.session, nil
}

// ListTools fetches every page of the server's tool list.
func (c *Client) ListTools(ctx context.Context) ([]host.ToolDescriptor, error) {
	session, err := c.getSession()
	if err != nil {
		return nil, err
	}
	var tools []host.ToolDescriptor
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list tools from %s: %w", c.name, err)
		}
		schema := make(map[string]any)
		if m, ok := tool.InputSchema.(map[string]any); ok {
			schema = m
		}
		tools = append(tools, host.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// ListResources fetches every page of the server's resource list. Servers
// that do not advertise resources yield host.ErrResourcesNotSupported.
func (c *Client) ListResources(ctx context.Context) ([]host.ResourceDescriptor, error) {
	session, err := c.getSession()
	if err != nil {
		return nil, err
	}
	if init := session.InitializeResult(); init != nil && init.Capabilities != nil && init.Capabilities.Resources == nil {
		return nil, host.ErrResourcesNotSupported
	}
	var resources []host.ResourceDescriptor
	for res, err := range session.Resources(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list resources from %s: %w", c.name, err)
		}
		resources = append(resources, host.ResourceDescriptor{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MIMEType:    res.MIMEType,
		})
	}
	return resources, nil
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]host.ResourceContents, error) {
	session, err := c.getSession()
	if err != nil {
		return nil, err
	}
	result, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("read resource %s from %s: %w", uri, c.name, err)
	}
	contents := make([]host.ResourceContents, 0, len(result.Contents))
	for _, rc := range result.Contents {
		if rc == nil {
			continue
		}
		item := host.ResourceContents{URI: rc.URI, MIMEType: rc.MIMEType, Text: rc.Text}
		if len(rc.Blob) > 0 {
			item.Blob = base64.StdEncoding.EncodeToString(rc.Blob)
		}
		contents = append(contents, item)
	}
	return contents, nil
}

// CallTool invokes a tool on the MCP server. A result flagged isError is
// returned as a result, not as a Go error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*host.CallToolResult, error) {
	session, err := c.getSession()
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	return &host.CallToolResult{
		Content: convertContent(result.Content),
		IsError: result.IsError,
	}, nil
}

// convertContent maps SDK content onto host content parts. Binary payloads
// are re-encoded as base64 strings.
func convertContent(content []mcp.Content) []host.ContentPart {
	parts := make([]host.ContentPart, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, host.ContentPart{Kind: host.ContentText, Text: v.Text})
		case *mcp.ImageContent:
			parts = append(parts, host.ContentPart{
				Kind:     host.ContentImage,
				Data:     base64.StdEncoding.EncodeToString(v.Data),
				MIMEType: v.MIMEType,
			})
		case *mcp.AudioContent:
			parts = append(parts, host.ContentPart{
				Kind:     host.ContentAudio,
				Data:     base64.StdEncoding.EncodeToString(v.Data),
				MIMEType: v.MIMEType,
			})
		case *mcp.EmbeddedResource:
			if v.Resource == nil {
				continue
			}
			data := v.Resource.Text
			if data == "" && len(v.Resource.Blob) > 0 {
				data = base64.StdEncoding.EncodeToString(v.Resource.Blob)
			}
			parts = append(parts, host.ContentPart{
				Kind:     host.ContentResource,
				Data:     data,
				MIMEType: v.Resource.MIMEType,
				URI:      v.Resource.URI,
			})
		case *mcp.ResourceLink:
			parts = append(parts, host.ContentPart{
				Kind:     host.ContentResource,
				Data:     v.URI,
				MIMEType: v.MIMEType,
				URI:      v.URI,
			})
		}
	}
	return parts
}
