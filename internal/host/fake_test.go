package host

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/opentiny/next-sdk/internal/llm"
)

// fakeProvider is a scriptable ToolProvider.
type fakeProvider struct {
	name      string
	tools     []ToolDescriptor
	resources []ResourceDescriptor
	contents  map[string]string // uri -> text
	listErr   error
	resErr    error
	readErr   map[string]error
	call      func(ctx context.Context, name string, args map[string]any) (*CallToolResult, error)

	mu    sync.Mutex
	calls []fakeCall
	reads map[string]int
}

type fakeCall struct {
	Name string
	Args map[string]any
}

func newFakeProvider(name string, toolNames ...string) *fakeProvider {
	p := &fakeProvider{name: name, reads: make(map[string]int)}
	for _, tn := range toolNames {
		p.tools = append(p.tools, ToolDescriptor{
			Name:        tn,
			Description: tn + " tool",
			InputSchema: map[string]any{"type": "object"},
		})
	}
	return p
}

// withText makes every call return text.
func (p *fakeProvider) withText(text string) *fakeProvider {
	p.call = func(context.Context, string, map[string]any) (*CallToolResult, error) {
		return &CallToolResult{Content: []ContentPart{{Kind: ContentText, Text: text}}}, nil
	}
	return p
}

func (p *fakeProvider) withResource(uri, text string) *fakeProvider {
	p.resources = append(p.resources, ResourceDescriptor{URI: uri, Name: uri, MIMEType: "text/plain"})
	if p.contents == nil {
		p.contents = make(map[string]string)
	}
	p.contents[uri] = text
	return p
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.tools, nil
}

func (p *fakeProvider) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	if p.resErr != nil {
		return nil, p.resErr
	}
	if p.resources == nil {
		return nil, ErrResourcesNotSupported
	}
	return p.resources, nil
}

func (p *fakeProvider) ReadResource(ctx context.Context, uri string) ([]ResourceContents, error) {
	p.mu.Lock()
	p.reads[uri]++
	p.mu.Unlock()
	if err := p.readErr[uri]; err != nil {
		return nil, err
	}
	return []ResourceContents{{URI: uri, MIMEType: "text/plain", Text: p.contents[uri]}}, nil
}

func (p *fakeProvider) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, fakeCall{Name: name, Args: args})
	p.mu.Unlock()
	if p.call == nil {
		return &CallToolResult{}, nil
	}
	return p.call(ctx, name, args)
}

func (p *fakeProvider) recorded() []fakeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]fakeCall(nil), p.calls...)
}

func (p *fakeProvider) readCount(uri string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads[uri]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures everything a Handler receives.
type recorder struct {
	mu       sync.Mutex
	data     []Event
	messages []Event
	done     []Result
	errs     []error
}

func (r *recorder) handler() Handler {
	return Handler{
		OnData: func(ev Event) {
			r.mu.Lock()
			r.data = append(r.data, ev)
			r.mu.Unlock()
		},
		OnMessage: func(ev Event) {
			r.mu.Lock()
			r.messages = append(r.messages, ev)
			r.mu.Unlock()
		},
		OnDone: func(res Result) {
			r.mu.Lock()
			r.done = append(r.done, res)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s string
	for _, ev := range r.data {
		if ev.Kind == EventTextDelta {
			s += ev.Text
		}
	}
	return s
}

func (r *recorder) kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// checkTerminal asserts exactly one terminal callback fired.
func (r *recorder) checkTerminal(t *testing.T, wantErr bool) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if wantErr {
		if len(r.errs) != 1 || len(r.done) != 0 {
			t.Fatalf("want exactly one OnError, got errs=%v done=%d", r.errs, len(r.done))
		}
		return
	}
	if len(r.done) != 1 || len(r.errs) != 0 {
		t.Fatalf("want exactly one OnDone, got done=%d errs=%v", len(r.done), r.errs)
	}
}

// checkHistory asserts that every tool message answers exactly one earlier
// assistant tool call and every such call is answered exactly once.
func checkHistory(t *testing.T, msgs []llm.Message) {
	t.Helper()
	if len(msgs) == 0 || msgs[0].Role != llm.RoleSystem {
		t.Fatalf("history must start with a system message: %+v", msgs)
	}
	issued := make(map[string]bool)
	answered := make(map[string]int)
	for i, m := range msgs {
		switch m.Role {
		case llm.RoleAssistant:
			for _, c := range m.ToolCalls {
				if issued[c.ID] {
					t.Errorf("message %d: tool call id %q issued twice", i, c.ID)
				}
				issued[c.ID] = true
			}
		case llm.RoleTool:
			if !issued[m.ToolCallID] {
				t.Errorf("message %d: tool message for unknown call %q", i, m.ToolCallID)
			}
			answered[m.ToolCallID]++
		}
	}
	for id := range issued {
		if answered[id] != 1 {
			t.Errorf("tool call %q answered %d times", id, answered[id])
		}
	}
}
