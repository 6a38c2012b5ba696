package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/opentiny/next-sdk/internal/llm"
)

// ErrToolCollision is returned by Refresh under CollisionError when two
// providers advertise the same tool name.
var ErrToolCollision = errors.New("tool name collision")

// CollisionPolicy decides what happens when two providers expose a tool with
// the same name.
type CollisionPolicy string

const (
	CollisionLastWins CollisionPolicy = "last_wins" // later provider takes the name, with a warning
	CollisionError    CollisionPolicy = "error"     // Refresh fails and keeps the previous registry
)

// ParseCollisionPolicy validates a policy name. The empty string selects
// CollisionLastWins.
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch CollisionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", CollisionLastWins:
		return CollisionLastWins, nil
	case CollisionError:
		return CollisionError, nil
	}
	return "", fmt.Errorf("unknown collision policy %q (want %q or %q)", s, CollisionLastWins, CollisionError)
}

// ClientRegistration lists the tool names a provider owns after a refresh.
type ClientRegistration struct {
	Provider  ToolProvider
	ToolNames []string
}

// ResourceEntry is a resource that was read once and cached for the lifetime
// of the registry.
type ResourceEntry struct {
	Provider   string
	Descriptor ResourceDescriptor
	Contents   []ResourceContents
}

type resourcePayload struct {
	URI         string             `json:"uri"`
	Name        string             `json:"name,omitempty"`
	Description string             `json:"description,omitempty"`
	MIMEType    string             `json:"mimeType,omitempty"`
	Content     []ResourceContents `json:"content"`
}

// Message renders the entry as the system message injected into history.
func (e ResourceEntry) Message() llm.Message {
	data, err := json.Marshal(resourcePayload{
		URI:         e.Descriptor.URI,
		Name:        e.Descriptor.Name,
		Description: e.Descriptor.Description,
		MIMEType:    e.Descriptor.MIMEType,
		Content:     e.Contents,
	})
	if err != nil {
		// Only strings inside; unreachable in practice.
		return llm.SystemText(e.Descriptor.URI)
	}
	return llm.SystemText(string(data))
}

// ResourceEntryFromMessage recognizes a message produced by
// ResourceEntry.Message.
func ResourceEntryFromMessage(msg llm.Message) (ResourceEntry, bool) {
	if msg.Role != llm.RoleSystem || !strings.HasPrefix(msg.Content, "{") {
		return ResourceEntry{}, false
	}
	var p resourcePayload
	if err := json.Unmarshal([]byte(msg.Content), &p); err != nil || p.URI == "" || p.Content == nil {
		return ResourceEntry{}, false
	}
	return ResourceEntry{
		Descriptor: ResourceDescriptor{URI: p.URI, Name: p.Name, Description: p.Description, MIMEType: p.MIMEType},
		Contents:   p.Content,
	}, true
}

type registeredTool struct {
	desc     ToolDescriptor
	provider ToolProvider
}

// Registry maps tool names to the provider that executes them and caches
// resources by URI.
type Registry struct {
	logger *slog.Logger
	policy CollisionPolicy
	filter *ToolFilter

	mu            sync.RWMutex
	tools         map[string]registeredTool
	order         []string
	registrations []ClientRegistration

	resMu     sync.Mutex
	resources map[string]ResourceEntry
	resOrder  []string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for discovery warnings.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCollisionPolicy sets the tool-name collision policy.
func WithCollisionPolicy(policy CollisionPolicy) RegistryOption {
	return func(r *Registry) {
		if policy != "" {
			r.policy = policy
		}
	}
}

// WithFilter restricts which discovered tools are registered.
func WithFilter(filter *ToolFilter) RegistryOption {
	return func(r *Registry) {
		r.filter = filter
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:    slog.Default(),
		policy:    CollisionLastWins,
		tools:     make(map[string]registeredTool),
		resources: make(map[string]ResourceEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// discovery is what one provider reported during a refresh.
type discovery struct {
	tools     []ToolDescriptor
	resources []ResourceDescriptor
}

// Refresh re-discovers tools and resources from every provider. Providers are
// queried concurrently, but registration follows the order of providers, so
// the later provider wins a name collision. A provider whose listing fails
// contributes nothing and does not affect the others.
//
// Resources not seen before are read once and cached; the newly cached
// entries are returned in discovery order so the caller can inject them into
// history. A failed read is logged and retried on the next refresh.
func (r *Registry) Refresh(ctx context.Context, providers []ToolProvider) ([]ResourceEntry, error) {
	found := make([]discovery, len(providers))

	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			found[i] = r.discover(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := r.apply(providers, found); err != nil {
		return nil, err
	}
	return r.loadResources(ctx, providers, found)
}

func (r *Registry) discover(ctx context.Context, p ToolProvider) discovery {
	var d discovery

	tools, err := p.ListTools(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("tool discovery failed", "provider", p.Name(), "error", err)
		}
	} else {
		d.tools = tools
	}

	resources, err := p.ListResources(ctx)
	switch {
	case err == nil:
		d.resources = resources
	case errors.Is(err, ErrResourcesNotSupported):
		r.logger.Debug("provider has no resources", "provider", p.Name())
	case ctx.Err() == nil:
		r.logger.Warn("resource listing failed", "provider", p.Name(), "error", err)
	}
	return d
}

func (r *Registry) apply(providers []ToolProvider, found []discovery) error {
	tools := make(map[string]registeredTool)
	owner := make(map[string]int)
	var order []string
	regs := make([]ClientRegistration, len(providers))

	for i, p := range providers {
		regs[i].Provider = p
		for _, desc := range found[i].tools {
			if desc.Name == "" || !r.filter.Allow(desc.Name) {
				continue
			}
			if prev, ok := owner[desc.Name]; ok {
				if r.policy == CollisionError && prev != i {
					return fmt.Errorf("%w: %q is exposed by both %s and %s", ErrToolCollision, desc.Name, providers[prev].Name(), p.Name())
				}
				if prev != i {
					r.logger.Warn("tool name collision, later provider wins",
						"tool", desc.Name, "previous", providers[prev].Name(), "provider", p.Name())
				}
				regs[prev].ToolNames = removeName(regs[prev].ToolNames, desc.Name)
			} else {
				order = append(order, desc.Name)
			}
			owner[desc.Name] = i
			tools[desc.Name] = registeredTool{desc: desc, provider: p}
			regs[i].ToolNames = append(regs[i].ToolNames, desc.Name)
		}
	}

	r.mu.Lock()
	r.tools = tools
	r.order = order
	r.registrations = regs
	r.mu.Unlock()
	return nil
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

type pendingRead struct {
	provider ToolProvider
	desc     ResourceDescriptor
	contents []ResourceContents
	err      error
}

func (r *Registry) loadResources(ctx context.Context, providers []ToolProvider, found []discovery) ([]ResourceEntry, error) {
	r.resMu.Lock()
	defer r.resMu.Unlock()

	var pending []*pendingRead
	seen := make(map[string]bool)
	for i, p := range providers {
		for _, desc := range found[i].resources {
			if desc.URI == "" || seen[desc.URI] {
				continue
			}
			seen[desc.URI] = true
			if _, cached := r.resources[desc.URI]; cached {
				continue
			}
			pending = append(pending, &pendingRead{provider: p, desc: desc})
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var g errgroup.Group
	g.SetLimit(4)
	for _, pr := range pending {
		g.Go(func() error {
			pr.contents, pr.err = pr.provider.ReadResource(ctx, pr.desc.URI)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var loaded []ResourceEntry
	for _, pr := range pending {
		if pr.err != nil {
			r.logger.Warn("resource read failed", "provider", pr.provider.Name(), "uri", pr.desc.URI, "error", pr.err)
			continue
		}
		entry := ResourceEntry{Provider: pr.provider.Name(), Descriptor: pr.desc, Contents: pr.contents}
		if entry.Contents == nil {
			entry.Contents = []ResourceContents{}
		}
		r.resources[pr.desc.URI] = entry
		r.resOrder = append(r.resOrder, pr.desc.URI)
		loaded = append(loaded, entry)
	}
	return loaded, nil
}

// Prime marks resources as already loaded, for example when history is
// restored from a saved session that already contains them.
func (r *Registry) Prime(entries []ResourceEntry) {
	r.resMu.Lock()
	defer r.resMu.Unlock()
	for _, e := range entries {
		if _, ok := r.resources[e.Descriptor.URI]; ok {
			continue
		}
		r.resources[e.Descriptor.URI] = e
		r.resOrder = append(r.resOrder, e.Descriptor.URI)
	}
}

// Resolve returns the provider that owns the named tool.
func (r *Registry) Resolve(name string) (ToolProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return t.provider, true
}

// Tools returns the registered tools in first-registration order.
func (r *Registry) Tools() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].desc)
	}
	return out
}

// Specs returns the registered tools in the gateway's provider-neutral form.
func (r *Registry) Specs() []llm.ToolSpec {
	tools := r.Tools()
	specs := make([]llm.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, llm.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	return specs
}

// Registrations returns the provider to tool-name associations from the last
// refresh, in provider order.
func (r *Registry) Registrations() []ClientRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientRegistration, len(r.registrations))
	for i, reg := range r.registrations {
		out[i] = ClientRegistration{Provider: reg.Provider, ToolNames: append([]string(nil), reg.ToolNames...)}
	}
	return out
}

// Resources returns every cached resource in load order.
func (r *Registry) Resources() []ResourceEntry {
	r.resMu.Lock()
	defer r.resMu.Unlock()
	out := make([]ResourceEntry, 0, len(r.resOrder))
	for _, uri := range r.resOrder {
		out = append(out, r.resources[uri])
	}
	return out
}
