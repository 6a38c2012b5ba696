package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opentiny/next-sdk/internal/host"
)

// ServerStatus represents the current state of an MCP server.
type ServerStatus string

const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusFailed   ServerStatus = "failed"
)

// ServerState holds the state of a managed MCP server.
type ServerState struct {
	Name   string
	Kind   TransportKind
	Status ServerStatus
	Error  error
}

// DefaultStartTimeout bounds how long one server may take to connect.
const DefaultStartTimeout = 30 * time.Second

// Manager handles MCP server lifecycle and hands ready clients to the host.
type Manager struct {
	config       *Config
	logger       *slog.Logger
	startTimeout time.Duration

	mu       sync.RWMutex
	clients  map[string]*Client
	statuses map[string]*ServerState
}

// NewManager creates a manager for the given configuration.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = &Config{Servers: make(map[string]ServerConfig)}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:       cfg,
		logger:       logger,
		startTimeout: DefaultStartTimeout,
		clients:      make(map[string]*Client),
		statuses:     make(map[string]*ServerState),
	}
}

// Start connects to the named servers concurrently. An empty names list
// starts every configured server. A server that fails to connect is marked
// failed and logged; it does not prevent the others from starting. Start
// returns an error only for unknown server names.
func (m *Manager) Start(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = m.config.ServerNames()
	}

	var clients []*Client
	for _, name := range names {
		serverCfg, ok := m.config.Servers[name]
		if !ok {
			return fmt.Errorf("unknown MCP server: %s", name)
		}
		client, err := NewClient(name, serverCfg)
		if err != nil {
			return err
		}
		clients = append(clients, client)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, client := range clients {
		if !m.markStarting(client) {
			continue
		}
		g.Go(func() error {
			startCtx, cancel := context.WithTimeout(gctx, m.startTimeout)
			defer cancel()
			err := client.Start(startCtx)
			m.markDone(client, err)
			return nil
		})
	}
	return g.Wait()
}

// Add registers an already-built client (for example an in-memory one) and
// connects it.
func (m *Manager) Add(ctx context.Context, client *Client) error {
	if !m.markStarting(client) {
		return nil
	}
	err := client.Start(ctx)
	m.markDone(client, err)
	return err
}

func (m *Manager) markStarting(client *Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.statuses[client.Name()]; ok {
		if state.Status == StatusStarting || state.Status == StatusReady {
			return false
		}
	}
	m.clients[client.Name()] = client
	m.statuses[client.Name()] = &ServerState{Name: client.Name(), Kind: client.Kind(), Status: StatusStarting}
	return true
}

func (m *Manager) markDone(client *Client, err error) {
	m.mu.Lock()
	state := m.statuses[client.Name()]
	if err != nil {
		state.Status = StatusFailed
		state.Error = err
		delete(m.clients, client.Name())
	} else {
		state.Status = StatusReady
		state.Error = nil
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("mcp server failed to start", "server", client.Name(), "error", err)
	} else {
		m.logger.Debug("mcp server ready", "server", client.Name(), "transport", client.Kind())
	}
}

// Providers returns the ready clients sorted by name. The order is the
// registration order the host uses, so later names win tool-name collisions.
func (m *Manager) Providers() []host.ToolProvider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name, state := range m.statuses {
		if state.Status == StatusReady {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	providers := make([]host.ToolProvider, 0, len(names))
	for _, name := range names {
		providers = append(providers, m.clients[name])
	}
	return providers
}

// Stop disconnects one server.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	client, ok := m.clients[name]
	delete(m.clients, name)
	if state, ok := m.statuses[name]; ok {
		state.Status = StatusStopped
		state.Error = nil
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return client.Close()
}

// StopAll stops all running MCP servers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.statuses = make(map[string]*ServerState)
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			m.logger.Debug("mcp server close failed", "server", c.Name(), "error", err)
		}
	}
}

// States returns the state of every known server, sorted by name.
func (m *Manager) States() []ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make([]ServerState, 0, len(m.statuses))
	for _, state := range m.statuses {
		states = append(states, *state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}
