package mcp

import (
	"context"
	"io"
	"log/slog"
	"testing"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func inMemoryClient(t *testing.T, name string) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
	go func() {
		_, _ = newWeatherServer().Connect(ctx, serverTransport, nil)
	}()
	return NewTransportClient(name, clientTransport)
}

func TestManager_AddAndProviders(t *testing.T) {
	m := NewManager(nil, quietLogger())
	defer m.StopAll()
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha"} {
		if err := m.Add(ctx, inMemoryClient(t, name)); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
	}

	providers := m.Providers()
	if len(providers) != 2 {
		t.Fatalf("providers=%d, want 2", len(providers))
	}
	if providers[0].Name() != "alpha" || providers[1].Name() != "zeta" {
		t.Errorf("order=%s,%s, want alpha,zeta", providers[0].Name(), providers[1].Name())
	}

	tools, err := providers[0].ListTools(ctx)
	if err != nil || len(tools) == 0 {
		t.Fatalf("ListTools: %v (%d tools)", err, len(tools))
	}

	states := m.States()
	for _, s := range states {
		if s.Status != StatusReady || s.Kind != TransportInMemory {
			t.Errorf("state=%+v", s)
		}
	}
}

func TestManager_StartUnknownServer(t *testing.T) {
	m := NewManager(&Config{Servers: map[string]ServerConfig{}}, quietLogger())
	if err := m.Start(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestManager_StartFailureIsIsolated(t *testing.T) {
	cfg := &Config{Servers: map[string]ServerConfig{
		"missing": {Command: "/nonexistent/next-sdk-test-server"},
	}}
	m := NewManager(cfg, quietLogger())
	defer m.StopAll()
	ctx := context.Background()

	if err := m.Add(ctx, inMemoryClient(t, "weather")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start should not fail on a broken server: %v", err)
	}

	providers := m.Providers()
	if len(providers) != 1 || providers[0].Name() != "weather" {
		t.Fatalf("providers=%v, want only weather", providers)
	}

	var failed *ServerState
	for _, s := range m.States() {
		if s.Name == "missing" {
			failed = &s
		}
	}
	if failed == nil || failed.Status != StatusFailed || failed.Error == nil {
		t.Errorf("missing server state=%+v, want failed", failed)
	}
}

func TestManager_Stop(t *testing.T) {
	m := NewManager(nil, quietLogger())
	ctx := context.Background()
	if err := m.Add(ctx, inMemoryClient(t, "weather")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Stop("weather"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(m.Providers()) != 0 {
		t.Error("stopped server still listed as provider")
	}
	if err := m.Stop("weather"); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
