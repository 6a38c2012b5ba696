// Package llmtest provides a scripted llm.Gateway for tests.
package llmtest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/opentiny/next-sdk/internal/llm"
)

// MockTurn scripts one Stream call of a MockGateway.
type MockTurn struct {
	Chunks    []llm.Chunk
	StartErr  error         // returned from Stream itself
	StreamErr error         // returned from Recv after Chunks are delivered
	Delay     time.Duration // pause before each chunk
}

// MockGateway replays scripted turns. It records every request it receives.
type MockGateway struct {
	mu       sync.Mutex
	name     string
	caps     llm.Capabilities
	turns    []MockTurn
	next     int
	requests []llm.Request
}

func NewMockGateway(name string) *MockGateway {
	return &MockGateway{name: name, caps: llm.Capabilities{ToolCalls: true}}
}

func (m *MockGateway) WithCapabilities(caps llm.Capabilities) *MockGateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = caps
	return m
}

func (m *MockGateway) Name() string {
	return m.name
}

func (m *MockGateway) Capabilities() llm.Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

// AddTurn appends a scripted turn.
func (m *MockGateway) AddTurn(turn MockTurn) *MockGateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
	return m
}

// AddTextResponse scripts a turn that streams text word by word.
func (m *MockGateway) AddTextResponse(text string) *MockGateway {
	var chunks []llm.Chunk
	for _, piece := range chunkText(text) {
		chunks = append(chunks, llm.Chunk{Text: piece})
	}
	chunks = append(chunks, llm.Chunk{FinishReason: "stop"})
	return m.AddTurn(MockTurn{Chunks: chunks})
}

// AddToolCall scripts a turn with a single tool call whose arguments arrive in
// fragments, with the id only on the first fragment.
func (m *MockGateway) AddToolCall(id, name, args string) *MockGateway {
	return m.AddToolCalls(llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}})
}

// AddToolCalls scripts a turn with several tool calls streamed one after the other.
func (m *MockGateway) AddToolCalls(calls ...llm.ToolCall) *MockGateway {
	var chunks []llm.Chunk
	for i, call := range calls {
		chunks = append(chunks, ToolCallChunks(i, call.ID, call.Function.Name, call.Function.Arguments, 3)...)
	}
	chunks = append(chunks, llm.Chunk{FinishReason: "tool_calls"})
	return m.AddTurn(MockTurn{Chunks: chunks})
}

// AddError scripts a turn whose Stream call fails.
func (m *MockGateway) AddError(err error) *MockGateway {
	return m.AddTurn(MockTurn{StartErr: err})
}

// Requests returns the requests received so far.
func (m *MockGateway) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Remaining reports how many scripted turns are unused.
func (m *MockGateway) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns) - m.next
}

func (m *MockGateway) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	m.mu.Lock()
	req.Messages = llm.CloneMessages(req.Messages)
	m.requests = append(m.requests, req)
	if m.next >= len(m.turns) {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock gateway %s: no scripted turn %d", m.name, m.next+1)
	}
	turn := m.turns[m.next]
	m.next++
	m.mu.Unlock()

	if turn.StartErr != nil {
		return nil, turn.StartErr
	}

	ctx, cancel := context.WithCancel(ctx)
	return &scriptedStream{ctx: ctx, cancel: cancel, turn: turn}, nil
}

// scriptedStream replays one MockTurn. Cancelling the context ends it with
// the context's error.
type scriptedStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	turn   MockTurn
	pos    int
	err    error
}

func (s *scriptedStream) Recv() (llm.Chunk, error) {
	if s.err != nil {
		return llm.Chunk{}, s.err
	}
	if s.pos >= len(s.turn.Chunks) {
		s.err = s.turn.StreamErr
		if s.err == nil {
			s.err = io.EOF
		}
		return llm.Chunk{}, s.err
	}
	if err := s.wait(); err != nil {
		s.err = err
		return llm.Chunk{}, err
	}
	chunk := s.turn.Chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) wait() error {
	if s.turn.Delay <= 0 {
		return s.ctx.Err()
	}
	timer := time.NewTimer(s.turn.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *scriptedStream) Close() error {
	s.cancel()
	return nil
}

// ToolCallChunks splits a call into a header chunk carrying id and name plus
// up to parts argument fragments that carry neither.
func ToolCallChunks(index int, id, name, args string, parts int) []llm.Chunk {
	chunks := []llm.Chunk{{ToolCalls: []llm.ToolCallDelta{{Index: index, ID: id, Name: name}}}}
	for _, fragment := range splitN(args, parts) {
		chunks = append(chunks, llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: index, Arguments: fragment}}})
	}
	return chunks
}

func splitN(s string, parts int) []string {
	if s == "" || parts <= 1 {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	size := (len(s) + parts - 1) / parts
	var out []string
	for len(s) > 0 {
		n := min(size, len(s))
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}

// chunkText splits text at word boundaries, keeping the separating spaces.
func chunkText(text string) []string {
	if text == "" {
		return nil
	}
	words := strings.SplitAfter(text, " ")
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
