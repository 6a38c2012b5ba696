package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) error { return nil }

// scriptedGateway answers each Stream call with the next scripted turn.
type scriptedGateway struct {
	mu    sync.Mutex
	turns []scriptedTurn
	calls int
}

type scriptedTurn struct {
	startErr  error
	chunks    []Chunk
	streamErr error
}

func (g *scriptedGateway) Name() string               { return "scripted" }
func (g *scriptedGateway) Capabilities() Capabilities { return Capabilities{ToolCalls: true} }

func (g *scriptedGateway) Stream(ctx context.Context, req Request) (Stream, error) {
	g.mu.Lock()
	if g.calls >= len(g.turns) {
		g.mu.Unlock()
		return nil, fmt.Errorf("no scripted turn %d", g.calls+1)
	}
	turn := g.turns[g.calls]
	g.calls++
	g.mu.Unlock()

	if turn.startErr != nil {
		return nil, turn.startErr
	}
	return newChunkStream(ctx, func(ctx context.Context, out chan<- Chunk) error {
		for _, chunk := range turn.chunks {
			if err := sendChunk(ctx, out, chunk); err != nil {
				return err
			}
		}
		return turn.streamErr
	}), nil
}

func (g *scriptedGateway) remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.turns) - g.calls
}

func textTurn(text string) scriptedTurn {
	return scriptedTurn{chunks: []Chunk{{Text: text}}}
}

func TestRetryGateway_RetriesBeforeFirstChunk(t *testing.T) {
	inner := &scriptedGateway{turns: []scriptedTurn{
		{startErr: errors.New("API error (status 429): rate limit")},
		{startErr: errors.New("503 service unavailable")},
		textTurn("ok"),
	}}

	var notified []int
	g := WrapWithRetry(inner, RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		func(attempt, maxAttempts int, wait time.Duration, err error) { notified = append(notified, attempt) })
	g.sleep = noSleep

	stream, err := g.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	var text strings.Builder
	for _, c := range collectChunks(t, stream) {
		text.WriteString(c.Text)
	}
	if text.String() != "ok" {
		t.Fatalf("text=%q", text.String())
	}
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Fatalf("notified=%v", notified)
	}
	if got := inner.remaining(); got != 0 {
		t.Fatalf("unused scripted turns=%d, want 0", got)
	}
}

func TestRetryGateway_NoRetryAfterForwarding(t *testing.T) {
	inner := &scriptedGateway{turns: []scriptedTurn{
		{chunks: []Chunk{{Text: "half"}}, streamErr: errors.New("connection reset by peer")},
		textTurn("never"),
	}}

	g := WrapWithRetry(inner, RetryConfig{MaxAttempts: 3}, nil)
	g.sleep = noSleep

	stream, err := g.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()
	if c, err := stream.Recv(); err != nil || c.Text != "half" {
		t.Fatalf("Recv = %+v, %v", c, err)
	}
	if _, err := stream.Recv(); err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected connection reset error, got %v", err)
	}
	if got := inner.remaining(); got != 1 {
		t.Fatalf("remaining turns=%d, want 1 (no replay)", got)
	}
}

func TestRetryGateway_NonRetryable(t *testing.T) {
	inner := &scriptedGateway{turns: []scriptedTurn{
		{startErr: errors.New("invalid api key")},
		textTurn("never"),
	}}

	g := WrapWithRetry(inner, DefaultRetryConfig(), nil)
	g.sleep = noSleep
	stream, err := g.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()
	if _, err := stream.Recv(); err == nil || !strings.Contains(err.Error(), "invalid api key") {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("overloaded_error"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("400 bad request"), false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestCalculateBackoff_RetryAfter(t *testing.T) {
	g := WrapWithRetry(&scriptedGateway{}, RetryConfig{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}, nil)
	if got := g.calculateBackoff(1, errors.New("429: retry-after: 3")); got != 3*time.Second {
		t.Errorf("backoff=%v, want 3s", got)
	}
	if got := g.calculateBackoff(1, errors.New("429: retry after 60")); got != 5*time.Second {
		t.Errorf("backoff=%v, want cap 5s", got)
	}
	if got := g.calculateBackoff(10, errors.New("503")); got != 5*time.Second {
		t.Errorf("backoff=%v, want cap 5s", got)
	}
}

func TestRetryGateway_ContextNotifier(t *testing.T) {
	inner := &scriptedGateway{turns: []scriptedTurn{
		{startErr: errors.New("overloaded_error")},
		textTurn("ok"),
	}}

	g := WrapWithRetry(inner, RetryConfig{MaxAttempts: 2}, nil)
	g.sleep = noSleep

	var seen []error
	ctx := ContextWithRetryNotifier(context.Background(), func(attempt, maxAttempts int, wait time.Duration, err error) {
		seen = append(seen, err)
	})
	stream, err := g.Stream(ctx, Request{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	collectChunks(t, stream)
	if len(seen) != 1 || !strings.Contains(seen[0].Error(), "overloaded") {
		t.Fatalf("seen=%v", seen)
	}
}
