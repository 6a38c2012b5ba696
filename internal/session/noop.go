package session

import (
	"context"

	"github.com/opentiny/next-sdk/internal/llm"
)

// NoopStore is a no-op implementation of Store used when sessions are disabled.
// It silently discards all writes and returns empty results for reads.
type NoopStore struct{}

func (s *NoopStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	return nil
}

func (s *NoopStore) Get(ctx context.Context, id string) (*Session, error) {
	return nil, ErrNotFound
}

func (s *NoopStore) Delete(ctx context.Context, id string) error {
	return ErrNotFound
}

func (s *NoopStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	return nil, nil
}

func (s *NoopStore) AddMessages(ctx context.Context, sessionID string, msgs []llm.Message) error {
	return nil
}

func (s *NoopStore) GetMessages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	return nil, nil
}

func (s *NoopStore) UpdateMetrics(ctx context.Context, id string, m Metrics) error {
	return nil
}

func (s *NoopStore) Close() error {
	return nil
}
