package session

import (
	"context"
	"errors"

	"github.com/opentiny/next-sdk/internal/llm"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]Summary, error)

	// AddMessages appends one committed batch of history atomically.
	AddMessages(ctx context.Context, sessionID string, msgs []llm.Message) error
	GetMessages(ctx context.Context, sessionID string) ([]llm.Message, error)

	// UpdateMetrics adds the counters of a finished turn.
	UpdateMetrics(ctx context.Context, id string, m Metrics) error

	Close() error
}

// Config holds session storage configuration.
type Config struct {
	Enabled  bool
	Path     string // sqlite database file
	MaxCount int    // Keep at most N sessions (0=unlimited)
}

// NewStore returns a SQLiteStore, or a NoopStore when sessions are disabled.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return &NoopStore{}, nil
	}
	return NewSQLiteStore(cfg)
}
