package llm

import (
	"context"
	"io"
	"sync"
)

// chunkStream adapts a producer goroutine to the Stream interface.
type chunkStream struct {
	cancel context.CancelFunc
	chunks chan Chunk
	errc   chan error

	mu  sync.Mutex
	err error
}

// newChunkStream runs produce in a goroutine. produce must deliver chunks with
// sendChunk so Close can unblock it.
func newChunkStream(ctx context.Context, produce func(ctx context.Context, out chan<- Chunk) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &chunkStream{
		cancel: cancel,
		chunks: make(chan Chunk, 16),
		errc:   make(chan error, 1),
	}
	go func() {
		defer close(s.chunks)
		if err := produce(ctx, s.chunks); err != nil {
			s.errc <- err
		}
	}()
	return s
}

func (s *chunkStream) Recv() (Chunk, error) {
	chunk, ok := <-s.chunks
	if ok {
		return chunk, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		select {
		case err := <-s.errc:
			s.err = err
		default:
			s.err = io.EOF
		}
	}
	return Chunk{}, s.err
}

func (s *chunkStream) Close() error {
	s.cancel()
	return nil
}

func sendChunk(ctx context.Context, out chan<- Chunk, chunk Chunk) error {
	select {
	case out <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
