package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomrun/loom/internal/models"
)

// StubAdapter is an in-memory Adapter serving canned responses. The
// test suite builds pools out of these to exercise fallback order,
// mid-stream failure, and policy surfacing without any external
// process.
type StubAdapter struct {
	BackendName  string
	BackendLabel string

	// Respond computes the response for the n-th invocation (1-based).
	// Returning an error makes this invocation fail; the pool then
	// falls back. When nil, Text is returned for every invocation.
	Respond func(n int, req models.GenerateRequest) (string, error)

	// Text is the fixed response used when Respond is nil.
	Text string

	// ChunkSize splits streamed responses into pieces of this many
	// bytes; 0 streams the whole response as one chunk.
	ChunkSize int

	// FailAfterChunks, when > 0, makes Stream emit that many chunks
	// and then fail mid-stream.
	FailAfterChunks int

	mu    sync.Mutex
	calls int
}

func (s *StubAdapter) Name() string {
	if s.BackendName == "" {
		return "stub"
	}
	return s.BackendName
}

func (s *StubAdapter) Label() string {
	if s.BackendLabel == "" {
		return "Stub"
	}
	return s.BackendLabel
}

// Calls reports how many times Generate or Stream has been invoked.
func (s *StubAdapter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StubAdapter) next(req models.GenerateRequest) (string, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.Respond != nil {
		return s.Respond(n, req)
	}
	return s.Text, nil
}

func (s *StubAdapter) Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := s.next(req)
	if err != nil {
		return nil, err
	}
	return &models.GenerateResponse{Text: text, Backend: s.Name()}, nil
}

func (s *StubAdapter) Stream(ctx context.Context, req models.GenerateRequest, onChunk ChunkFunc) (*models.GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := s.next(req)
	if err != nil {
		return nil, err
	}

	size := s.ChunkSize
	if size <= 0 {
		size = len(text)
	}

	sent := 0
	for start := 0; start < len(text); start += size {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		if s.FailAfterChunks > 0 && sent >= s.FailAfterChunks {
			return nil, fmt.Errorf("stub %s: stream interrupted after %d chunks", s.Name(), sent)
		}
		if err := onChunk(models.StreamChunk{Text: text[start:end]}); err != nil {
			return nil, ConsumerAbort(err)
		}
		sent++
	}

	resp := &models.GenerateResponse{Text: text, Backend: s.Name()}
	if err := onChunk(models.StreamChunk{Final: true, Resp: resp}); err != nil {
		return nil, ConsumerAbort(err)
	}
	return resp, nil
}
