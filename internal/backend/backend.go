// Package backend holds the inference backend pool: an ordered set of
// adapters tried in fixed priority order, falling back past transport
// failures and surfacing policy refusals unchanged. Adapters are the
// closed set of shapes the core knows about; a concrete cloud-API wire
// client implements Adapter outside this repository.
package backend

import (
	"context"
	"fmt"

	"github.com/loomrun/loom/internal/models"
)

// ChunkFunc receives streamed output from an Adapter or the Pool. A
// non-nil error return aborts the stream; the adapter must stop
// promptly and propagate the error.
type ChunkFunc func(chunk models.StreamChunk) error

// Adapter is the two-method inference surface every backend exposes.
// Generate blocks until the full response is available; Stream delivers
// it as a lazy sequence of non-empty text chunks and returns the final
// response once the stream terminates.
//
// Both methods must honor ctx cancellation at every suspension point.
type Adapter interface {
	// Name returns the backend's stable name, used in logs and in
	// MemoryRecord headers to label which backend produced an output.
	Name() string

	// Label returns the human-facing label for console output.
	Label() string

	Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error)
	Stream(ctx context.Context, req models.GenerateRequest, onChunk ChunkFunc) (*models.GenerateResponse, error)
}

// PolicyError marks a backend refusal (content policy, quota). The pool
// never falls back past one: the caller sees it unchanged.
type PolicyError struct {
	Backend string
	Reason  string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("backend %s refused: %s", e.Backend, e.Reason)
}

// Kind classifies e for the error taxonomy.
func (e *PolicyError) Kind() models.ErrorKind { return models.KindPolicy }
