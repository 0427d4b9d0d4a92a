package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loomrun/loom/internal/logger"
	"github.com/loomrun/loom/internal/models"
)

// ErrNoBackends is returned when a Pool is constructed or invoked with
// an empty adapter list.
var ErrNoBackends = errors.New("backend: no adapters configured")

// Pool tries adapters in fixed priority order. On a transport-class
// failure from one adapter (network, timeout, non-2xx, malformed body,
// nonzero process exit) the pool moves to the next; a PolicyError stops
// the chain and surfaces to the caller. The order is fixed for the
// pool's lifetime.
type Pool struct {
	adapters []Adapter
	logger   logger.Logger
}

// NewPool builds a Pool over adapters in the given priority order.
func NewPool(adapters []Adapter, log logger.Logger) (*Pool, error) {
	if len(adapters) == 0 {
		return nil, ErrNoBackends
	}
	return &Pool{adapters: adapters, logger: log}, nil
}

// Backends returns the descriptor list in priority order.
func (p *Pool) Backends() []models.Backend {
	out := make([]models.Backend, 0, len(p.adapters))
	for _, a := range p.adapters {
		out = append(out, models.Backend{Name: a.Name(), Label: a.Label()})
	}
	return out
}

// Generate tries each adapter's Generate until one succeeds. The
// response reports which backend produced it.
func (p *Pool) Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error) {
	var lastErr error
	for i, adapter := range p.adapters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := adapter.Generate(ctx, req)
		if err == nil {
			resp.Backend = adapter.Name()
			return resp, nil
		}
		if isPolicy(err) || ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		p.logFallback(i, err)
	}
	return nil, fmt.Errorf("backend: all %d adapters failed: %w", len(p.adapters), lastErr)
}

// Stream tries each adapter's Stream until one terminates cleanly.
// Chunks are forwarded to onChunk as they arrive; if an adapter fails
// mid-stream, the pool sends a single Reset chunk so the consumer
// discards what it buffered, then restarts from the start of the next
// adapter's stream.
func (p *Pool) Stream(ctx context.Context, req models.GenerateRequest, onChunk ChunkFunc) (*models.GenerateResponse, error) {
	var lastErr error
	for i, adapter := range p.adapters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		delivered := false
		wrapped := func(chunk models.StreamChunk) error {
			if chunk.Text != "" {
				delivered = true
			}
			return onChunk(chunk)
		}

		resp, err := adapter.Stream(ctx, req, wrapped)
		if err == nil {
			resp.Backend = adapter.Name()
			return resp, nil
		}
		if isPolicy(err) || ctx.Err() != nil {
			return nil, err
		}
		// onChunk itself refusing a chunk is a consumer abort, not a
		// backend failure; don't mask it with a fallback.
		if errors.Is(err, errConsumerAbort) {
			return nil, err
		}

		if delivered {
			if resetErr := onChunk(models.StreamChunk{Reset: true}); resetErr != nil {
				return nil, resetErr
			}
		}
		lastErr = err
		p.logFallback(i, err)
	}
	return nil, fmt.Errorf("backend: all %d adapters failed: %w", len(p.adapters), lastErr)
}

// errConsumerAbort wraps an error returned by the consumer's ChunkFunc
// so the pool can tell it apart from an adapter failure.
var errConsumerAbort = errors.New("backend: stream consumer aborted")

// ConsumerAbort marks err as originating from the ChunkFunc rather than
// the backend. Adapters wrap onChunk errors with this before returning.
func ConsumerAbort(err error) error {
	return fmt.Errorf("%w: %w", errConsumerAbort, err)
}

func (p *Pool) logFallback(failedIdx int, err error) {
	if p.logger == nil {
		return
	}
	next := ""
	if failedIdx+1 < len(p.adapters) {
		next = p.adapters[failedIdx+1].Name()
	}
	p.logger.LogBackendFallback(p.adapters[failedIdx].Name(), next, err)
}

// isPolicy reports whether err is (or wraps) a PolicyError, or carries
// refusal language an adapter could not classify structurally.
func isPolicy(err error) bool {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "content policy") || strings.Contains(msg, "refused to")
}
