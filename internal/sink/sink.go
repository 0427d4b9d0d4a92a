// Package sink defines the output surface the dispatcher streams
// subtask output to. A Sink is keyed by subtask identifier: chunks
// arrive as a subtask's backend streams tokens, status transitions
// arrive as the lifecycle advances, and Start/Stop bracket a run.
//
// A Sink is free to render in any layout, but completed outputs must be
// presented in identifier order once a wave ends. The dispatcher makes
// this easy by issuing terminal Status calls in ascending identifier
// order after the whole wave has joined, never as subtasks complete.
package sink

import "github.com/loomrun/loom/internal/models"

// Sink receives streamed output and lifecycle transitions for the
// subtasks of one dispatcher run. Implementations must be safe for
// concurrent use: chunks for different subtasks arrive from different
// goroutines.
type Sink interface {
	// Start is called once before the first wave is scheduled.
	Start()

	// Stop is called once after the run ends, successfully or not.
	Stop()

	// Chunk delivers one streamed fragment of a subtask's output.
	// Fragments may split tokens; the sink joins them.
	Chunk(id, text string)

	// Status records a lifecycle transition for a subtask.
	Status(id string, status models.SubtaskStatus)
}

// Null is a Sink that discards everything. Used when the caller has no
// interest in streamed output (tests, headless runs).
type Null struct{}

func (Null) Start()                                   {}
func (Null) Stop()                                    {}
func (Null) Chunk(id, text string)                    {}
func (Null) Status(id string, s models.SubtaskStatus) {}
