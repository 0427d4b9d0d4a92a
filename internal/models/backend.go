package models

// Backend describes one entry in the Backend Pool's ordered fallback
// chain: a stable name used in logs and MemoryRecord headers, and a
// human-facing label for console output.
type Backend struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// Message is one role-tagged turn of prior dialog handed to a backend
// Adapter as conversational history.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// GenerateRequest is the input to a backend Adapter's Generate/Stream
// call: an optional system preamble, role-tagged prior messages, the
// current user prompt, and the token budget the caller is willing to
// spend.
type GenerateRequest struct {
	System      string
	History     []Message
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// GenerateResponse is a backend Adapter's successful output.
type GenerateResponse struct {
	Text         string
	Backend      string
	InputTokens  int
	OutputTokens int
}

// StreamChunk is one piece of a streaming Adapter response. Final is
// true exactly once, on the chunk that carries no further Text. Reset
// is set by the backend pool when a mid-stream failure forced a
// fallback: the consumer must discard everything buffered so far, and
// the next backend's stream starts over from the beginning.
type StreamChunk struct {
	Text  string
	Final bool
	Reset bool
	Resp  *GenerateResponse // set only when Final
}
