package delivery

// Kind discriminates the per-session streaming signals.
type Kind string

const (
	KindChunk Kind = "chunk"
	KindEnd   Kind = "end"
	KindError Kind = "error"
)

// Event is one streaming signal delivered to a session's observers.
// Chunk events carry text; end events may carry a token count; error
// events carry a message distinguishable from a normal end-of-stream.
type Event struct {
	Kind       Kind   `json:"kind"`
	Text       string `json:"text,omitempty"`
	Message    string `json:"message,omitempty"`
	TokenCount int    `json:"token_count,omitempty"`
}
