package dispatcher

// StreamWriter is the seam between the Dispatcher and the HTTP layer for a
// single streaming response. The apiserver package's implementation owns
// the spec's exact wire format (§6): a bare "data: {...}\n\n" per event and
// per error, no "event:" line, unlike the teacher's named SSE frames.
type StreamWriter interface {
	// Prelude commits response headers (text/event-stream, no buffering)
	// before the first event or error is written.
	Prelude()
	// Event writes one already-encoded upstream event payload as an SSE
	// data frame.
	Event(payload []byte) error
	// Error writes a terminal error as an SSE data frame carrying
	// {"error":{"message":...,"code":...}}.
	Error(message, code string)
	// Close flushes and ends the stream.
	Close()
}
