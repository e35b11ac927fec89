// Package modellog implements C8: a structured, append-only, size-bounded
// sink for per-upstream-call diagnostics — distinct from the ambient text
// logger in internal/logging, because C8 logs full request/response bodies
// for every upstream invocation, which would flood a human-readable stream.
// Adapted from the capped-history mechanics of the teacher's
// internal/utils/logger.go (same oldest-evicted ring behaviour), repurposed
// to a different record shape and a different, swallow-on-failure contract.
package modellog

import "sync"

// AccountSummary is the minimal account identity attached to a record (§4.6).
type AccountSummary struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Tier  string `json:"tier"`
}

// Record is one structured diagnostic entry (§4.6 field list).
type Record struct {
	Kind        string         `json:"kind"`     // "chat" | "stream_chat"
	Provider    string         `json:"provider"` // always "cloud-code-assist" today
	Endpoint    string         `json:"endpoint"`
	Model       string         `json:"model"`
	Stream      bool           `json:"stream"`
	Status      string         `json:"status"` // "success" | "error"
	LatencyMs   int64          `json:"latencyMs"`
	Account     AccountSummary `json:"account"`
	RequestBody string         `json:"requestBody"`
	// ResponseBody holds the full response for non-streaming calls, or a
	// newline-joined list of chunk JSON for streaming calls.
	ResponseBody string `json:"responseBody,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Sink is an append-only, size-bounded store of Records (C8).
type Sink struct {
	mu      sync.Mutex
	records []Record
	cap     int
}

// NewSink creates a Sink that retains at most capacity records, evicting the
// oldest on overflow.
func NewSink(capacity int) *Sink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Sink{cap: capacity}
}

// Append adds a record, evicting the oldest if the sink is full. Append
// never returns an error: logging failures (e.g. a future durable backend
// being unreachable) are swallowed per §4.6, never surfaced to the caller
// whose request already completed.
func (s *Sink) Append(r Record) {
	defer func() { _ = recover() }() // swallow logging failures unconditionally

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	if len(s.records) > s.cap {
		s.records = s.records[len(s.records)-s.cap:]
	}
}

// Recent returns a copy of the last n records (or all, if n <= 0 or exceeds
// the current length).
func (s *Sink) Recent(n int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.records) {
		n = len(s.records)
	}
	start := len(s.records) - n
	out := make([]Record, n)
	copy(out, s.records[start:])
	return out
}
