package dispatch

import "sync"

// historyCapacity bounds how many recent run results feed the stats
// endpoint.
const historyCapacity = 20

type history struct {
	mu      sync.Mutex
	entries []RunResult
	cap     int
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{cap: capacity}
}

func (h *history) Record(result RunResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, result)
	if len(h.entries) > h.cap {
		h.entries = h.entries[len(h.entries)-h.cap:]
	}
}

// Recent returns stored results newest first.
func (h *history) Recent() []RunResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]RunResult, 0, len(h.entries))
	for i := len(h.entries) - 1; i >= 0; i-- {
		out = append(out, h.entries[i])
	}
	return out
}
