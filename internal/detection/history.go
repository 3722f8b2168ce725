package detection

import "sync"

// History keeps the most recent detections, evicting the oldest past capacity.
type History struct {
	mu sync.RWMutex
	r  *ring[Detection]
}

// NewHistory creates a history capped at size entries.
func NewHistory(size int) *History {
	return &History{r: newRing[Detection](size)}
}

// Add appends a detection.
func (h *History) Add(d Detection) {
	h.mu.Lock()
	h.r.push(d)
	h.mu.Unlock()
}

// Len reports the number of retained detections.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.r.len()
}

// Recent returns up to limit detections, newest first. limit <= 0 returns all.
func (h *History) Recent(limit int) []Detection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.r.len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Detection, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.r.at(i))
	}
	return out
}

// ForFeed returns retained detections of one feed, newest first.
func (h *History) ForFeed(key FeedKey) []Detection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Detection
	for i := h.r.len() - 1; i >= 0; i-- {
		if d := h.r.at(i); d.Key == key {
			out = append(out, d)
		}
	}
	return out
}
