package propagate

import (
	"fmt"
	"sync"

	"github.com/fleetimmune/fleetimmune/internal/model"
)

// History is a bounded ring of propagation results. Results are immutable
// once added; eviction drops the oldest entry.
type History struct {
	mu      sync.RWMutex
	results []*model.PropagationResult
	byID    map[string]*model.PropagationResult
	cap     int
}

// NewHistory creates a history retaining at most capacity results.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		byID: make(map[string]*model.PropagationResult),
		cap:  capacity,
	}
}

// Add records a result, evicting the oldest when the ring is full.
func (h *History) Add(result *model.PropagationResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.results) == h.cap {
		evicted := h.results[0]
		h.results = h.results[1:]
		delete(h.byID, evicted.PropagationID)
	}
	h.results = append(h.results, result)
	h.byID[result.PropagationID] = result
}

// Get returns a retained result by propagation id.
func (h *History) Get(propagationID string) (*model.PropagationResult, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result, exists := h.byID[propagationID]
	if !exists {
		return nil, fmt.Errorf("propagation %s: %w", propagationID, model.ErrNotFound)
	}
	return result, nil
}

// Recent returns up to limit results, most recent first.
func (h *History) Recent(limit int) []*model.PropagationResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.results)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*model.PropagationResult, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.results[i])
	}
	return out
}

// Len returns the number of retained results.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.results)
}
