package intake

import (
	"sync"

	"github.com/fleetimmune/fleetimmune/internal/model"
)

// DetectionHistory retains the most recent detection reports for audit,
// evicting the oldest once the cap is exceeded.
type DetectionHistory struct {
	mu      sync.RWMutex
	reports []*model.DetectionReport
	cap     int
}

// NewDetectionHistory creates a history retaining at most capacity reports.
func NewDetectionHistory(capacity int) *DetectionHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &DetectionHistory{cap: capacity}
}

// Add appends a report, evicting the oldest when full.
func (h *DetectionHistory) Add(report *model.DetectionReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reports) == h.cap {
		h.reports = h.reports[1:]
	}
	h.reports = append(h.reports, report)
}

// Recent returns up to limit reports, most recent first.
func (h *DetectionHistory) Recent(limit int) []*model.DetectionReport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.reports)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*model.DetectionReport, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.reports[i])
	}
	return out
}

// CountBySeverity aggregates retained reports by severity.
func (h *DetectionHistory) CountBySeverity() map[model.Severity]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	counts := make(map[model.Severity]int)
	for _, report := range h.reports {
		counts[report.Severity]++
	}
	return counts
}

// Len returns the number of retained reports.
func (h *DetectionHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.reports)
}
