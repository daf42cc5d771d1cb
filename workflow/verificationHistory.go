package workflow

import (
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/models"
)

const defaultHistoryCapacity = 50

// VerificationRun is one comprehensive verification pass kept in memory
// for the history endpoint.
type VerificationRun struct {
	Timestamp time.Time                                 `json:"timestamp"`
	Results   map[string]*models.SyncVerificationResult `json:"results"`
}

// VerificationHistory is a bounded in-memory ring of recent verification
// runs. Oldest entries are dropped once capacity is reached; nothing is
// persisted.
type VerificationHistory struct {
	mu       sync.Mutex
	runs     []VerificationRun
	capacity int
	next     int
	size     int
}

func NewVerificationHistory(capacity int) *VerificationHistory {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &VerificationHistory{
		runs:     make([]VerificationRun, capacity),
		capacity: capacity,
	}
}

func (h *VerificationHistory) Append(run VerificationRun) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[h.next] = run
	h.next = (h.next + 1) % h.capacity
	if h.size < h.capacity {
		h.size++
	}
}

func (h *VerificationHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Recent returns up to limit runs, newest first.
func (h *VerificationHistory) Recent(limit int) []VerificationRun {
	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 || limit > h.size {
		limit = h.size
	}
	results := make([]VerificationRun, 0, limit)
	for i := 1; i <= limit; i++ {
		index := (h.next - i + h.capacity) % h.capacity
		results = append(results, h.runs[index])
	}
	return results
}
