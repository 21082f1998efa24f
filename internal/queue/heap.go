package queue

import (
	"container/heap"
	"sync"
	"time"
)

// scheduledJob is one entry in the in-memory dispatch index. The durable row
// in the store is authoritative; this index only decides dispatch order.
type scheduledJob struct {
	JobID    string
	Priority int       // 1 = highest
	ReadyAt  time.Time // zero for immediately dispatchable jobs
	QueuedAt time.Time
	index    int
}

// jobHeap orders by priority (ascending; 1 first), then FIFO within a
// priority.
type jobHeap []*scheduledJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*scheduledJob)
	item.index = n
	*h = append(*h, item)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// dispatchIndex is the thread-safe priority index over waiting jobs.
type dispatchIndex struct {
	mu   sync.Mutex
	heap jobHeap
	byID map[string]*scheduledJob
}

func newDispatchIndex() *dispatchIndex {
	idx := &dispatchIndex{
		heap: make(jobHeap, 0),
		byID: make(map[string]*scheduledJob),
	}
	heap.Init(&idx.heap)
	return idx
}

// Add schedules a job for dispatch. Re-adding an existing id is a no-op.
func (idx *dispatchIndex) Add(jobID string, priority int, readyAt time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.byID[jobID]; exists {
		return
	}

	entry := &scheduledJob{
		JobID:    jobID,
		Priority: priority,
		ReadyAt:  readyAt,
		QueuedAt: time.Now(),
	}
	heap.Push(&idx.heap, entry)
	idx.byID[jobID] = entry
}

// PopReady removes and returns the best dispatchable job id at the given
// time, or "" when nothing is ready.
func (idx *dispatchIndex) PopReady(now time.Time) string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	// The heap orders by priority; a high-priority job still backing off
	// must not starve lower-priority ready jobs, so skip over unready
	// entries and restore them afterwards.
	var skipped []*scheduledJob
	defer func() {
		for _, entry := range skipped {
			heap.Push(&idx.heap, entry)
			idx.byID[entry.JobID] = entry
		}
	}()

	for idx.heap.Len() > 0 {
		entry := heap.Pop(&idx.heap).(*scheduledJob)
		delete(idx.byID, entry.JobID)

		if !entry.ReadyAt.IsZero() && entry.ReadyAt.After(now) {
			skipped = append(skipped, entry)
			continue
		}
		return entry.JobID
	}
	return ""
}

// Remove drops a job from the index. Returns true if it was scheduled.
func (idx *dispatchIndex) Remove(jobID string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, exists := idx.byID[jobID]
	if !exists {
		return false
	}
	heap.Remove(&idx.heap, entry.index)
	delete(idx.byID, jobID)
	return true
}

// Len returns the number of scheduled jobs.
func (idx *dispatchIndex) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.byID)
}
