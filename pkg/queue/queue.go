// Package queue implements the bounded, priority-ordered admission queue
// that sits between the HTTP façade and the Coordinator's dispatch loop.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/khryptorgraphics/gpubuild/pkg/model"
	sharederrors "github.com/khryptorgraphics/gpubuild/pkg/shared/errors"
)

// item is one heap entry: a request plus the ordering key computed at
// enqueue (or reprioritize) time. Two items with the same QueueRank dispatch
// in arrival order.
type item struct {
	request  model.BuildRequest
	rank     int
	sequence int64
	index    int // maintained by heap.Interface, used by Manager.remove
}

// itemHeap is a min-heap ordered by (rank, sequence): lower rank first, and
// within a rank, earlier arrivals first.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].sequence < h[j].sequence
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Manager is the admission queue: a capacity-bounded, priority-ordered set
// of pending BuildRequests, indexed by ID for O(log n) removal and
// reprioritization. A single mutex guards all state; blocking Dequeue calls
// wait on a notify channel rather than holding the lock.
type Manager struct {
	mu       sync.Mutex
	heap     itemHeap
	byID     map[string]*item
	capacity int
	seq      int64
	notify   chan struct{}
}

// NewManager constructs a Manager bounded at capacity pending requests.
func NewManager(capacity int) *Manager {
	return &Manager{
		heap:     make(itemHeap, 0),
		byID:     make(map[string]*item),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

func (m *Manager) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Enqueue admits a request at its current Priority. It returns an error if
// the queue is at capacity or the request's ID is already queued — both are
// caller mistakes (the façade should reject duplicates before calling in),
// not transient conditions.
func (m *Manager) Enqueue(req model.BuildRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.heap) >= m.capacity {
		return sharederrors.FailedToWithDetails("enqueue", "queue", req.ID,
			sharederrors.ValidationError("queue", "queue is at capacity"))
	}
	if _, exists := m.byID[req.ID]; exists {
		return sharederrors.FailedToWithDetails("enqueue", "queue", req.ID,
			sharederrors.ValidationError("id", "build is already queued"))
	}

	m.seq++
	it := &item{request: req, rank: req.Priority.QueueRank(), sequence: m.seq}
	heap.Push(&m.heap, it)
	m.byID[req.ID] = it
	m.wake()
	return nil
}

// Dequeue removes and returns the highest-priority request, blocking up to
// timeout for one to become available. A zero timeout returns immediately.
// Dequeue also returns early if ctx is cancelled.
func (m *Manager) Dequeue(ctx context.Context, timeout time.Duration) (model.BuildRequest, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if len(m.heap) > 0 {
			it := heap.Pop(&m.heap).(*item)
			delete(m.byID, it.request.ID)
			m.mu.Unlock()
			return it.request, true
		}
		m.mu.Unlock()

		if timeout <= 0 {
			return model.BuildRequest{}, false
		}

		select {
		case <-m.notify:
			continue
		case <-deadline.C:
			return model.BuildRequest{}, false
		case <-ctx.Done():
			return model.BuildRequest{}, false
		}
	}
}

// Peek returns the highest-priority request without removing it.
func (m *Manager) Peek() (model.BuildRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heap) == 0 {
		return model.BuildRequest{}, false
	}
	return m.heap[0].request, true
}

// Remove drops a queued build by ID, e.g. on cancellation before dispatch.
func (m *Manager) Remove(buildID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.byID[buildID]
	if !ok {
		return false
	}
	heap.Remove(&m.heap, it.index)
	delete(m.byID, buildID)
	return true
}

// Reprioritize changes a queued request's priority, re-seating it in the
// heap at a fresh sequence number (so it moves to the back of its new
// bucket rather than retaining its original arrival order).
func (m *Manager) Reprioritize(buildID string, newPriority model.Priority) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.byID[buildID]
	if !ok {
		return false
	}
	it.request.Priority = newPriority
	it.rank = newPriority.QueueRank()
	m.seq++
	it.sequence = m.seq
	heap.Fix(&m.heap, it.index)
	return true
}

// Depth returns the number of pending requests.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap)
}

// DepthByClass returns the pending count grouped by the string form of each
// request's Priority, for the façade's queue_status endpoint.
func (m *Manager) DepthByClass() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	for _, it := range m.heap {
		counts[it.request.Priority.String()]++
	}
	return counts
}

// Position returns the 1-based dispatch position of buildID among currently
// pending requests, or false if it is not queued.
func (m *Manager) Position(buildID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[buildID]; !ok {
		return 0, false
	}

	ordered := make(itemHeap, len(m.heap))
	copy(ordered, m.heap)
	sortByDispatchOrder(ordered)

	for i, it := range ordered {
		if it.request.ID == buildID {
			return i + 1, true
		}
	}
	return 0, false
}

// EstimatedWait estimates the wait before buildID reaches dispatch, as its
// queue position times avgBuildTime.
func (m *Manager) EstimatedWait(buildID string, avgBuildTime time.Duration) (time.Duration, bool) {
	pos, ok := m.Position(buildID)
	if !ok {
		return 0, false
	}
	return time.Duration(pos) * avgBuildTime, true
}

// Contains reports whether buildID is currently queued.
func (m *Manager) Contains(buildID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[buildID]
	return ok
}

// Clear empties the queue and returns the number of requests discarded.
func (m *Manager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.heap)
	m.heap = m.heap[:0]
	m.byID = make(map[string]*item)
	return n
}

// All returns every pending request in dispatch order, for the façade's
// queue listing.
func (m *Manager) All() []model.BuildRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := make(itemHeap, len(m.heap))
	copy(ordered, m.heap)
	sortByDispatchOrder(ordered)

	out := make([]model.BuildRequest, len(ordered))
	for i, it := range ordered {
		out[i] = it.request
	}
	return out
}

// sortByDispatchOrder sorts a snapshot copy by (rank, sequence) without
// disturbing the live heap's internal index bookkeeping.
func sortByDispatchOrder(h itemHeap) {
	for i := 1; i < len(h); i++ {
		for j := i; j > 0 && h.Less(j, j-1); j-- {
			h[j], h[j-1] = h[j-1], h[j]
		}
	}
}
