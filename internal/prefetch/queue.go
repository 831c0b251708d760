package prefetch

import (
	"container/heap"
	"sync"

	"goflare.io/armodel/models"
)

const (
	MinPriority = 1
	MaxPriority = 10
)

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	switch {
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	default:
		return p
	}
}

// Item is one pending prefetch. Key is the source URL of the model.
type Item struct {
	Key       string
	AssetType string
	Priority  int

	seq   uint64
	index int
}

// itemHeap pops the highest priority first and the oldest among equals.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is a bounded priority queue that coalesces pending duplicates.
type Queue struct {
	mu      sync.Mutex
	items   itemHeap
	pending map[string]*Item
	limit   int
	seq     uint64
}

// NewQueue creates a queue holding at most limit items. limit <= 0 means
// unbounded.
func NewQueue(limit int) *Queue {
	return &Queue{
		pending: make(map[string]*Item),
		limit:   limit,
	}
}

// Push enqueues item. If the key is already pending its priority is raised
// to the higher of the two and Push reports false.
func (q *Queue) Push(item Item) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.Priority = ClampPriority(item.Priority)

	if existing, ok := q.pending[item.Key]; ok {
		if item.Priority > existing.Priority {
			existing.Priority = item.Priority
			heap.Fix(&q.items, existing.index)
		}
		return false, nil
	}

	if q.limit > 0 && len(q.items) >= q.limit {
		return false, models.ErrQueueFull
	}

	q.seq++
	it := &Item{
		Key:       item.Key,
		AssetType: item.AssetType,
		Priority:  item.Priority,
		seq:       q.seq,
	}
	heap.Push(&q.items, it)
	q.pending[it.Key] = it
	return true, nil
}

// Pop removes the next item.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	it := heap.Pop(&q.items).(*Item)
	delete(q.pending, it.Key)
	return *it, true
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every pending item and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = nil
	q.pending = make(map[string]*Item)
	return n
}
