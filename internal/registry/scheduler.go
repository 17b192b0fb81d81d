package registry

import (
	"container/heap"
	"sync"
	"time"
)

type deadlineItem struct {
	deadline time.Time
	id       string
	index    int
}

// deadlineHeap is a min-heap of deadlines with at most one item per
// connection.
type deadlineHeap []*deadlineItem

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	it := x.(*deadlineItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type scheduler struct {
	mu    sync.Mutex
	h     deadlineHeap
	items map[string]*deadlineItem
	wake  chan struct{}
}

func newScheduler() *scheduler {
	return &scheduler{
		items: make(map[string]*deadlineItem),
		wake:  make(chan struct{}, 1),
	}
}

// push sets the deadline of id, moving its existing item if there is one.
func (s *scheduler) push(id string, deadline time.Time) {
	s.mu.Lock()
	if it, ok := s.items[id]; ok {
		it.deadline = deadline
		heap.Fix(&s.h, it.index)
	} else {
		it := &deadlineItem{deadline: deadline, id: id}
		heap.Push(&s.h, it)
		s.items[id] = it
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// remove drops the item of id, if any.
func (s *scheduler) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		heap.Remove(&s.h, it.index)
		delete(s.items, id)
	}
}

func (s *scheduler) next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].deadline, true
}

// popDue removes and returns the earliest item if it is due at now.
func (s *scheduler) popDue(now time.Time) (deadlineItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 || s.h[0].deadline.After(now) {
		return deadlineItem{}, false
	}
	it := heap.Pop(&s.h).(*deadlineItem)
	delete(s.items, it.id)
	return *it, true
}

func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.h)
}
