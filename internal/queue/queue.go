package queue

import (
	"container/heap"
	"sync"
)

type entry[T any] struct {
	value    T
	priority int
	seq      uint64
}

// entries orders by priority, then by insertion order. Lower priority values
// come out first.
type entries[T any] []entry[T]

func (e entries[T]) Len() int { return len(e) }

func (e entries[T]) Less(i, j int) bool {
	if e[i].priority != e[j].priority {
		return e[i].priority < e[j].priority
	}
	return e[i].seq < e[j].seq
}

func (e entries[T]) Swap(i, j int) { e[i], e[j] = e[j], e[i] }

func (e *entries[T]) Push(x any) { *e = append(*e, x.(entry[T])) }

func (e *entries[T]) Pop() any {
	old := *e
	n := len(old)
	it := old[n-1]
	old[n-1] = entry[T]{}
	*e = old[:n-1]
	return it
}

// PriorityQueue is a goroutine-safe min-priority queue. Values with equal
// priority are dequeued in the order they were enqueued.
type PriorityQueue[T any] struct {
	mu      sync.Mutex
	entries entries[T]
	nextSeq uint64
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{}
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.entries)
}

func (pq *PriorityQueue[T]) Enqueue(value T, priority int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	heap.Push(&pq.entries, entry[T]{value: value, priority: priority, seq: pq.nextSeq})
	pq.nextSeq++
}

func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.entries) == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&pq.entries).(entry[T]).value, true
}

// Peek returns the next value and its priority without removing it.
func (pq *PriorityQueue[T]) Peek() (T, int, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.entries) == 0 {
		var zero T
		return zero, 0, false
	}
	return pq.entries[0].value, pq.entries[0].priority, true
}

// DequeueAll drains the queue in priority order.
func (pq *PriorityQueue[T]) DequeueAll() []T {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	out := make([]T, 0, len(pq.entries))
	for len(pq.entries) > 0 {
		out = append(out, heap.Pop(&pq.entries).(entry[T]).value)
	}
	return out
}

// DequeueGroup removes and returns every value sharing the lowest priority
// currently queued.
func (pq *PriorityQueue[T]) DequeueGroup() ([]T, int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.entries) == 0 {
		return nil, 0
	}
	priority := pq.entries[0].priority
	var out []T
	for len(pq.entries) > 0 && pq.entries[0].priority == priority {
		out = append(out, heap.Pop(&pq.entries).(entry[T]).value)
	}
	return out, priority
}
