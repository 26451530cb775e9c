package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityQueue_OrdersByPriority(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("note", 4)
	pq.Enqueue("key", 0)
	pq.Enqueue("folder", 2)

	v, ok := pq.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, "key", v)

	v, prio, ok := pq.Peek()
	assert.True(t, ok)
	assert.Equal(t, "folder", v)
	assert.Equal(t, 2, prio)

	assert.Equal(t, []string{"folder", "note"}, pq.DequeueAll())

	_, ok = pq.Dequeue()
	assert.False(t, ok)
}

func TestPriorityQueue_StableWithinPriority(t *testing.T) {
	pq := NewPriorityQueue[int]()
	for i := 0; i < 20; i++ {
		pq.Enqueue(i, i%2)
	}

	want := []int{}
	for i := 0; i < 20; i += 2 {
		want = append(want, i)
	}
	for i := 1; i < 20; i += 2 {
		want = append(want, i)
	}
	assert.Equal(t, want, pq.DequeueAll())
}

func TestPriorityQueue_DequeueGroup(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("n1", 4)
	pq.Enqueue("r1", 1)
	pq.Enqueue("n2", 4)
	pq.Enqueue("r2", 1)

	group, prio := pq.DequeueGroup()
	assert.Equal(t, 1, prio)
	assert.Equal(t, []string{"r1", "r2"}, group)

	group, prio = pq.DequeueGroup()
	assert.Equal(t, 4, prio)
	assert.Equal(t, []string{"n1", "n2"}, group)

	group, _ = pq.DequeueGroup()
	assert.Empty(t, group)
}

func TestPriorityQueue_ConcurrentEnqueue(t *testing.T) {
	pq := NewPriorityQueue[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			pq.Enqueue(v, v%5)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, pq.Len())

	last := -1
	for _, v := range pq.DequeueAll() {
		assert.GreaterOrEqual(t, v%5, last)
		last = v % 5
	}
}
