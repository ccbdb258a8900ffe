package queue

import (
	"container/list"
	"time"
)

// entry is a task waiting in a partition.
type entry struct {
	enqueuedAt time.Time
	task       Task
}

// partition holds the FIFO of one channel. It is not safe for concurrent
// use on its own; the owning Queue guards it with its mutex.
type partition struct {
	entries  *list.List
	key      string
	draining bool
	waiting  bool
}

func newPartition(key string) *partition {
	return &partition{
		key:     key,
		entries: list.New(),
	}
}

// enqueue appends a task to the back of the partition.
func (p *partition) enqueue(task Task, now time.Time) {
	p.entries.PushBack(&entry{task: task, enqueuedAt: now})
}

// dequeue removes and returns the front entry, or nil when empty.
func (p *partition) dequeue() *entry {
	front := p.entries.Front()
	if front == nil {
		return nil
	}

	e, ok := front.Value.(*entry)
	p.entries.Remove(front)
	if !ok {
		return nil
	}
	return e
}

// size returns the number of entries waiting in the partition.
func (p *partition) size() int {
	return p.entries.Len()
}

// idle reports whether nothing is queued and no drainer owns the partition.
func (p *partition) idle() bool {
	return p.entries.Len() == 0 && !p.draining && !p.waiting
}
