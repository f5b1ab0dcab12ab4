// Package framequeue buffers video fragments between the camera control loop,
// which receives them from the event bus, and the feeder goroutine that writes
// them into the transcoder.
package framequeue

import (
	"sync"

	"eufybridge/pkg/models"
)

// Queue is an unbounded FIFO of fragments, safe for one producer and one
// consumer running concurrently.
type Queue struct {
	items []*models.Frame
	head  int
	seq   uint64
	mu    sync.Mutex
}

// New creates an empty queue
func New() *Queue {
	return &Queue{
		items: make([]*models.Frame, 0, 64),
	}
}

// Push appends a fragment and stamps it with its arrival order
func (q *Queue) Push(frame *models.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	frame.Seq = q.seq
	q.items = append(q.items, frame)
}

// Pop removes the oldest fragment. ok is false when the queue is empty.
func (q *Queue) Pop() (frame *models.Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.items) {
		return nil, false
	}

	frame = q.items[q.head]
	q.items[q.head] = nil
	q.head++

	// Reclaim the consumed prefix once it dominates the backing array
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}

	return frame, true
}

// Len returns the number of queued fragments
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Empty reports whether nothing is queued
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Clear drops every queued fragment and returns how many were dropped
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.items) - q.head
	for i := range q.items {
		q.items[i] = nil
	}
	q.items = q.items[:0]
	q.head = 0
	return dropped
}
