package network

import "sync"

// Event is an outbound message waiting for the next broadcast flush.
type Event struct {
	Type    MessageType
	Payload any
}

// Queue buffers events produced by prefab callbacks so they can be sent
// outside the streaming pass.
type Queue struct {
	mu      sync.Mutex
	pending []Event
}

func NewQueue() *Queue {
	return &Queue{
		pending: make([]Event, 0),
	}
}

func (q *Queue) Enqueue(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, ev)
}

func (q *Queue) Drain(max int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	if max <= 0 || max >= len(q.pending) {
		batch := append([]Event(nil), q.pending...)
		q.pending = q.pending[:0]
		return batch
	}
	batch := append([]Event(nil), q.pending[:max]...)
	q.pending = q.pending[max:]
	return batch
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
