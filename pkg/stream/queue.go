package stream

// Queue is the unbounded FIFO of units waiting for a session. It is not
// safe for concurrent use.
type Queue struct {
	items []*Unit
}

// Push appends a unit at the tail
func (q *Queue) Push(u *Unit) {
	q.items = append(q.items, u)
}

// Len returns the number of queued units
func (q *Queue) Len() int {
	return len(q.items)
}

// Empty reports whether nothing is queued
func (q *Queue) Empty() bool {
	return len(q.items) == 0
}

// Peek returns the head without removing it
func (q *Queue) Peek() *Unit {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Clear drops every queued unit
func (q *Queue) Clear() {
	clear(q.items)
	q.items = q.items[:0]
}

// Drain hands units to send strictly in order. A unit leaves the queue once
// send returned for it without error; on the first error the unit stays at
// the head and draining stops.
func (q *Queue) Drain(send func(*Unit) error) (int, error) {
	sent := 0
	for len(q.items) > 0 {
		if err := send(q.items[0]); err != nil {
			return sent, err
		}
		q.items[0] = nil
		q.items = q.items[1:]
		sent++
	}
	q.items = nil
	return sent, nil
}
