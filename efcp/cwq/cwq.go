// Package cwq implements the closed-window queue: the FIFO of DT PDUs
// a connection holds back while its sender window is closed (spec.md
// §3, §4.6).
package cwq

import (
	"errors"
	"sync"

	"github.com/rina-project/efcp/pci"
)

// ErrFull is returned by Push when the queue is already at max_cwq_len.
var ErrFull = errors.New("cwq: queue full")

// Queue is a capacity-bounded FIFO of PDUs awaiting window re-opening.
type Queue struct {
	mu    sync.Mutex
	items []*pci.PDU
	max   int
}

// New returns an empty Queue with the given capacity (spec.md's
// max_cwq_len). A non-positive max means unbounded.
func New(max int) *Queue {
	return &Queue{max: max}
}

// Push appends pdu to the tail of the queue, failing with ErrFull once
// the queue holds max items.
func (q *Queue) Push(pdu *pci.PDU) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.max > 0 && len(q.items) >= q.max {
		return ErrFull
	}
	q.items = append(q.items, pdu)
	return nil
}

// Pop removes and returns the PDU at the head of the queue. ok is false
// if the queue is empty.
func (q *Queue) Pop() (pdu *pci.PDU, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	pdu = q.items[0]
	q.items = q.items[1:]
	return pdu, true
}

// Len reports the number of PDUs currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every queued PDU, in FIFO order, emptying
// the queue. Used on connection destruction (spec.md §3 Lifecycle).
func (q *Queue) Drain() []*pci.PDU {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil
	return out
}
