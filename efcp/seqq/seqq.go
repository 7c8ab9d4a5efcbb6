// Package seqq implements the sequence-holding queue: the receive-side
// buffer for DT PDUs that arrive ahead of the current contiguous
// maximum, held until the gap is filled (spec.md §4.4, §4.6).
package seqq

import (
	"sync"

	"github.com/rina-project/efcp/pci"
)

// Queue buffers out-of-order PDUs keyed by sequence number.
type Queue struct {
	mu  sync.Mutex
	buf map[pci.SeqNum]*pci.PDU
}

// New returns an empty sequence-holding queue.
func New() *Queue {
	return &Queue{buf: make(map[pci.SeqNum]*pci.PDU)}
}

// Insert buffers pdu under its sequence number. ok is false if an entry
// for that sequence number is already held (a duplicate in-gap
// arrival); the existing entry is left untouched.
func (q *Queue) Insert(pdu *pci.PDU) (ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.buf[pdu.PCI.Seq]; dup {
		return false
	}
	q.buf[pdu.PCI.Seq] = pdu
	return true
}

// Has reports whether a PDU is currently held for seq.
func (q *Queue) Has(seq pci.SeqNum) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.buf[seq]
	return ok
}

// DrainContiguous removes and returns, in ascending order, every PDU
// whose sequence number forms an unbroken run starting at from. It
// returns the PDUs found and the next sequence number still missing
// (from + len(result)).
func (q *Queue) DrainContiguous(from pci.SeqNum) ([]*pci.PDU, pci.SeqNum) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*pci.PDU
	next := from
	for {
		pdu, ok := q.buf[next]
		if !ok {
			break
		}
		out = append(out, pdu)
		delete(q.buf, next)
		next++
	}
	return out, next
}

// Len reports the number of PDUs currently buffered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
