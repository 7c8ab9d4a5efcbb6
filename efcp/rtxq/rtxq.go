// Package rtxq implements the retransmission queue: an ordered set of
// unacknowledged DT PDUs kept on hand in case they need resending
// (spec.md §3, §4.5, §4.6).
package rtxq

import (
	"sort"
	"sync"
	"time"

	"github.com/rina-project/efcp/pci"
)

// entry is one outstanding, unacknowledged DT PDU.
type entry struct {
	pdu       *pci.PDU
	timestamp time.Time
	retries   int
}

// Queue is a sequence-ordered set of retransmittable entries, guarded
// by its own mutex (spec.md §4.6).
type Queue struct {
	mu      sync.Mutex
	entries []*entry
}

// New returns an empty retransmission queue.
func New() *Queue {
	return &Queue{}
}

// Push inserts pdu into the queue in ascending sequence-number order,
// time-stamped now. The PDU is expected to already be a duplicate
// (spec.md §5's "Duplication (pdu_dup)") — the queue never mutates or
// shares ownership of the PDU it was handed.
func (q *Queue) Push(pdu *pci.PDU, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := &entry{pdu: pdu, timestamp: now}
	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].pdu.PCI.Seq >= pdu.PCI.Seq
	})
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

// Ack evicts every entry with seq <= acked. Calling Ack(N) a second
// time with the same or a lower N is a no-op (spec.md §8's "Ack
// idempotence" property), since there is nothing left to evict.
func (q *Queue) Ack(acked pci.SeqNum) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].pdu.PCI.Seq > acked
	})
	q.entries = q.entries[i:]
}

// Nack returns duplicates of every entry with seq >= nacked, for
// immediate resending, and resets their timestamps to now. The
// originals remain queued until acked.
func (q *Queue) Nack(nacked pci.SeqNum, now time.Time) []*pci.PDU {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].pdu.PCI.Seq >= nacked
	})

	var resend []*pci.PDU
	for _, e := range q.entries[i:] {
		e.timestamp = now
		resend = append(resend, e.pdu.Dup())
	}
	return resend
}

// Len reports the number of outstanding entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain empties the queue, returning every entry's PDU. Used on
// connection destruction.
func (q *Queue) Drain() []*pci.PDU {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*pci.PDU, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.pdu
	}
	q.entries = nil
	return out
}

// ExpireStale walks the queue and, for every entry that has been
// outstanding at least trd, bumps its retry count, resets its
// timestamp to now, and includes a duplicate of its PDU in the
// returned slice for resending (spec.md §4.5's retransmission timer:
// "resends any entry older than trd"). fatal is true if any entry's
// retry count has exceeded maxRetries, in which case the connection
// must be declared errored by the caller.
func (q *Queue) ExpireStale(now time.Time, trd time.Duration, maxRetries int) (resend []*pci.PDU, fatal bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if now.Sub(e.timestamp) < trd {
			continue
		}
		e.retries++
		e.timestamp = now
		resend = append(resend, e.pdu.Dup())
		if e.retries > maxRetries {
			fatal = true
		}
	}
	return resend, fatal
}
