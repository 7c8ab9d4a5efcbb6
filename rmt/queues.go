package rmt

import (
	"sync"

	"github.com/rina-project/efcp/pci"
)

// egressMaxLen and ingressMaxLen bound each per-port queue. spec.md
// leaves the exact capacity to the implementation; these are generous
// enough not to be the common case while still making the
// Backpressure error path (spec.md §7) reachable under sustained
// overload.
const (
	egressMaxLen  = 256
	ingressMaxLen = 256
)

// egressQueues holds one FIFO of PDUs per bound port, with the
// single-flight "in_use" worker guard from spec.md §4.2.
type egressQueues struct {
	mu     sync.Mutex
	inUse  bool
	queues map[pci.PortID][]*pci.PDU
}

func newEgressQueues() *egressQueues {
	return &egressQueues{queues: make(map[pci.PortID][]*pci.PDU)}
}

func (qs *egressQueues) bind(port pci.PortID) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if _, ok := qs.queues[port]; !ok {
		qs.queues[port] = nil
	}
}

func (qs *egressQueues) unbind(port pci.PortID) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	delete(qs.queues, port)
}

// enqueue appends pdu to port's queue. If no worker is currently
// running, it flips inUse under the lock and, after releasing the lock,
// runs start on a new goroutine. The flip and the spawn decision are
// made atomically with the append, so
// a worker that is mid-drain and about to clear inUse can never race
// with a fresh enqueue into the belief that a worker is still running.
func (qs *egressQueues) enqueue(port pci.PortID, pdu *pci.PDU, start func()) error {
	qs.mu.Lock()
	q, ok := qs.queues[port]
	if !ok {
		qs.mu.Unlock()
		return ErrUnboundPort
	}
	if len(q) >= egressMaxLen {
		qs.mu.Unlock()
		return ErrQueueFull
	}
	qs.queues[port] = append(q, pdu)
	spawn := !qs.inUse
	if spawn {
		qs.inUse = true
	}
	qs.mu.Unlock()

	if spawn {
		go start()
	}
	return nil
}

// run drains one item per non-empty queue per pass, invoking process
// outside the lock, until a pass finds every queue empty, at which
// point it clears inUse within the same critical section as the empty
// check.
func (qs *egressQueues) run(process func(port pci.PortID, pdu *pci.PDU)) {
	type item struct {
		port pci.PortID
		pdu  *pci.PDU
	}

	for {
		qs.mu.Lock()
		var batch []item
		for port, q := range qs.queues {
			if len(q) == 0 {
				continue
			}
			batch = append(batch, item{port, q[0]})
			qs.queues[port] = q[1:]
		}
		if len(batch) == 0 {
			qs.inUse = false
			qs.mu.Unlock()
			return
		}
		qs.mu.Unlock()

		for _, it := range batch {
			process(it.port, it.pdu)
		}
	}
}

// ingressQueues mirrors egressQueues but holds raw SDU bytes, since the
// ingress worker is what decodes the PCI header (spec.md §4.2).
type ingressQueues struct {
	mu     sync.Mutex
	inUse  bool
	queues map[pci.PortID][][]byte
}

func newIngressQueues() *ingressQueues {
	return &ingressQueues{queues: make(map[pci.PortID][][]byte)}
}

func (qs *ingressQueues) bind(port pci.PortID) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if _, ok := qs.queues[port]; !ok {
		qs.queues[port] = nil
	}
}

func (qs *ingressQueues) unbind(port pci.PortID) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	delete(qs.queues, port)
}

func (qs *ingressQueues) enqueue(port pci.PortID, sdu []byte, start func()) error {
	qs.mu.Lock()
	q, ok := qs.queues[port]
	if !ok {
		qs.mu.Unlock()
		return ErrUnboundPort
	}
	if len(q) >= ingressMaxLen {
		qs.mu.Unlock()
		return ErrQueueFull
	}
	qs.queues[port] = append(q, sdu)
	spawn := !qs.inUse
	if spawn {
		qs.inUse = true
	}
	qs.mu.Unlock()

	if spawn {
		go start()
	}
	return nil
}

func (qs *ingressQueues) run(process func(port pci.PortID, sdu []byte)) {
	type item struct {
		port pci.PortID
		sdu  []byte
	}

	for {
		qs.mu.Lock()
		var batch []item
		for port, q := range qs.queues {
			if len(q) == 0 {
				continue
			}
			batch = append(batch, item{port, q[0]})
			qs.queues[port] = q[1:]
		}
		if len(batch) == 0 {
			qs.inUse = false
			qs.mu.Unlock()
			return
		}
		qs.mu.Unlock()

		for _, it := range batch {
			process(it.port, it.sdu)
		}
	}
}
