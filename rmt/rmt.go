// Package rmt implements the Relaying and Multiplexing Task: the
// component that fans PDUs between EFCP connections and the bound N-1
// ports, demultiplexing inbound traffic by destination address via the
// packet forwarding table (spec.md §4.2).
package rmt

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/rina-project/efcp/pci"
	"github.com/rina-project/efcp/pft"
	"github.com/rina-project/efcp/rinalog"
)

// Errors returned by RMT operations. Each maps to spec.md §7's error
// taxonomy.
var (
	// ErrUnboundPort is a Parameter error: the port-id has no queues.
	ErrUnboundPort = errors.New("rmt: port not bound")
	// ErrNoRoute is a Protocol/forwarding error: the PFT has no entry,
	// or an empty entry, for the destination.
	ErrNoRoute = errors.New("rmt: no route to destination")
	// ErrQueueFull is a Backpressure error.
	ErrQueueFull = errors.New("rmt: queue full")
	// ErrAddressAlreadySet is a Parameter error: address_set is only
	// idempotent from unset to a valid address, never a reassignment.
	ErrAddressAlreadySet = errors.New("rmt: address already set")
)

// Shim is the downward interface to the concrete transport bound to a
// port (spec.md §6's "Downward to the shim").
type Shim interface {
	// SDUWrite hands the encoded wire bytes of one PDU to the shim for
	// transmission on port.
	SDUWrite(port pci.PortID, sdu []byte) error
}

// Deliverer is the upward interface to the EFCP container: PDUs whose
// destination matches this node's address are handed to it directly,
// bypassing any further PFT lookup.
type Deliverer interface {
	Deliver(pdu *pci.PDU) error
}

// MgmtSDU pairs a management SDU with the port-id it arrived on, for
// delivery to the control plane (spec.md §4.2's mgmt_sdu_read).
type MgmtSDU struct {
	Port pci.PortID
	SDU  []byte
}

// Stats counts the error conditions RMT never propagates to its caller
// (spec.md §7: "The RMT worker never propagates per-item errors; they
// are logged and the loop continues.").
type Stats struct {
	MalformedPDUs    uint64
	ForwardingMisses uint64
	EgressDrops      uint64
	IngressDrops     uint64
}

// RMT is one Relaying and Multiplexing Task instance, owning the PFT
// and the per-port ingress/egress queues bound to it.
type RMT struct {
	pft *pft.Table

	shim      Shim
	deliverer Deliverer
	ll        *log.Logger

	addrMu  sync.Mutex
	addr    pci.Address
	addrSet bool

	egress  *egressQueues
	ingress *ingressQueues

	mgmtMu sync.Mutex
	mgmt   []MgmtSDU
	mgmtCh chan struct{}

	malformed    uint64
	fwdMisses    uint64
	egressDrops  uint64
	ingressDrops uint64
}

// Option configures an RMT at construction, following the teacher's
// functional-options idiom (ovsdb.Client's OptionFunc).
type Option func(*RMT)

// WithLogger installs ll as the RMT's debug logger. Default is
// rinalog.Discard.
func WithLogger(ll *log.Logger) Option {
	return func(r *RMT) { r.ll = ll }
}

// New returns an RMT that forwards via table and hands unbound-local
// PDUs to d and bound-port PDUs to shim.
func New(table *pft.Table, shim Shim, d Deliverer, opts ...Option) *RMT {
	r := &RMT{
		pft:       table,
		shim:      shim,
		deliverer: d,
		ll:        rinalog.Discard,
		egress:    newEgressQueues(),
		ingress:   newIngressQueues(),
		mgmtCh:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AddressSet assigns this RMT's local address. It is idempotent only
// from unset to a valid address (spec.md §4.2); a second call returns
// ErrAddressAlreadySet.
func (r *RMT) AddressSet(addr pci.Address) error {
	r.addrMu.Lock()
	defer r.addrMu.Unlock()

	if r.addrSet {
		return ErrAddressAlreadySet
	}
	r.addr = addr
	r.addrSet = true
	return nil
}

func (r *RMT) localAddress() (pci.Address, bool) {
	r.addrMu.Lock()
	defer r.addrMu.Unlock()
	return r.addr, r.addrSet
}

// Bind allocates the ingress and egress queues for port.
func (r *RMT) Bind(port pci.PortID) {
	r.egress.bind(port)
	r.ingress.bind(port)
}

// Unbind releases the ingress and egress queues for port, dropping any
// PDUs still queued.
func (r *RMT) Unbind(port pci.PortID) {
	r.egress.unbind(port)
	r.ingress.unbind(port)
}

// Send looks up the next hops for (dest, qos) via the PFT and enqueues
// pdu on each returned port's egress queue (spec.md §4.2). It returns
// success even if individual ports fail to accept the PDU; those
// failures are counted and logged, not propagated. An empty or missing
// PFT entry is a forwarding failure: the PDU is dropped and ErrNoRoute
// is returned.
func (r *RMT) Send(dest pci.Address, qos pci.QoSID, pdu *pci.PDU) error {
	ports, ok := r.pft.NextHop(dest, qos)
	if !ok || len(ports) == 0 {
		atomic.AddUint64(&r.fwdMisses, 1)
		r.ll.Printf("rmt: no route to address=%d qos=%d", dest, qos)
		return ErrNoRoute
	}

	for _, port := range ports {
		if err := r.SendPortID(port, pdu.Dup()); err != nil {
			r.ll.Printf("rmt: egress enqueue on port=%d failed: %v", port, err)
		}
	}
	return nil
}

// SendPortID enqueues pdu directly on port's egress queue, bypassing
// the PFT. Used both for direct sends and as Send's per-port fan-out.
func (r *RMT) SendPortID(port pci.PortID, pdu *pci.PDU) error {
	err := r.egress.enqueue(port, pdu, func() { r.runEgressWorker() })
	if err != nil {
		atomic.AddUint64(&r.egressDrops, 1)
	}
	return err
}

// Receive hands an inbound SDU, arrived on port, to the ingress queue
// for demultiplexing (spec.md §4.2).
func (r *RMT) Receive(port pci.PortID, sdu []byte) error {
	err := r.ingress.enqueue(port, sdu, func() { r.runIngressWorker() })
	if err != nil {
		atomic.AddUint64(&r.ingressDrops, 1)
	}
	return err
}

// MgmtSDURead dequeues the oldest pending management SDU. ok is false
// if none is currently queued; the control plane is expected to call
// this in a loop, blocking on its own signal if it wants to wait.
func (r *RMT) MgmtSDURead() (m MgmtSDU, ok bool) {
	r.mgmtMu.Lock()
	defer r.mgmtMu.Unlock()

	if len(r.mgmt) == 0 {
		return MgmtSDU{}, false
	}
	m = r.mgmt[0]
	r.mgmt = r.mgmt[1:]
	return m, true
}

// MgmtReady returns a channel that receives a value whenever a
// management SDU becomes available, so a control plane can select on
// it instead of polling MgmtSDURead.
func (r *RMT) MgmtReady() <-chan struct{} {
	return r.mgmtCh
}

func (r *RMT) postMgmt(m MgmtSDU) {
	r.mgmtMu.Lock()
	r.mgmt = append(r.mgmt, m)
	r.mgmtMu.Unlock()

	select {
	case r.mgmtCh <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of RMT's error counters.
func (r *RMT) Stats() Stats {
	return Stats{
		MalformedPDUs:    atomic.LoadUint64(&r.malformed),
		ForwardingMisses: atomic.LoadUint64(&r.fwdMisses),
		EgressDrops:      atomic.LoadUint64(&r.egressDrops),
		IngressDrops:     atomic.LoadUint64(&r.ingressDrops),
	}
}

// runEgressWorker drains the egress queues, one item per bound port
// per pass, until every queue is empty (spec.md §4.2's worker
// algorithm).
func (r *RMT) runEgressWorker() {
	r.egress.run(func(port pci.PortID, pdu *pci.PDU) {
		wire, err := pdu.Encode()
		if err != nil {
			r.ll.Printf("rmt: encode failed for port=%d: %v", port, err)
			atomic.AddUint64(&r.egressDrops, 1)
			return
		}
		if err := r.shim.SDUWrite(port, wire); err != nil {
			r.ll.Printf("rmt: shim write failed for port=%d: %v", port, err)
			atomic.AddUint64(&r.egressDrops, 1)
		}
	})
}

// runIngressWorker drains the ingress queues, one item per bound port
// per pass, dispatching each decoded PDU by type (spec.md §4.2's
// ingress processing rules).
func (r *RMT) runIngressWorker() {
	r.ingress.run(func(port pci.PortID, sdu []byte) {
		pdu, err := pci.Decode(sdu)
		if err != nil {
			atomic.AddUint64(&r.malformed, 1)
			r.ll.Printf("rmt: malformed PDU on port=%d: %v", port, err)
			return
		}

		switch {
		case pdu.PCI.Type.IsManagement():
			r.postMgmt(MgmtSDU{Port: port, SDU: pdu.Buffer})
		default:
			local, set := r.localAddress()
			if set && pdu.PCI.DstAddress == local {
				if err := r.deliverer.Deliver(pdu); err != nil {
					r.ll.Printf("rmt: local delivery failed on port=%d: %v", port, err)
				}
				return
			}
			if err := r.Send(pdu.PCI.DstAddress, pdu.PCI.QoS, pdu); err != nil {
				r.ll.Printf("rmt: forward failed on port=%d: %v", port, err)
			}
		}
	})
}
