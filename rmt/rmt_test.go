package rmt

import (
	"sync"
	"testing"
	"time"

	"github.com/rina-project/efcp/pci"
	"github.com/rina-project/efcp/pft"
)

type fakeShim struct {
	mu   sync.Mutex
	sent map[pci.PortID][][]byte
}

func newFakeShim() *fakeShim {
	return &fakeShim{sent: make(map[pci.PortID][][]byte)}
}

func (f *fakeShim) SDUWrite(port pci.PortID, sdu []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[port] = append(f.sent[port], sdu)
	return nil
}

func (f *fakeShim) count(port pci.PortID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[port])
}

type fakeDeliverer struct {
	mu         sync.Mutex
	delivered  []*pci.PDU
}

func (d *fakeDeliverer) Deliver(pdu *pci.PDU) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, pdu)
	return nil
}

func (d *fakeDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

func dataPDU(dst pci.Address, seq pci.SeqNum) *pci.PDU {
	return &pci.PDU{
		PCI: pci.PCI{
			DstAddress: dst,
			SrcAddress: 1,
			DstCEPID:   pci.InvalidCEPID,
			SrcCEPID:   pci.InvalidCEPID,
			Type:       pci.TypeDT,
			Seq:        seq,
		},
		Buffer: []byte("payload"),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

// TestRMTForward checks spec.md §8 scenario 6: RMT at address=17
// receives a DT PDU destined to address=42 on port-id=3; the PFT maps
// (42,0)->{7}. The PDU must land on port 7's egress queue, not be
// delivered to EFCP, and the ingress drop counter must stay unchanged.
func TestRMTForward(t *testing.T) {
	table := pft.New()
	table.Add(42, 0, []pci.PortID{7})

	shim := newFakeShim()
	deliverer := &fakeDeliverer{}

	r := New(table, shim, deliverer)
	if err := r.AddressSet(17); err != nil {
		t.Fatalf("AddressSet: %v", err)
	}
	r.Bind(3)
	r.Bind(7)

	pdu := dataPDU(42, 0)
	wire, err := pdu.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if err := r.Receive(3, wire); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	waitFor(t, func() bool { return shim.count(7) == 1 })

	if deliverer.count() != 0 {
		t.Fatalf("Deliver() called %d times, want 0", deliverer.count())
	}
	if got := r.Stats().IngressDrops; got != 0 {
		t.Fatalf("IngressDrops = %d, want 0", got)
	}
}

func TestRMTLocalDelivery(t *testing.T) {
	table := pft.New()
	shim := newFakeShim()
	deliverer := &fakeDeliverer{}

	r := New(table, shim, deliverer)
	r.AddressSet(17)
	r.Bind(3)

	pdu := dataPDU(17, 0)
	wire, _ := pdu.Encode()

	if err := r.Receive(3, wire); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	waitFor(t, func() bool { return deliverer.count() == 1 })
}

func TestRMTSendNoRoute(t *testing.T) {
	table := pft.New()
	r := New(table, newFakeShim(), &fakeDeliverer{})

	err := r.Send(99, 0, dataPDU(99, 0))
	if err != ErrNoRoute {
		t.Fatalf("Send() err = %v, want ErrNoRoute", err)
	}
	if got := r.Stats().ForwardingMisses; got != 1 {
		t.Fatalf("ForwardingMisses = %d, want 1", got)
	}
}

func TestRMTSendPortIDUnbound(t *testing.T) {
	table := pft.New()
	r := New(table, newFakeShim(), &fakeDeliverer{})

	err := r.SendPortID(5, dataPDU(1, 0))
	if err != ErrUnboundPort {
		t.Fatalf("SendPortID() err = %v, want ErrUnboundPort", err)
	}
}

func TestRMTAddressSetIdempotentFromUnset(t *testing.T) {
	table := pft.New()
	r := New(table, newFakeShim(), &fakeDeliverer{})

	if err := r.AddressSet(1); err != nil {
		t.Fatalf("first AddressSet: %v", err)
	}
	if err := r.AddressSet(2); err != ErrAddressAlreadySet {
		t.Fatalf("second AddressSet err = %v, want ErrAddressAlreadySet", err)
	}
}

func TestRMTMalformedPDUDropped(t *testing.T) {
	table := pft.New()
	r := New(table, newFakeShim(), &fakeDeliverer{})
	r.Bind(1)

	if err := r.Receive(1, []byte("not a pdu")); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	waitFor(t, func() bool { return r.Stats().MalformedPDUs == 1 })
}

// TestRMTWeakFairness checks spec.md §8's "RMT fairness (weak)"
// property: with two bound ports each continuously receiving, both
// make progress.
func TestRMTWeakFairness(t *testing.T) {
	table := pft.New()
	table.Add(5, 0, []pci.PortID{5})
	table.Add(6, 0, []pci.PortID{6})

	shim := newFakeShim()
	r := New(table, shim, &fakeDeliverer{})
	r.Bind(1)
	r.Bind(2)
	r.Bind(5)
	r.Bind(6)

	const n = 50
	for i := 0; i < n; i++ {
		p1 := dataPDU(5, pci.SeqNum(i))
		w1, _ := p1.Encode()
		if err := r.Receive(1, w1); err != nil {
			t.Fatalf("Receive(1): %v", err)
		}

		p2 := dataPDU(6, pci.SeqNum(i))
		w2, _ := p2.Encode()
		if err := r.Receive(2, w2); err != nil {
			t.Fatalf("Receive(2): %v", err)
		}
	}

	waitFor(t, func() bool { return shim.count(5) == n && shim.count(6) == n })
}
