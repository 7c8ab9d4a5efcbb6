package efcp

import (
	"sync"
	"testing"
	"time"

	"github.com/rina-project/efcp/pci"
)

type network struct {
	mu  sync.Mutex
	out []struct {
		dst pci.Address
		qos pci.QoSID
		pdu *pci.PDU
	}
}

func (n *network) send(dst pci.Address, qos pci.QoSID, pdu *pci.PDU) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.out = append(n.out, struct {
		dst pci.Address
		qos pci.QoSID
		pdu *pci.PDU
	}{dst, qos, pdu})
	return nil
}

func (n *network) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.out)
}

func TestConnectionCreateAssignsCEPIDsAndWrites(t *testing.T) {
	net := &network{}
	var delivered [][]byte
	var mu sync.Mutex
	deliver := func(port pci.PortID, sdu []byte) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, sdu)
		return nil
	}

	c := New(net.send, deliver)

	cep1, err := c.ConnectionCreate(Params{SrcAddress: 1, DstAddress: 2, Port: 3})
	if err != nil {
		t.Fatalf("ConnectionCreate: %v", err)
	}
	cep2, err := c.ConnectionCreate(Params{SrcAddress: 1, DstAddress: 5, Port: 4})
	if err != nil {
		t.Fatalf("ConnectionCreate: %v", err)
	}
	if cep1 == cep2 {
		t.Fatalf("two connections got the same CEP-id %d", cep1)
	}

	if err := c.Write(cep1, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := net.count(); got != 1 {
		t.Fatalf("send() called %d times, want 1", got)
	}
}

func TestConnectionCreateRejectsInvalidPort(t *testing.T) {
	net := &network{}
	c := New(net.send, func(pci.PortID, []byte) error { return nil })

	_, err := c.ConnectionCreate(Params{Port: pci.InvalidPortID})
	if err != ErrInvalidParams {
		t.Fatalf("err = %v, want ErrInvalidParams", err)
	}
}

func TestWriteUnknownCEPID(t *testing.T) {
	net := &network{}
	c := New(net.send, func(pci.PortID, []byte) error { return nil })

	if err := c.Write(99, []byte("x")); err != ErrUnknownCEPID {
		t.Fatalf("err = %v, want ErrUnknownCEPID", err)
	}
}

func TestReceiveRoutesByCEPIDAndDeliversInOrder(t *testing.T) {
	net := &network{}
	var delivered [][]byte
	var mu sync.Mutex
	deliver := func(port pci.PortID, sdu []byte) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, sdu)
		return nil
	}

	c := New(net.send, deliver)
	cep, err := c.ConnectionCreate(Params{SrcAddress: 1, DstAddress: 2, Port: 3, InitialCredit: 1000})
	if err != nil {
		t.Fatalf("ConnectionCreate: %v", err)
	}

	pdu := &pci.PDU{PCI: pci.PCI{Type: pci.TypeDT, Seq: 0, Flags: pci.FlagDataRun | pci.FlagCarryCompleteSDU}, Buffer: []byte("payload")}
	if err := c.Receive(cep, pdu); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || string(delivered[0]) != "payload" {
		t.Fatalf("delivered = %v, want [payload]", delivered)
	}
}

func TestConnectionDestroyThenOperationsFail(t *testing.T) {
	net := &network{}
	c := New(net.send, func(pci.PortID, []byte) error { return nil })

	cep, err := c.ConnectionCreate(Params{SrcAddress: 1, DstAddress: 2, Port: 3})
	if err != nil {
		t.Fatalf("ConnectionCreate: %v", err)
	}
	if err := c.ConnectionDestroy(cep); err != nil {
		t.Fatalf("ConnectionDestroy: %v", err)
	}
	if err := c.Write(cep, []byte("x")); err != ErrUnknownCEPID {
		t.Fatalf("Write() after destroy err = %v, want ErrUnknownCEPID", err)
	}
	if err := c.ConnectionDestroy(cep); err != ErrUnknownCEPID {
		t.Fatalf("double ConnectionDestroy err = %v, want ErrUnknownCEPID", err)
	}
}

// TestConnectionUpdatePropagatesDstCEPID checks spec.md §4.3's
// connection_update: once the peer CEP-id is learned, subsequently
// written DT PDUs carry it instead of the DstCEPID they were created
// with.
func TestConnectionUpdatePropagatesDstCEPID(t *testing.T) {
	net := &network{}
	c := New(net.send, func(pci.PortID, []byte) error { return nil })

	cep, err := c.ConnectionCreate(Params{SrcAddress: 1, DstAddress: 2, Port: 3})
	if err != nil {
		t.Fatalf("ConnectionCreate: %v", err)
	}

	if err := c.ConnectionUpdate(cep, 77); err != nil {
		t.Fatalf("ConnectionUpdate: %v", err)
	}

	if err := c.Write(cep, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	net.mu.Lock()
	defer net.mu.Unlock()
	if len(net.out) != 1 {
		t.Fatalf("send() called %d times, want 1", len(net.out))
	}
	if got := net.out[0].pdu.PCI.DstCEPID; got != 77 {
		t.Fatalf("DstCEPID = %d, want 77", got)
	}
}

// TestWindowReopensAfterControlPDUAdvancesEdge checks spec.md §4.6:
// once the window closes and fills the CWQ, an inbound FC advancing
// the right window edge must drain the CWQ, not just record the new
// edge.
func TestWindowReopensAfterControlPDUAdvancesEdge(t *testing.T) {
	net := &network{}
	c := New(net.send, func(pci.PortID, []byte) error { return nil })

	cep, err := c.ConnectionCreate(Params{
		SrcAddress: 1, DstAddress: 2, Port: 3,
		Policies:      Policies{RtxCtrl: true, WindowBased: true},
		MaxCWQLen:     8,
		InitialCredit: 2,
		InitialTRD:    time.Minute,
	})
	if err != nil {
		t.Fatalf("ConnectionCreate: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := c.Write(cep, []byte("x")); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	sentBeforeFC := net.count()
	if sentBeforeFC == 0 || sentBeforeFC >= 4 {
		t.Fatalf("sent %d of 4 writes before the window closed, want some but not all", sentBeforeFC)
	}

	fc := &pci.PDU{PCI: pci.PCI{
		Type:    pci.TypeFC,
		Seq:     0,
		Control: pci.Control{RightWindEdge: 10},
	}}
	if err := c.Receive(cep, fc); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if got := net.count(); got != 4 {
		t.Fatalf("sent %d of 4 writes after window reopened, want 4 (CWQ must drain)", got)
	}
}

func TestReliableConnectionMarksErroredAfterRetryCeiling(t *testing.T) {
	net := &network{}
	c := New(net.send, func(pci.PortID, []byte) error { return nil })

	cep, err := c.ConnectionCreate(Params{
		SrcAddress: 1, DstAddress: 2, Port: 3,
		Policies:          Policies{RtxCtrl: true},
		DataRetransmitMax: 0,
		InitialTRD:        time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ConnectionCreate: %v", err)
	}

	if err := c.Write(cep, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Errored(cep) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection was never marked errored after exceeding retry ceiling")
}
