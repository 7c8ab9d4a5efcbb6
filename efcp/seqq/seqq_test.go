package seqq

import (
	"testing"

	"github.com/rina-project/efcp/pci"
)

func pdu(seq pci.SeqNum) *pci.PDU {
	return &pci.PDU{PCI: pci.PCI{Type: pci.TypeDT, Seq: seq}}
}

func TestInsertRejectsDuplicate(t *testing.T) {
	q := New()
	if ok := q.Insert(pdu(5)); !ok {
		t.Fatalf("Insert(5) = false, want true")
	}
	if ok := q.Insert(pdu(5)); ok {
		t.Fatalf("Insert(5) duplicate = true, want false")
	}
}

// TestDrainContiguousOutOfOrderReceive mirrors spec.md §8's scenario 4:
// left_window_edge=10, max_seq_nr_rcv=10; receive seq=12 then seq=11;
// after 11 arrives the contiguous run 11,12 drains in order.
func TestDrainContiguousOutOfOrderReceive(t *testing.T) {
	q := New()
	q.Insert(pdu(12))

	out, next := q.DrainContiguous(11)
	if len(out) != 0 || next != 11 {
		t.Fatalf("DrainContiguous(11) with gap = (%v, %d), want (nil, 11)", out, next)
	}

	q.Insert(pdu(11))
	out, next = q.DrainContiguous(11)
	if len(out) != 2 {
		t.Fatalf("DrainContiguous(11) returned %d PDUs, want 2", len(out))
	}
	if out[0].PCI.Seq != 11 || out[1].PCI.Seq != 12 {
		t.Fatalf("DrainContiguous(11) = %+v, want seq 11 then 12", out)
	}
	if next != 13 {
		t.Fatalf("next = %d, want 13", next)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() after drain = %d, want 0", q.Len())
	}
}
