package pci

import (
	"testing"

	"pgregory.net/rapid"
)

// dataTypeGen generates only the non-control PDU types, since control
// fields are only meaningful (and only round-tripped byte-for-byte) on
// control PDUs.
func dataTypeGen() *rapid.Generator[Type] {
	return rapid.SampledFrom([]Type{TypeDT, TypeMGMT})
}

func controlTypeGen() *rapid.Generator[Type] {
	return rapid.SampledFrom([]Type{
		TypeEFCP, TypeCC, TypeACK, TypeNACK, TypeSACK, TypeSNACK,
		TypeFC, TypeACKAndFC, TypeNACKAndFC,
	})
}

// TestPCIRoundTripData checks spec.md §8's "PCI wire round-trip" property
// for data and management PDUs, which carry an arbitrary payload and no
// control fields.
func TestPCIRoundTripData(t *testing.T) {
	rapid.Check(t, func(tt *rapid.T) {
		p := &PDU{
			PCI: PCI{
				SrcAddress: Address(rapid.Uint32().Draw(tt, "srcAddr")),
				DstAddress: Address(rapid.Uint32().Draw(tt, "dstAddr")),
				SrcCEPID:   CEPID(rapid.Int32Range(0, 1<<30).Draw(tt, "srcCEP")),
				DstCEPID:   CEPID(rapid.Int32Range(0, 1<<30).Draw(tt, "dstCEP")),
				QoS:        QoSID(rapid.IntRange(0, 255).Draw(tt, "qos")),
				Type:       dataTypeGen().Draw(tt, "type"),
				Flags:      Flags(rapid.IntRange(0, 255).Draw(tt, "flags")),
				Seq:        SeqNum(rapid.Uint64().Draw(tt, "seq")),
			},
			Buffer: rapid.SliceOf(rapid.Byte()).Draw(tt, "buffer"),
		}

		b, err := p.Encode()
		if err != nil {
			tt.Fatalf("Encode: %v", err)
		}

		got, err := Decode(b)
		if err != nil {
			tt.Fatalf("Decode: %v", err)
		}

		if got.PCI != p.PCI {
			tt.Fatalf("PCI mismatch: got %+v, want %+v", got.PCI, p.PCI)
		}
		if string(got.Buffer) != string(p.Buffer) && len(p.Buffer) != 0 {
			tt.Fatalf("buffer mismatch: got %v, want %v", got.Buffer, p.Buffer)
		}
	})
}

// TestPCIRoundTripControl checks the same property for control PDUs,
// whose only legal payload is empty and whose Control fields round-trip
// through the TLV block.
func TestPCIRoundTripControl(t *testing.T) {
	rapid.Check(t, func(tt *rapid.T) {
		typ := controlTypeGen().Draw(tt, "type")
		ctl := Control{
			AckSeq:        SeqNum(rapid.Uint64().Draw(tt, "ackSeq")),
			LastSeqRcvd:   SeqNum(rapid.Uint64().Draw(tt, "lastSeqRcvd")),
			LeftWindEdge:  SeqNum(rapid.Uint64().Draw(tt, "leftEdge")),
			RightWindEdge: SeqNum(rapid.Uint64().Draw(tt, "rightEdge")),
			NewLeftEdge:   SeqNum(rapid.Uint64().Draw(tt, "newLeftEdge")),
			NewRightEdge:  SeqNum(rapid.Uint64().Draw(tt, "newRightEdge")),
		}

		p := &PDU{PCI: PCI{
			SrcAddress: Address(rapid.Uint32().Draw(tt, "srcAddr")),
			DstAddress: Address(rapid.Uint32().Draw(tt, "dstAddr")),
			Type:       typ,
			Control:    ctl,
		}}

		b, err := p.Encode()
		if err != nil {
			tt.Fatalf("Encode: %v", err)
		}

		got, err := Decode(b)
		if err != nil {
			tt.Fatalf("Decode: %v", err)
		}

		want := controlAttributes(typ, ctl)
		gotAttrs := controlAttributes(typ, got.PCI.Control)
		if len(want) != len(gotAttrs) {
			tt.Fatalf("control field count mismatch: got %d, want %d", len(gotAttrs), len(want))
		}
		for i := range want {
			if string(want[i].Data) != string(gotAttrs[i].Data) {
				tt.Fatalf("control field %d mismatch", i)
			}
		}
	})
}
