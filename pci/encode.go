package pci

import (
	"encoding/binary"
	"fmt"

	"github.com/mdlayher/netlink"
)

// fixedHeaderLen is the width of the fixed-position PCI fields, in the
// order the wire format lists them in spec.md §6: destination address,
// source address, destination CEP-id, source CEP-id, QoS-id, PDU type,
// flags, sequence number.
const fixedHeaderLen = 4 + 4 + 4 + 4 + 1 + 2 + 1 + 8

// Control-field attribute types, used only inside the trailing TLV block
// that control PDUs carry. These are local to the wire codec; they are
// not netlink family constants.
const (
	attrAckSeq uint16 = iota + 1
	attrLastSeqRcvd
	attrLeftWindEdge
	attrRightWindEdge
	attrNewLeftEdge
	attrNewRightEdge
)

// Encode serializes p's PCI header and buffer into the wire format
// described in spec.md §6. Control PDU types additionally carry a
// trailing block of netlink-style TLV attributes for the control-only
// fields; data and management PDUs carry none.
func (p *PDU) Encode() ([]byte, error) {
	if !p.PCI.Type.IsValid() {
		return nil, fmt.Errorf("pci: invalid PDU type %v", p.PCI.Type)
	}

	header := make([]byte, fixedHeaderLen)
	binary.BigEndian.PutUint32(header[0:4], uint32(p.PCI.DstAddress))
	binary.BigEndian.PutUint32(header[4:8], uint32(p.PCI.SrcAddress))
	binary.BigEndian.PutUint32(header[8:12], uint32(p.PCI.DstCEPID))
	binary.BigEndian.PutUint32(header[12:16], uint32(p.PCI.SrcCEPID))
	header[16] = byte(p.PCI.QoS)
	binary.BigEndian.PutUint16(header[17:19], uint16(p.PCI.Type))
	header[19] = byte(p.PCI.Flags)
	binary.BigEndian.PutUint64(header[20:28], uint64(p.PCI.Seq))

	out := header
	if p.PCI.Type.IsControl() {
		attrs := controlAttributes(p.PCI.Type, p.PCI.Control)
		b, err := netlink.MarshalAttributes(attrs)
		if err != nil {
			return nil, fmt.Errorf("pci: encode control fields: %w", err)
		}

		ctl := make([]byte, 4+len(b))
		binary.BigEndian.PutUint32(ctl[0:4], uint32(len(b)))
		copy(ctl[4:], b)
		out = append(out, ctl...)
	}

	out = append(out, p.Buffer...)
	return out, nil
}

// controlAttributes selects which control fields are meaningful for t
// and returns them as netlink attributes. Fields that don't apply to t
// are omitted entirely, keeping the wire representation minimal.
func controlAttributes(t Type, c Control) []netlink.Attribute {
	u64 := func(typ uint16, v SeqNum) netlink.Attribute {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v))
		return netlink.Attribute{Type: typ, Data: b}
	}

	var attrs []netlink.Attribute
	switch t {
	case TypeACK, TypeACKAndFC:
		attrs = append(attrs, u64(attrAckSeq, c.AckSeq))
	case TypeNACK, TypeNACKAndFC:
		attrs = append(attrs, u64(attrAckSeq, c.AckSeq))
	case TypeSACK, TypeSNACK:
		attrs = append(attrs, u64(attrAckSeq, c.AckSeq), u64(attrLastSeqRcvd, c.LastSeqRcvd))
	}
	switch t {
	case TypeFC, TypeACKAndFC, TypeNACKAndFC:
		attrs = append(attrs,
			u64(attrLeftWindEdge, c.LeftWindEdge),
			u64(attrRightWindEdge, c.RightWindEdge),
			u64(attrNewLeftEdge, c.NewLeftEdge),
			u64(attrNewRightEdge, c.NewRightEdge),
		)
	}
	if t == TypeCC || t == TypeEFCP {
		attrs = append(attrs, u64(attrLastSeqRcvd, c.LastSeqRcvd))
	}
	return attrs
}

// Decode parses a wire-format PDU produced by Encode.
func Decode(b []byte) (*PDU, error) {
	if len(b) < fixedHeaderLen {
		return nil, fmt.Errorf("pci: short buffer: %d bytes", len(b))
	}

	var p PDU
	p.PCI.DstAddress = Address(binary.BigEndian.Uint32(b[0:4]))
	p.PCI.SrcAddress = Address(binary.BigEndian.Uint32(b[4:8]))
	p.PCI.DstCEPID = CEPID(int32(binary.BigEndian.Uint32(b[8:12])))
	p.PCI.SrcCEPID = CEPID(int32(binary.BigEndian.Uint32(b[12:16])))
	p.PCI.QoS = QoSID(b[16])
	p.PCI.Type = Type(binary.BigEndian.Uint16(b[17:19]))
	p.PCI.Flags = Flags(b[19])
	p.PCI.Seq = SeqNum(binary.BigEndian.Uint64(b[20:28]))

	if !p.PCI.Type.IsValid() {
		return nil, fmt.Errorf("pci: unknown PDU type 0x%04x", uint16(p.PCI.Type))
	}

	rest := b[fixedHeaderLen:]
	if p.PCI.Type.IsControl() {
		if len(rest) < 4 {
			return nil, fmt.Errorf("pci: truncated control block")
		}
		n := binary.BigEndian.Uint32(rest[0:4])
		rest = rest[4:]
		if uint32(len(rest)) < n {
			return nil, fmt.Errorf("pci: control block length mismatch")
		}

		attrs, err := netlink.UnmarshalAttributes(rest[:n])
		if err != nil {
			return nil, fmt.Errorf("pci: decode control fields: %w", err)
		}
		p.PCI.Control = parseControlAttributes(attrs)
		rest = rest[n:]
	}

	p.Buffer = append([]byte(nil), rest...)
	return &p, nil
}

func parseControlAttributes(attrs []netlink.Attribute) Control {
	var c Control
	for _, a := range attrs {
		if len(a.Data) < 8 {
			continue
		}
		v := SeqNum(binary.BigEndian.Uint64(a.Data))
		switch a.Type {
		case attrAckSeq:
			c.AckSeq = v
		case attrLastSeqRcvd:
			c.LastSeqRcvd = v
		case attrLeftWindEdge:
			c.LeftWindEdge = v
		case attrRightWindEdge:
			c.RightWindEdge = v
		case attrNewLeftEdge:
			c.NewLeftEdge = v
		case attrNewRightEdge:
			c.NewRightEdge = v
		}
	}
	return c
}
