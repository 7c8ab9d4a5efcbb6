// Package policy defines the pluggable hook tables DTP and DTCP consult
// at each decision point, per spec.md §9: a record of function-valued
// fields with a default implementation, installable per connection at
// creation time. A missing hook is never a crash: callers check
// presence and no-op if absent.
package policy

import "github.com/rina-project/efcp/pci"

// SendFunc posts a PDU towards its destination via the RMT. It is the
// shape shared by every policy hook that ends in a transmission.
type SendFunc func(dst pci.Address, qos pci.QoSID, pdu *pci.PDU) error

// DTP is the DTP policy dispatch table (spec.md §4.4, §9).
//
// Every field is optional; a nil field means "no-op" for hooks with no
// side effect required for correctness (FlowControlOverrun,
// InitialSequenceNumber, SenderInactivityTimer, ReceiverInactivityTimer),
// and falls back to an unconditional default for hooks whose absence
// would break delivery (TransmissionControl, ClosedWindow) — those two
// are never left nil by DefaultDTP, and dtp.New fills them in from
// DefaultDTP when an installed table leaves them nil.
type DTP struct {
	// TransmissionControl decides how an open-window DT PDU reaches the
	// wire. The default simply calls send.
	TransmissionControl func(send SendFunc, dst pci.Address, qos pci.QoSID, pdu *pci.PDU) error

	// ClosedWindow decides what happens to a DT PDU while the window is
	// closed. The default pushes onto the CWQ via the provided push
	// function, which itself enforces capacity.
	ClosedWindow func(push func(*pci.PDU) error, pdu *pci.PDU) error

	// FlowControlOverrun runs when the sender would exceed its granted
	// rate. No default behavior; nil is a legal no-op.
	FlowControlOverrun func()

	// InitialSequenceNumber runs when a DRF-flagged PDU starts or resets
	// a connection. No default behavior beyond what DTP itself performs
	// (resetting max_seq_nr_rcv); nil is a legal no-op.
	InitialSequenceNumber func()

	// SenderInactivityTimer and ReceiverInactivityTimer run when the
	// corresponding timer fires. No default behavior beyond what DTP
	// itself performs when they are nil (clearing the DRF flag, plus
	// draining the CWQ on sender inactivity); nil is legal.
	SenderInactivityTimer   func()
	ReceiverInactivityTimer func()

	// ATimer runs when the A-timer fires. The default advances the left
	// window edge past one missing sequence number when PDUs are held
	// beyond it (spec.md §4.4's "A-timer").
	ATimer func()
}

// DefaultDTP returns the DTP policy table spec.md §4.4 describes as the
// default behavior. TransmissionControl and ClosedWindow are always
// populated since DTP's write path depends on them; the rest default to
// nil (no-op) until the caller installs something more specific, and
// ATimer is populated by the dtp package itself at construction, since
// its default needs access to the connection's state vector.
func DefaultDTP() *DTP {
	return &DTP{
		TransmissionControl: func(send SendFunc, dst pci.Address, qos pci.QoSID, pdu *pci.PDU) error {
			return send(dst, qos, pdu)
		},
		ClosedWindow: func(push func(*pci.PDU) error, pdu *pci.PDU) error {
			return push(pdu)
		},
	}
}

// DTCP is the DTCP policy dispatch table (spec.md §4.5, §9).
type DTCP struct {
	// LostControlPDU runs when a control PDU arrives with a sequence
	// number above last_rcv_ctl_seq. The default emits a plain ACK of
	// the last accepted data sequence number, with no window edges.
	LostControlPDU func()

	// RcvrFlowControl emits an ACK+FC PDU granting a new window edge
	// after a DT PDU is accepted. Required by sv_update when flow
	// control is enabled; nil is a legal no-op only when flow control is
	// disabled.
	RcvrFlowControl func(accepted pci.SeqNum)

	// RateReduction throttles the rate-based credit after an accepted DT
	// PDU. No default behavior; nil is a legal no-op.
	RateReduction func()

	// RcvrAck updates retransmission-control receiver bookkeeping (and,
	// by default, emits an ACK) after an accepted DT PDU. Required when
	// rtx_ctrl is enabled.
	RcvrAck func(accepted pci.SeqNum)

	// ReceivingFlowControl runs instead of RcvrAck when flow control is
	// enabled but retransmission control is not.
	ReceivingFlowControl func(accepted pci.SeqNum)

	// RTTEstimator updates the retransmission timeout estimate from an
	// observed round trip. No default beyond leaving TRD unchanged; nil
	// is a legal no-op.
	RTTEstimator func(sample int64)
}

// DefaultDTCP returns a DTCP policy table with every hook left nil; the
// dtcp package installs the concrete defaults described in spec.md §4.5
// at construction time, since they need access to the connection's
// state vector and RTXQ.
func DefaultDTCP() *DTCP {
	return &DTCP{}
}
