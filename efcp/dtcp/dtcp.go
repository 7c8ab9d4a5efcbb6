// Package dtcp implements the Data Transfer Control Protocol: the
// acknowledgement, flow-control, and retransmission-control companion
// to DTP (spec.md §4.5).
package dtcp

import (
	"sync"
	"time"

	"github.com/rina-project/efcp/pci"
	"github.com/rina-project/efcp/efcp/policy"
	"github.com/rina-project/efcp/efcp/rtxq"
)

// Config carries the connection parameters DTCP needs that aren't part
// of its own state vector: which policies are enabled, and the timing
// constants that drive the retransmission timer.
type Config struct {
	FlowCtrl         bool
	WindowBased      bool
	RateBased        bool
	RtxCtrl          bool
	DataRetransmitMax int
	InitialTRD       time.Duration
	InitialCredit    pci.SeqNum
}

// StateVector is DTCP's per-connection bookkeeping (spec.md §3).
// Exported for inspection by tests and by control-plane diagnostics.
type StateVector struct {
	// Sender side.
	NextSndCtlSeq   pci.SeqNum
	LastSndDataAck  pci.SeqNum
	SendLeftWindEdge pci.SeqNum
	SndRtWindEdge   pci.SeqNum
	SndrCredit      pci.SeqNum
	TRD             time.Duration

	// Receiver side.
	LastRcvCtlSeq   pci.SeqNum
	LastRcvDataAck  pci.SeqNum
	RcvrCredit      pci.SeqNum
	RcvrRtWindEdge  pci.SeqNum
	DupAcks         uint64
	DupFlowCtl      uint64
}

// FatalFunc is invoked when the retransmission retry ceiling is
// exceeded (spec.md §7's "Fatal connection" error class).
type FatalFunc func()

// DTCP is one connection's Data Transfer Control Protocol instance.
type DTCP struct {
	cfg  Config
	pol  *policy.DTCP
	send policy.SendFunc
	rtxq *rtxq.Queue
	conn Addressing
	fatal FatalFunc

	// onWindowOpen is invoked after the sender-side right window edge
	// advances, so DTP can drain its closed-window queue (spec.md §4.6).
	// Set by the container once both halves of a connection exist.
	onWindowOpen func()

	mu sync.Mutex
	sv StateVector

	// rcvdCtl records that at least one control PDU has been accepted,
	// so a repeat of last_rcv_ctl_seq can be told apart from the first
	// control PDU of the connection.
	rcvdCtl bool

	rtxTimer *time.Timer
}

// Addressing is the subset of connection identity DTCP needs to build
// outgoing control PDUs.
type Addressing struct {
	SrcAddress pci.Address
	DstAddress pci.Address
	SrcCEPID   pci.CEPID
	DstCEPID   pci.CEPID
	QoS        pci.QoSID
}

// New returns a DTCP instance for one connection. Nil policy hooks are
// replaced with the defaults spec.md §4.5 describes, bound to this
// instance.
func New(addr Addressing, cfg Config, send policy.SendFunc, q *rtxq.Queue, pol *policy.DTCP, fatal FatalFunc) *DTCP {
	if pol == nil {
		pol = policy.DefaultDTCP()
	}
	d := &DTCP{
		cfg:  cfg,
		pol:  pol,
		send: send,
		rtxq: q,
		conn: addr,
		fatal: fatal,
		sv: StateVector{
			SndRtWindEdge:  cfg.InitialCredit,
			RcvrCredit:     cfg.InitialCredit,
			RcvrRtWindEdge: cfg.InitialCredit,
			TRD:            cfg.InitialTRD,
		},
	}

	if d.pol.RcvrFlowControl == nil {
		d.pol.RcvrFlowControl = d.defaultRcvrFlowControl
	}
	if d.pol.RcvrAck == nil {
		d.pol.RcvrAck = d.defaultRcvrAck
	}
	if d.pol.ReceivingFlowControl == nil {
		d.pol.ReceivingFlowControl = d.defaultReceivingFlowControl
	}
	if d.pol.LostControlPDU == nil {
		d.pol.LostControlPDU = d.defaultLostControlPDU
	}
	return d
}

// StateVector returns a snapshot of DTCP's state vector.
func (d *DTCP) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv
}

// SndRightWindEdge returns the current sender-side right window edge,
// the value DTP's write path checks the next sequence number against.
func (d *DTCP) SndRightWindEdge() pci.SeqNum {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.SndRtWindEdge
}

// SetWindowOpener installs the callback invoked whenever the sender
// right window edge advances (normally dtp.DTP.OpenWindow). Called by
// the container once DTP has been constructed against this DTCP.
func (d *DTCP) SetWindowOpener(f func()) {
	d.mu.Lock()
	d.onWindowOpen = f
	d.mu.Unlock()
}

// SetDstCEPID rekeys the peer CEP-id this instance stamps into
// outgoing control PDUs, once it is learned via connection_update
// (spec.md §4.3).
func (d *DTCP) SetDstCEPID(cep pci.CEPID) {
	d.mu.Lock()
	d.conn.DstCEPID = cep
	d.mu.Unlock()
}

// PushRetransmission pushes pdu onto the RTXQ, time-stamped now,
// without copying it: pdu is expected to already be a duplicate (DTP
// calls pdu.Dup() before handing it here).
func (d *DTCP) PushRetransmission(pdu *pci.PDU, now time.Time) {
	d.rtxq.Push(pdu, now)
}

// SVUpdate runs the sender-state-update policies after DTP accepts an
// inbound DT PDU (spec.md §4.5's sv_update).
func (d *DTCP) SVUpdate(accepted pci.SeqNum) {
	d.mu.Lock()
	d.sv.LastRcvDataAck = accepted
	flowCtrl, rtxCtrl := d.cfg.FlowCtrl, d.cfg.RtxCtrl
	d.mu.Unlock()

	switch {
	case flowCtrl && rtxCtrl:
		if d.pol.RcvrFlowControl != nil {
			d.pol.RcvrFlowControl(accepted)
		}
		if d.pol.RcvrAck != nil {
			d.pol.RcvrAck(accepted)
		}
	case rtxCtrl:
		if d.pol.RcvrAck != nil {
			d.pol.RcvrAck(accepted)
		}
	case flowCtrl:
		if d.pol.ReceivingFlowControl != nil {
			d.pol.ReceivingFlowControl(accepted)
		}
	}
	if d.pol.RateReduction != nil {
		d.pol.RateReduction()
	}
}

// AdviseWindow emits an ACK+FC carrying the current window, for DTP's
// receive path to call when a PDU arrives below the left window edge
// (spec.md §4.4: "request DTCP to emit an ACK/FC with current
// window").
func (d *DTCP) AdviseWindow() {
	d.emitControlPDU(pci.TypeACKAndFC, func(c *pci.Control) {
		d.mu.Lock()
		c.AckSeq = d.sv.LastRcvDataAck
		c.LeftWindEdge = d.sv.RcvrRtWindEdge
		c.RightWindEdge = d.sv.RcvrRtWindEdge + d.sv.RcvrCredit
		d.mu.Unlock()
	})
}

// HandleControlPDU dispatches an inbound control PDU per spec.md
// §4.5's table: old control sequence numbers, and a repeat of the last
// accepted one, are dropped and counted as duplicates; otherwise the
// PDU updates last_rcv_ctl_seq and is processed by type, with a future
// sequence also invoking lost_control_pdu first (mirroring
// original_source/dtcp.c's fall-through from the "seq > last" branch
// into the type switch). The first control PDU of a connection is
// accepted even when its sequence number equals the initial
// last_rcv_ctl_seq.
func (d *DTCP) HandleControlPDU(pdu *pci.PDU) {
	d.mu.Lock()
	seq := pdu.PCI.Seq
	last := d.sv.LastRcvCtlSeq
	if seq < last || (seq == last && d.rcvdCtl) {
		switch pdu.PCI.Type {
		case pci.TypeFC, pci.TypeACKAndFC, pci.TypeNACKAndFC:
			d.sv.DupFlowCtl++
		default:
			d.sv.DupAcks++
		}
		d.mu.Unlock()
		return
	}
	lost := seq > last
	d.sv.LastRcvCtlSeq = seq
	d.rcvdCtl = true
	d.mu.Unlock()

	if lost && d.pol.LostControlPDU != nil {
		d.pol.LostControlPDU()
	}

	switch pdu.PCI.Type {
	case pci.TypeFC:
		d.applyWindowUpdate(pdu)
	case pci.TypeACK:
		d.applyAck(pdu)
	case pci.TypeACKAndFC:
		d.applyAck(pdu)
		d.applyWindowUpdate(pdu)
	case pci.TypeNACK:
		d.applyNack(pdu)
	case pci.TypeNACKAndFC:
		d.applyNack(pdu)
		d.applyWindowUpdate(pdu)
	case pci.TypeSACK:
		d.applyAck(pdu)
	case pci.TypeSNACK:
		d.applyNack(pdu)
	}
}

// applyWindowUpdate advances the sender-side right window edge from an
// inbound FC's right_window_edge field (the same field
// defaultRcvrFlowControl and AdviseWindow populate on the emitting
// side) and, if the edge actually moved, wakes DTP to drain its
// closed-window queue (spec.md §4.6).
func (d *DTCP) applyWindowUpdate(pdu *pci.PDU) {
	d.mu.Lock()
	newEdge := pdu.PCI.Control.RightWindEdge
	opened := newEdge > d.sv.SndRtWindEdge
	d.sv.SndRtWindEdge = newEdge
	opener := d.onWindowOpen
	d.mu.Unlock()

	if opened && opener != nil {
		opener()
	}
}

func (d *DTCP) applyAck(pdu *pci.PDU) {
	d.rtxq.Ack(pdu.PCI.Control.AckSeq)
	d.restartRetransmissionTimer()
}

func (d *DTCP) applyNack(pdu *pci.PDU) {
	resend := d.rtxq.Nack(pdu.PCI.Control.AckSeq, time.Now())
	for _, p := range resend {
		d.send(d.conn.DstAddress, d.conn.QoS, p)
	}
	d.restartRetransmissionTimer()
}

// defaultRcvrFlowControl emits an ACK+FC PDU granting a new right
// window edge of accepted + rcvr_credit (spec.md §4.5's sv_update).
func (d *DTCP) defaultRcvrFlowControl(accepted pci.SeqNum) {
	d.emitControlPDU(pci.TypeACKAndFC, func(c *pci.Control) {
		d.mu.Lock()
		c.AckSeq = accepted
		c.LeftWindEdge = d.sv.RcvrRtWindEdge
		d.sv.RcvrRtWindEdge = accepted + d.sv.RcvrCredit
		c.RightWindEdge = d.sv.RcvrRtWindEdge
		d.mu.Unlock()
	})
}

// defaultRcvrAck emits a plain ACK for the accepted sequence number.
// The original source's default_rcvr_ack returns -1 even on success
// (spec.md §9's documented bug); this hook has no error result at all:
// the ACK is handed to send and send's error is not reported.
func (d *DTCP) defaultRcvrAck(accepted pci.SeqNum) {
	d.emitControlPDU(pci.TypeACK, func(c *pci.Control) {
		c.AckSeq = accepted
	})
}

// defaultReceivingFlowControl behaves like defaultRcvrFlowControl but
// is invoked when flow control is enabled without retransmission
// control (spec.md §4.5's sv_update: "if flow control on but rtx off,
// invoke receiving_flow_control").
func (d *DTCP) defaultReceivingFlowControl(accepted pci.SeqNum) {
	d.defaultRcvrFlowControl(accepted)
}

// defaultLostControlPDU emits a plain ACK whose ack sequence is the
// last accepted data sequence number. It carries no window edges: an
// ACK-type PDU encodes only its ack sequence on the wire.
func (d *DTCP) defaultLostControlPDU() {
	d.emitControlPDU(pci.TypeACK, func(c *pci.Control) {
		d.mu.Lock()
		c.AckSeq = d.sv.LastRcvDataAck
		d.mu.Unlock()
	})
}

// emitControlPDU builds a control PDU of type t, lets fill populate its
// control fields, consumes the next sender control sequence number, and
// posts it via send (spec.md §4.5's "Control-PDU emission"). Control
// PDUs are never themselves acked, so no RTXQ entry is created.
func (d *DTCP) emitControlPDU(t pci.Type, fill func(*pci.Control)) {
	d.mu.Lock()
	seq := d.sv.NextSndCtlSeq
	d.sv.NextSndCtlSeq++
	conn := d.conn
	d.mu.Unlock()

	var ctl pci.Control
	fill(&ctl)

	pdu := &pci.PDU{PCI: pci.PCI{
		SrcAddress: conn.SrcAddress,
		DstAddress: conn.DstAddress,
		SrcCEPID:   conn.SrcCEPID,
		DstCEPID:   conn.DstCEPID,
		QoS:        conn.QoS,
		Type:       t,
		Seq:        seq,
		Control:    ctl,
	}}
	d.send(conn.DstAddress, conn.QoS, pdu)
}

// restartRetransmissionTimer restarts the single per-connection
// retransmission timer (spec.md §4.5: "restarted after each ACK and
// each NACK").
func (d *DTCP) restartRetransmissionTimer() {
	d.mu.Lock()
	trd := d.sv.TRD
	if d.rtxTimer != nil {
		d.rtxTimer.Stop()
	}
	d.rtxTimer = time.AfterFunc(trd, d.fireRetransmissionTimer)
	d.mu.Unlock()
}

// StartRetransmissionTimer arms the timer for the first time; callers
// create a DTCP instance and then call this once retransmission
// control is confirmed enabled.
func (d *DTCP) StartRetransmissionTimer() {
	if d.cfg.RtxCtrl {
		d.restartRetransmissionTimer()
	}
}

// StopRetransmissionTimer cancels the timer, e.g. on connection
// destruction.
func (d *DTCP) StopRetransmissionTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rtxTimer != nil {
		d.rtxTimer.Stop()
	}
}

func (d *DTCP) fireRetransmissionTimer() {
	d.mu.Lock()
	trd := d.sv.TRD
	d.mu.Unlock()

	resend, fatal := d.rtxq.ExpireStale(time.Now(), trd, d.cfg.DataRetransmitMax)
	for _, p := range resend {
		d.send(d.conn.DstAddress, d.conn.QoS, p)
	}
	if fatal && d.fatal != nil {
		d.fatal()
		return
	}
	d.restartRetransmissionTimer()
}
