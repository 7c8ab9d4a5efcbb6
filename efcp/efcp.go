// Package efcp implements the EFCP container: the CEP-id-keyed
// registry of live connections that routes inbound PDUs and outbound
// SDUs to the right DTP/DTCP pair (spec.md §4.3).
package efcp

import (
	"errors"
	"sync"
	"time"

	"github.com/rina-project/efcp/pci"
	"github.com/rina-project/efcp/efcp/dtcp"
	"github.com/rina-project/efcp/efcp/dtp"
	"github.com/rina-project/efcp/efcp/policy"
	"github.com/rina-project/efcp/efcp/rtxq"
)

// Errors returned by container operations (spec.md §7's Parameter and
// State error classes).
var (
	ErrUnknownCEPID  = errors.New("efcp: unknown cep-id")
	ErrInvalidParams = errors.New("efcp: invalid connection parameters")
)

// Policies carries the parameter flags spec.md §3 attaches to a
// connection: which of DTCP's optional behaviors are enabled.
type Policies struct {
	FlowCtrl    bool
	WindowBased bool
	RateBased   bool
	RtxCtrl     bool
}

// Params describes a connection to be created (spec.md §4.3's
// connection_create).
type Params struct {
	SrcAddress pci.Address
	DstAddress pci.Address
	DstCEPID   pci.CEPID // learned later via ConnectionUpdate if unknown yet
	QoS        pci.QoSID
	Policies   Policies
	Port       pci.PortID

	MaxCWQLen         int
	A                 time.Duration
	MPL               time.Duration
	R                 time.Duration
	DataRetransmitMax int
	InitialTRD        time.Duration
	InitialCredit     pci.SeqNum

	DTPPolicy  *policy.DTP
	DTCPPolicy *policy.DTCP
}

// Sender abstracts RMT.Send so the container doesn't import rmt
// directly (rmt, in turn, depends on pft but not on efcp, avoiding a
// cycle between the two per spec.md §9's back-reference guidance).
type Sender func(dst pci.Address, qos pci.QoSID, pdu *pci.PDU) error

// connection bundles one CEP-id's DTP, optional DTCP, and metadata.
type connection struct {
	params Params
	dtp    *dtp.DTP
	dtcp   *dtcp.DTCP
	errored bool
}

// Container is the EFCP container: a registry of live connections.
type Container struct {
	send Sender
	deliver func(port pci.PortID, sdu []byte) error

	mu      sync.Mutex
	conns   map[pci.CEPID]*connection
	nextCEP pci.CEPID
}

// New returns an empty container. send is used to hand outgoing PDUs
// to RMT; deliver hands reassembled SDUs to the bound flow (KFA, in
// the full system).
func New(send Sender, deliver func(port pci.PortID, sdu []byte) error) *Container {
	return &Container{
		send:    send,
		deliver: deliver,
		conns:   make(map[pci.CEPID]*connection),
	}
}

// ConnectionCreate instantiates DTP+DTCP for a new connection and
// returns its freshly assigned CEP-id, or pci.InvalidCEPID on failure
// (spec.md §4.3).
func (c *Container) ConnectionCreate(p Params) (pci.CEPID, error) {
	if !p.Port.IsValid() {
		return pci.InvalidCEPID, ErrInvalidParams
	}

	c.mu.Lock()
	cep := c.nextCEP
	c.nextCEP++
	c.mu.Unlock()

	conn := &connection{params: p}

	var dtcpInst *dtcp.DTCP
	if p.Policies.FlowCtrl || p.Policies.RateBased || p.Policies.RtxCtrl {
		addr := dtcp.Addressing{
			SrcAddress: p.SrcAddress,
			DstAddress: p.DstAddress,
			SrcCEPID:   cep,
			DstCEPID:   p.DstCEPID,
			QoS:        p.QoS,
		}
		cfg := dtcp.Config{
			FlowCtrl:          p.Policies.FlowCtrl,
			WindowBased:       p.Policies.WindowBased,
			RateBased:         p.Policies.RateBased,
			RtxCtrl:           p.Policies.RtxCtrl,
			DataRetransmitMax: p.DataRetransmitMax,
			InitialTRD:        p.InitialTRD,
			InitialCredit:     p.InitialCredit,
		}
		dtcpInst = dtcp.New(addr, cfg, c.send, rtxq.New(), p.DTCPPolicy, func() {
			c.markErrored(cep)
		})
		dtcpInst.StartRetransmissionTimer()
		conn.dtcp = dtcpInst
	}

	dtpAddr := dtp.Addressing{
		SrcAddress: p.SrcAddress,
		DstAddress: p.DstAddress,
		SrcCEPID:   cep,
		DstCEPID:   p.DstCEPID,
		QoS:        p.QoS,
	}
	dtpCfg := dtp.Config{
		WindowBased: p.Policies.WindowBased,
		RtxCtrl:     p.Policies.RtxCtrl,
		MaxCWQLen:   p.MaxCWQLen,
		A:           p.A,
		MPL:         p.MPL,
		R:           p.R,
	}

	var dtpDeps dtp.DTCP
	if dtcpInst != nil {
		dtpDeps = dtcpInst
	}

	deliverSDU := func(sdu []byte) error {
		return c.deliver(p.Port, sdu)
	}

	opts := []dtp.Option{}
	if p.DTPPolicy != nil {
		opts = append(opts, dtp.WithPolicy(p.DTPPolicy))
	}
	conn.dtp = dtp.New(dtpAddr, dtpCfg, c.send, dtpDeps, deliverSDU, opts...)

	if dtcpInst != nil {
		dtcpInst.SetWindowOpener(conn.dtp.OpenWindow)
	}

	c.mu.Lock()
	c.conns[cep] = conn
	c.mu.Unlock()

	return cep, nil
}

// ConnectionUpdate rekeys an established half-connection once the
// peer's CEP-id is learned from a control exchange (spec.md §4.3).
func (c *Container) ConnectionUpdate(from, to pci.CEPID) error {
	c.mu.Lock()
	conn, ok := c.conns[from]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownCEPID
	}
	delete(c.conns, from)
	conn.params.DstCEPID = to
	c.conns[from] = conn
	c.mu.Unlock()

	conn.dtp.SetDstCEPID(to)
	if conn.dtcp != nil {
		conn.dtcp.SetDstCEPID(to)
	}
	return nil
}

// ConnectionDestroy tears down the connection identified by cep,
// draining its queues and cancelling its timers (spec.md §4.3, §3's
// lifecycle).
func (c *Container) ConnectionDestroy(cep pci.CEPID) error {
	c.mu.Lock()
	conn, ok := c.conns[cep]
	if ok {
		delete(c.conns, cep)
	}
	c.mu.Unlock()

	if !ok {
		return ErrUnknownCEPID
	}

	conn.dtp.Stop()
	if conn.dtcp != nil {
		conn.dtcp.StopRetransmissionTimer()
	}
	return nil
}

// Write routes an outbound SDU to the connection's DTP (spec.md
// §4.3's write).
func (c *Container) Write(cep pci.CEPID, sdu []byte) error {
	conn, ok := c.lookup(cep)
	if !ok {
		return ErrUnknownCEPID
	}
	return conn.dtp.Write(sdu)
}

// Receive routes an inbound PDU to the connection's DTP or DTCP,
// keyed by its own CEP-id and dispatched by PDU type (spec.md §4.3's
// receive).
func (c *Container) Receive(cep pci.CEPID, pdu *pci.PDU) error {
	conn, ok := c.lookup(cep)
	if !ok {
		return ErrUnknownCEPID
	}

	if pdu.PCI.Type.IsControl() {
		if conn.dtcp == nil {
			return nil
		}
		conn.dtcp.HandleControlPDU(pdu)
		return nil
	}
	return conn.dtp.Receive(pdu)
}

// MgmtWrite constructs a MGMT PDU addressed to dst and hands it to
// RMT via send (spec.md §4.3's mgmt_write).
func (c *Container) MgmtWrite(src pci.Address, dst pci.Address, qos pci.QoSID, sdu []byte) error {
	pdu := &pci.PDU{
		PCI: pci.PCI{
			SrcAddress: src,
			DstAddress: dst,
			SrcCEPID:   pci.InvalidCEPID,
			DstCEPID:   pci.InvalidCEPID,
			QoS:        qos,
			Type:       pci.TypeMGMT,
		},
		Buffer: sdu,
	}
	return c.send(dst, qos, pdu)
}

func (c *Container) lookup(cep pci.CEPID) (*connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[cep]
	return conn, ok
}

func (c *Container) markErrored(cep pci.CEPID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[cep]; ok {
		conn.errored = true
	}
}

// Errored reports whether cep's connection has been marked fatally
// errored (spec.md §7's "Fatal connection" class, e.g. retransmission
// retries exceeded).
func (c *Container) Errored(cep pci.CEPID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[cep]
	return ok && conn.errored
}
