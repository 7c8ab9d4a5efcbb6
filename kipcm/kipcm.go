// Package kipcm implements a minimal Kernel IPC Manager façade: the
// control-plane coordination normal-ipcp.c performs between one IPC
// process's EFCP container, RMT, PFT, and KFA. spec.md §1 treats the
// control plane as an external collaborator and specifies only the
// interface the core exposes (§6); this package is the concrete
// reference implementation SPEC_FULL.md supplements it with, grounded
// on original_source/normal-ipcp.c.
package kipcm

import (
	"context"
	"errors"
	"sync"

	"github.com/rina-project/efcp/efcp"
	"github.com/rina-project/efcp/kfa"
	"github.com/rina-project/efcp/pci"
	"github.com/rina-project/efcp/pft"
	"github.com/rina-project/efcp/rmt"
	"github.com/rina-project/efcp/shim"
)

// ErrNoSuchFlow mirrors normal-ipcp.c's find_flow failures.
var ErrNoSuchFlow = errors.New("kipcm: no such flow")

// flowBinding remembers which connection and port a locally-initiated
// flow maps to (normal-ipcp.c's "struct normal_flow").
type flowBinding struct {
	port pci.PortID
	cep  pci.CEPID
}

// IPCP is one IPC process: the coordination point between its own
// EFCP container, RMT, PFT, KFA, and a bound shim (normal-ipcp.c's
// ipcp_instance_data).
type IPCP struct {
	Address pci.Address

	PFT  *pft.Table
	RMT  *rmt.RMT
	EFCP *efcp.Container
	KFA  *kfa.KFA

	mu    sync.Mutex
	flows map[pci.PortID]*flowBinding
}

// New wires together a fresh IPC process bound to shimPort, using
// address as its RMT address (normal-ipcp.c's normal_create +
// normal_assign_to_dif).
func New(address pci.Address, shimPort shim.Port) *IPCP {
	k := kfa.New()
	table := pft.New()

	ip := &IPCP{
		Address: address,
		PFT:     table,
		KFA:     k,
		flows:   make(map[pci.PortID]*flowBinding),
	}

	ip.EFCP = efcp.New(
		func(dst pci.Address, qos pci.QoSID, pdu *pci.PDU) error {
			return ip.RMT.Send(dst, qos, pdu)
		},
		func(port pci.PortID, sdu []byte) error {
			return ip.KFA.Write(context.Background(), port, sdu)
		},
	)

	ip.RMT = rmt.New(table, shimPort, deliverer{ip})
	ip.RMT.AddressSet(address)

	return ip
}

// deliverer adapts IPCP's EFCP container to rmt.Deliverer: locally
// addressed PDUs are routed by CEP-id.
type deliverer struct{ ip *IPCP }

func (d deliverer) Deliver(pdu *pci.PDU) error {
	return d.ip.EFCP.Receive(pdu.PCI.DstCEPID, pdu)
}

// FlowCommit binds port to this IPCP's RMT and KFA, transitioning it
// out of PENDING (normal-ipcp.c's ipcp_flow_notification /
// kfa_flow_bind_rmt).
func (ip *IPCP) FlowCommit(port pci.PortID) error {
	ip.KFA.Create(port)
	ip.RMT.Bind(port)
	return ip.KFA.Bind(port)
}

// ConnectionCreate allocates a connection over an already-committed
// port and remembers the (port, cep) binding for later lookups
// (normal-ipcp.c's connection_create_request).
func (ip *IPCP) ConnectionCreate(p efcp.Params) (pci.CEPID, error) {
	cep, err := ip.EFCP.ConnectionCreate(p)
	if err != nil {
		return pci.InvalidCEPID, err
	}

	ip.mu.Lock()
	ip.flows[p.Port] = &flowBinding{port: p.Port, cep: cep}
	ip.mu.Unlock()
	return cep, nil
}

// ConnectionUpdate rekeys the half-connection once the peer CEP-id
// becomes known (normal-ipcp.c's connection_update_request).
func (ip *IPCP) ConnectionUpdate(from, to pci.CEPID) error {
	return ip.EFCP.ConnectionUpdate(from, to)
}

// FlowDeallocate tears down a flow's connection and releases its port
// binding (normal-ipcp.c's connection_destroy_request + flow_deallocate).
func (ip *IPCP) FlowDeallocate(port pci.PortID) error {
	ip.mu.Lock()
	fb, ok := ip.flows[port]
	delete(ip.flows, port)
	ip.mu.Unlock()

	if !ok {
		return ErrNoSuchFlow
	}

	ip.EFCP.ConnectionDestroy(fb.cep)
	ip.RMT.Unbind(port)
	return ip.KFA.Deallocate(port)
}

// SDUWrite writes an application SDU on the flow bound to port
// (normal-ipcp.c's normal_sdu_write).
func (ip *IPCP) SDUWrite(port pci.PortID, sdu []byte) error {
	ip.mu.Lock()
	fb, ok := ip.flows[port]
	ip.mu.Unlock()
	if !ok {
		return ErrNoSuchFlow
	}
	return ip.EFCP.Write(fb.cep, sdu)
}

// SDURead blocks until an SDU is available for port, or ctx is
// cancelled.
func (ip *IPCP) SDURead(ctx context.Context, port pci.PortID) ([]byte, error) {
	return ip.KFA.Read(ctx, port)
}

// ManagementSDURead dequeues the oldest pending management SDU
// (normal-ipcp.c's normal_management_sdu_read -> rmt_management_sdu_read).
func (ip *IPCP) ManagementSDURead() (rmt.MgmtSDU, bool) {
	return ip.RMT.MgmtSDURead()
}

// ManagementSDUWrite constructs and sends a MGMT PDU to dst
// (normal-ipcp.c's normal_management_sdu_write).
func (ip *IPCP) ManagementSDUWrite(dst pci.Address, qos pci.QoSID, sdu []byte) error {
	return ip.EFCP.MgmtWrite(ip.Address, dst, qos, sdu)
}

// RouteAdd registers a PFT entry (dest, qos) -> ports, the minimal
// routing surface this core exposes above the PFT lookup itself
// (spec.md §1's Non-goals: "no DIF-management or routing-protocol
// logic beyond the PFT lookup" — RouteAdd is that lookup's write side,
// not a routing protocol).
func (ip *IPCP) RouteAdd(dest pci.Address, qos pci.QoSID, ports []pci.PortID) {
	ip.PFT.Add(dest, qos, ports)
}
