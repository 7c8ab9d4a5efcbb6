// Package shim declares the downward interface RMT uses to reach a
// concrete N-1 transport, and the upward callback surface a transport
// uses to hand arriving frames back into the core (spec.md §1 names
// the shim layer as external, out of scope; spec.md §6 specifies only
// this interface).
package shim

import "github.com/rina-project/efcp/pci"

// Port is what a concrete transport exposes to the core: a way to send
// a frame on a bound port, and a way to release that binding
// (spec.md §6's "Downward to the shim": sdu_write, flow_deallocate).
// flow_bind_rmt is not part of this interface: each concrete shim takes
// its PostFunc in its own way (udpshim.New takes it as a constructor
// argument; loopback takes it per port in Medium.Bind).
type Port interface {
	SDUWrite(port pci.PortID, sdu []byte) error
	FlowDeallocate(port pci.PortID) error
}

// PostFunc is the sdu_post callback (spec.md §6): a transport calls it
// whenever a frame arrives on a bound port. It is normally RMT.Receive.
type PostFunc func(port pci.PortID, sdu []byte) error
