// Package udpshim implements a concrete N-1 transport that carries
// frames over UDP: the medium spec.md §1 treats as an external
// collaborator, given a real binding here for peers in separate
// processes (cmd/rina-demo itself uses the loopback shim). Connection
// setup follows the teacher's own net.Dial-based style in ovsdb.Dial.
package udpshim

import (
	"errors"
	"net"
	"sync"

	"github.com/rina-project/efcp/pci"
	"github.com/rina-project/efcp/shim"
)

// maxDatagram bounds a single read; RINA PDUs in this demo are never
// expected to need IP fragmentation-sized frames.
const maxDatagram = 65507

// ErrNotBound is returned when an operation references a port with no
// active UDP socket.
var ErrNotBound = errors.New("udpshim: port not bound")

// Shim is a UDP-backed transport: each bound port owns one connected
// UDP socket to a fixed remote peer.
type Shim struct {
	post shim.PostFunc

	mu    sync.Mutex
	conns map[pci.PortID]net.Conn
	stop  map[pci.PortID]chan struct{}
}

// New returns a Shim that calls post whenever a datagram arrives on a
// bound port.
func New(post shim.PostFunc) *Shim {
	return &Shim{
		post:  post,
		conns: make(map[pci.PortID]net.Conn),
		stop:  make(map[pci.PortID]chan struct{}),
	}
}

// Dial binds port to a UDP socket connected to raddr and starts a
// background goroutine posting every datagram that arrives.
func (s *Shim) Dial(port pci.PortID, raddr string) error {
	conn, err := net.Dial("udp", raddr)
	if err != nil {
		return err
	}
	return s.adopt(port, conn)
}

// Listen binds port to a UDP socket listening on laddr, accepting
// datagrams from whichever peer reaches it (an N-1 port in this model
// talks to exactly one peer, so the first sender observed is implicitly
// the peer for subsequent writes once one arrives).
func (s *Shim) Listen(port pci.PortID, laddr string) error {
	pc, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return err
	}
	return s.adoptPacketConn(port, pc)
}

func (s *Shim) adopt(port pci.PortID, conn net.Conn) error {
	stop := make(chan struct{})

	s.mu.Lock()
	s.conns[port] = conn
	s.stop[port] = stop
	s.mu.Unlock()

	go s.readLoopConn(port, conn, stop)
	return nil
}

func (s *Shim) adoptPacketConn(port pci.PortID, pc net.PacketConn) error {
	stop := make(chan struct{})

	s.mu.Lock()
	s.stop[port] = stop
	s.mu.Unlock()

	go func() {
		<-stop
		pc.Close()
	}()
	go s.readLoopPacketConn(port, pc, stop)
	return nil
}

func (s *Shim) readLoopConn(port pci.PortID, conn net.Conn, stop chan struct{}) {
	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		sdu := make([]byte, n)
		copy(sdu, buf[:n])
		if s.post != nil {
			s.post(port, sdu)
		}
		select {
		case <-stop:
			return
		default:
		}
	}
}

func (s *Shim) readLoopPacketConn(port pci.PortID, pc net.PacketConn, stop chan struct{}) {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}

		s.mu.Lock()
		if _, bound := s.conns[port]; !bound {
			if conn, dialErr := net.Dial("udp", addr.String()); dialErr == nil {
				s.conns[port] = conn
			}
		}
		s.mu.Unlock()

		sdu := make([]byte, n)
		copy(sdu, buf[:n])
		if s.post != nil {
			s.post(port, sdu)
		}
		select {
		case <-stop:
			pc.Close()
			return
		default:
		}
	}
}

// SDUWrite sends sdu on port's UDP socket.
func (s *Shim) SDUWrite(port pci.PortID, sdu []byte) error {
	s.mu.Lock()
	conn, ok := s.conns[port]
	s.mu.Unlock()
	if !ok {
		return ErrNotBound
	}
	_, err := conn.Write(sdu)
	return err
}

// FlowDeallocate closes port's socket and stops its read loop.
func (s *Shim) FlowDeallocate(port pci.PortID) error {
	s.mu.Lock()
	conn, ok := s.conns[port]
	stop, hasStop := s.stop[port]
	delete(s.conns, port)
	delete(s.stop, port)
	s.mu.Unlock()

	if hasStop {
		close(stop)
	}
	if !ok {
		return ErrNotBound
	}
	return conn.Close()
}

var _ shim.Port = (*Shim)(nil)
