package udpshim

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rina-project/efcp/pci"
)

func TestUDPShimRoundTrip(t *testing.T) {
	serverPC, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	serverAddr := serverPC.LocalAddr().String()
	serverPC.Close()

	var mu sync.Mutex
	var serverGot [][]byte
	server := New(func(port pci.PortID, sdu []byte) error {
		mu.Lock()
		defer mu.Unlock()
		serverGot = append(serverGot, sdu)
		return nil
	})
	if err := server.Listen(1, serverAddr); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.FlowDeallocate(1)

	client := New(func(pci.PortID, []byte) error { return nil })
	if err := client.Dial(1, serverAddr); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.FlowDeallocate(1)

	if err := client.SDUWrite(1, []byte("hello")); err != nil {
		t.Fatalf("SDUWrite: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(serverGot)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(serverGot) != 1 || string(serverGot[0]) != "hello" {
		t.Fatalf("server received = %v, want [hello]", serverGot)
	}
}

func TestSDUWriteUnbound(t *testing.T) {
	s := New(nil)
	if err := s.SDUWrite(5, []byte("x")); err != ErrNotBound {
		t.Fatalf("err = %v, want ErrNotBound", err)
	}
}
