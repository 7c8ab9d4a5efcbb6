package pft

import (
	"testing"

	"github.com/rina-project/efcp/pci"
	"pgregory.net/rapid"
)

// TestPFTRoundTripProperty checks spec.md §8's "PFT round-trip" property:
// after add(d,q,P), nhop(d,q) == P until remove(d,q,P); after remove,
// nhop returns empty.
func TestPFTRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(tt *rapid.T) {
		tbl := New()

		dest := pci.Address(rapid.Uint32().Draw(tt, "dest"))
		qos := pci.QoSID(rapid.IntRange(0, 255).Draw(tt, "qos"))
		n := rapid.IntRange(1, 5).Draw(tt, "n")

		ports := make([]pci.PortID, n)
		for i := range ports {
			ports[i] = pci.PortID(rapid.IntRange(0, 1000).Draw(tt, "port"))
		}

		tbl.Add(dest, qos, ports)

		got, ok := tbl.NextHop(dest, qos)
		if !ok {
			tt.Fatalf("NextHop() reported no route right after Add")
		}
		if len(got) != len(ports) {
			tt.Fatalf("NextHop() returned %d ports, want %d", len(got), len(ports))
		}
		for i := range ports {
			if got[i] != ports[i] {
				tt.Fatalf("NextHop()[%d] = %d, want %d", i, got[i], ports[i])
			}
		}

		tbl.Remove(dest, qos, ports)
		if _, ok := tbl.NextHop(dest, qos); ok {
			tt.Fatalf("NextHop() still reported a route after Remove")
		}
	})
}
