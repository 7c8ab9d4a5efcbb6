// Package pft implements the packet forwarding table: a pure lookup
// from (destination address, QoS-id) to a set of N-1 port-ids, consulted
// by the RMT on every outbound PDU.
package pft

import (
	"sort"
	"sync"

	"github.com/rina-project/efcp/pci"
)

// key is the lookup key for an entry: a destination address and a
// QoS class.
type key struct {
	Dest pci.Address
	QoS  pci.QoSID
}

// Table is a packet forwarding table. The zero value is ready to use.
type Table struct {
	mu      sync.RWMutex
	entries map[key][]pci.PortID
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[key][]pci.PortID)}
}

// Add replaces, in place, the set of next-hop ports for (dest, qos).
// An empty ports slice is a legal entry: it records that the
// destination is known but currently unreachable, which NextHop
// reports the same way as an absent entry.
func (t *Table) Add(dest pci.Address, qos pci.QoSID, ports []pci.PortID) {
	cp := append([]pci.PortID(nil), ports...)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[key][]pci.PortID)
	}
	t.entries[key{dest, qos}] = cp
}

// Remove deletes the listed ports from the (dest, qos) entry. Once the
// entry's port set becomes empty, the entry itself is dropped.
func (t *Table) Remove(dest pci.Address, qos pci.QoSID, ports []pci.PortID) {
	remove := make(map[pci.PortID]bool, len(ports))
	for _, p := range ports {
		remove[p] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{dest, qos}
	existing, ok := t.entries[k]
	if !ok {
		return
	}

	kept := existing[:0:0]
	for _, p := range existing {
		if !remove[p] {
			kept = append(kept, p)
		}
	}

	if len(kept) == 0 {
		delete(t.entries, k)
		return
	}
	t.entries[k] = kept
}

// NextHop returns the set of next-hop ports for (dest, qos). The second
// return value is false when the destination is unknown or its port set
// is empty; callers (the RMT) treat both the same way: a forwarding
// failure.
func (t *Table) NextHop(dest pci.Address, qos pci.QoSID) ([]pci.PortID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ports, ok := t.entries[key{dest, qos}]
	if !ok || len(ports) == 0 {
		return nil, false
	}

	return append([]pci.PortID(nil), ports...), true
}

// Entry is a single (dest, qos) -> ports row, as returned by Dump.
type Entry struct {
	Dest  pci.Address
	QoS   pci.QoSID
	Ports []pci.PortID
}

// Dump returns a stable, sorted snapshot of every entry in the table.
func (t *Table) Dump() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.entries))
	for k, ports := range t.entries {
		out = append(out, Entry{
			Dest:  k.Dest,
			QoS:   k.QoS,
			Ports: append([]pci.PortID(nil), ports...),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Dest != out[j].Dest {
			return out[i].Dest < out[j].Dest
		}
		return out[i].QoS < out[j].QoS
	})

	return out
}
