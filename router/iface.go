// Package router implements the forwarding plane: the interface table, the
// longest-prefix-match routing table, the ARP cache and its 1 Hz sweeper,
// and the frame-forwarding engine that ties them together.
package router

// defaultMTU is used to populate the ICMP type-3 next_mtu field (§4.5.3).
// This module carries no path-MTU-discovery logic of its own.
const defaultMTU = 1500

// Interface represents one of the router's network-facing ports.
type Interface struct {
	name string
	ipv4 [4]byte
	mac  [6]byte
	mtu  uint16
}

// NewInterface builds an Interface with the default MTU of 1500.
func NewInterface(name string, ipv4 [4]byte, mac [6]byte) Interface {
	return Interface{name: name, ipv4: ipv4, mac: mac, mtu: defaultMTU}
}

func (i Interface) Name() string   { return i.name }
func (i Interface) IPv4() [4]byte  { return i.ipv4 }
func (i Interface) MAC() [6]byte   { return i.mac }
func (i Interface) MTU() uint16    { return i.mtu }

// IfaceTable is the name -> Interface map (C2, §4.2). Interfaces are
// loaded once at startup and never mutated afterwards, mirroring the
// teacher's "load once" Handler.Reset style.
type IfaceTable struct {
	byName map[string]Interface
}

// NewIfaceTable returns an empty, ready to use IfaceTable.
func NewIfaceTable() *IfaceTable {
	return &IfaceTable{byName: make(map[string]Interface)}
}

// Add registers or replaces the interface under its own name.
func (t *IfaceTable) Add(ifc Interface) {
	t.byName[ifc.name] = ifc
}

// Get looks up an interface by name.
func (t *IfaceTable) Get(name string) (Interface, bool) {
	ifc, ok := t.byName[name]
	return ifc, ok
}

// Each iterates every interface in the table in an unspecified order,
// stopping early if fn returns false.
func (t *IfaceTable) Each(fn func(Interface) bool) {
	for _, ifc := range t.byName {
		if !fn(ifc) {
			return
		}
	}
}

// Owns reports whether ip is assigned to one of the table's interfaces,
// i.e. whether a received datagram addressed to ip is "for me" (§4.5.1).
func (t *IfaceTable) Owns(ip [4]byte) (Interface, bool) {
	var found Interface
	var ok bool
	t.Each(func(ifc Interface) bool {
		if ifc.ipv4 == ip {
			found, ok = ifc, true
			return false
		}
		return true
	})
	return found, ok
}
