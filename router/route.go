package router

// RouteEntry is one row of the routing table (§3). Callers must ensure
// Dest == Dest & Mask before calling RoutingTable.Add; RoutingTable
// itself does not re-mask on insert.
type RouteEntry struct {
	Dest      [4]byte
	Mask      [4]byte
	Gateway   [4]byte // zero value means "destination is directly connected"
	Interface string
}

// RoutingTable is a flat, insertion-ordered list of routes (C3, §4.3).
type RoutingTable struct {
	entries []RouteEntry
}

// NewRoutingTable returns an empty, ready to use RoutingTable.
func NewRoutingTable() *RoutingTable { return &RoutingTable{} }

// Add appends r to the table. A zero Mask is the default route and only
// ever matches when no more specific route does.
func (t *RoutingTable) Add(r RouteEntry) {
	t.entries = append(t.entries, r)
}

// Lookup returns the route with the longest matching mask for dst,
// breaking ties in favor of the earliest-inserted matching entry.
func (t *RoutingTable) Lookup(dst [4]byte) (RouteEntry, bool) {
	best := -1
	bestPopcount := -1
	for i := range t.entries {
		e := &t.entries[i]
		if !maskedEqual(dst, e.Mask, e.Dest) {
			continue
		}
		pc := popcount(e.Mask)
		if pc > bestPopcount {
			bestPopcount = pc
			best = i
		}
	}
	if best < 0 {
		return RouteEntry{}, false
	}
	return t.entries[best], true
}

func maskedEqual(ip, mask, dest [4]byte) bool {
	return ip[0]&mask[0] == dest[0] &&
		ip[1]&mask[1] == dest[1] &&
		ip[2]&mask[2] == dest[2] &&
		ip[3]&mask[3] == dest[3]
}

func popcount(mask [4]byte) int {
	n := 0
	for _, b := range mask {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

// NextHop resolves the IP address that must be ARP-resolved to forward
// towards dst given route r: the gateway if set, else dst itself (§4.5.1).
func NextHop(r RouteEntry, dst [4]byte) [4]byte {
	var zero [4]byte
	if r.Gateway == zero {
		return dst
	}
	return r.Gateway
}
