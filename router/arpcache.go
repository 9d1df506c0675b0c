package router

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/corenet/internal"
)

const (
	arpEntryTTL      = 15 * time.Second
	arpRetryInterval = time.Second
	arpRetryLimit    = 5
)

// Entry is a resolved ARP cache row (§3 ArpEntry). It is considered
// valid while now-InsertedAt < 15s.
type Entry struct {
	IP         [4]byte
	MAC        [6]byte
	InsertedAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.InsertedAt) >= arpEntryTTL
}

// PendingFrame is an outgoing frame queued behind an unresolved ARP
// request (§3 PendingFrame).
type PendingFrame struct {
	Bytes    []byte
	Len      int
	OutIface string
}

// Request tracks an in-flight ARP resolution for one IP (§3 ArpRequest).
// At most one Request exists per IP at any time.
type Request struct {
	IP         [4]byte
	SentCount  uint8
	LastSentAt time.Time
	Queue      []PendingFrame
}

// Broadcast describes an ARP request the sweeper determined must be
// (re)transmitted this tick. OutIface is taken from the first frame queued
// behind the request, per §4.4's "broadcast... from the request's first
// pending frame".
type Broadcast struct {
	IP       [4]byte
	OutIface string
}

// Unreachable describes a Request that exhausted its retry budget; the
// caller must emit a host-unreachable ICMP message for every queued
// frame, using its own OutIface, then discard the queue.
type Unreachable struct {
	IP    [4]byte
	Queue []PendingFrame
}

// SweepResult is the outcome of one ArpCache.Sweep call.
type SweepResult struct {
	Broadcasts   []Broadcast
	Unreachables []Unreachable
}

// ArpCache is the IP->MAC cache plus pending-request queue (C4, §4.4).
// It is touched by both the forwarding path and the 1 Hz sweeper, so
// every method takes the lock itself.
type ArpCache struct {
	mu       sync.Mutex
	entries  []Entry
	requests []Request
	log      internal.Logger

	hostUnreachable atomic.Uint64
}

// NewArpCache returns an empty, ready to use ArpCache.
func NewArpCache(log internal.Logger) *ArpCache {
	return &ArpCache{log: log}
}

// Lookup returns the MAC cached for ip if an unexpired Entry exists.
func (c *ArpCache) Lookup(ip [4]byte, now time.Time) (mac [6]byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].IP == ip {
			if c.entries[i].expired(now) {
				return mac, false
			}
			return c.entries[i].MAC, true
		}
	}
	return mac, false
}

// Insert refreshes (or creates) the cache entry for ip, and drains any
// Request outstanding for ip, returning its queued frames for the
// caller to transmit now that the address is resolved.
func (c *ArpCache) Insert(ip [4]byte, mac [6]byte, now time.Time) (pending []PendingFrame, drained bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].IP == ip {
			c.entries[i].MAC = mac
			c.entries[i].InsertedAt = now
			return c.takeRequestLocked(ip)
		}
	}
	c.entries = append(c.entries, Entry{IP: ip, MAC: mac, InsertedAt: now})
	return c.takeRequestLocked(ip)
}

func (c *ArpCache) takeRequestLocked(ip [4]byte) ([]PendingFrame, bool) {
	for i := range c.requests {
		if c.requests[i].IP == ip {
			q := c.requests[i].Queue
			c.requests = append(c.requests[:i], c.requests[i+1:]...)
			return q, true
		}
	}
	return nil, false
}

// Enqueue appends frame to the pending-frame queue for the unresolved
// address ip, creating a fresh Request (sent_count=0) if none exists.
// frame[:n] is copied; the caller's buffer may be reused afterwards.
func (c *ArpCache) Enqueue(ip [4]byte, frame []byte, n int, outIface string) {
	buf := make([]byte, n)
	copy(buf, frame[:n])
	pf := PendingFrame{Bytes: buf, Len: n, OutIface: outIface}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.requests {
		if c.requests[i].IP == ip {
			c.requests[i].Queue = append(c.requests[i].Queue, pf)
			return
		}
	}
	c.requests = append(c.requests, Request{IP: ip, Queue: []PendingFrame{pf}})
}

// Sweep runs one 1 Hz tick of the ARP sweeper (§4.4): it expires stale
// cache entries, and for every outstanding Request either leaves it
// alone (retried too recently), schedules a fresh broadcast, or — past
// the retry limit — reports it as unreachable and destroys it.
func (c *ArpCache) Sweep(now time.Time) SweepResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		if c.entries[i].expired(now) {
			c.entries[i] = Entry{}
		}
	}
	c.entries = internal.DeleteZeroed(c.entries)

	var result SweepResult
	kept := c.requests[:0]
	for _, req := range c.requests {
		if !req.LastSentAt.IsZero() && now.Sub(req.LastSentAt) < arpRetryInterval {
			kept = append(kept, req)
			continue
		}
		if req.SentCount >= arpRetryLimit {
			result.Unreachables = append(result.Unreachables, Unreachable{IP: req.IP, Queue: req.Queue})
			c.hostUnreachable.Add(1)
			c.log.Debug("arp: host unreachable", internal.SlogAddr4("ip", &req.IP), slog.Int("queued", len(req.Queue)))
			continue // destroyed: not re-appended to kept.
		}
		req.SentCount++
		req.LastSentAt = now
		result.Broadcasts = append(result.Broadcasts, Broadcast{IP: req.IP, OutIface: req.Queue[0].OutIface})
		kept = append(kept, req)
	}
	c.requests = kept
	return result
}

// Size returns the number of cache entries held, including entries that have
// expired but have not yet been removed by Sweep.
func (c *ArpCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PendingRequests returns the number of IPs with an outstanding ARP request.
func (c *ArpCache) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// HostUnreachableTotal returns the cumulative count of ArpRequests destroyed
// by retry exhaustion, read by the metrics collector.
func (c *ArpCache) HostUnreachableTotal() uint64 {
	return c.hostUnreachable.Load()
}
