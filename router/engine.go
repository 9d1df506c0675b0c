package router

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/soypat/corenet/arp"
	"github.com/soypat/corenet/ethernet"
	"github.com/soypat/corenet/internal"
	"github.com/soypat/corenet/ipv4"
	"github.com/soypat/corenet/ipv4/icmpv4"
	"github.com/soypat/corenet/wire"
)

// Engine is the frame-forwarding dispatcher (C5, §4.5). It owns no state of
// its own beyond counters: the interface table, routing table and ARP cache
// are supplied by the caller and may be shared with a metrics collector.
type Engine struct {
	Ifaces *IfaceTable
	Routes *RoutingTable
	Arp    *ArpCache
	IO     FrameIO
	// Now returns the current time; defaults to time.Now when nil. Tests
	// substitute a deterministic clock.
	Now func() time.Time

	log internal.Logger

	framesForwarded atomic.Uint64
	framesDropped   atomic.Uint64
	icmpSent        atomic.Uint64
}

// NewEngine builds a forwarding engine over the given tables and link-layer
// collaborator.
func NewEngine(ifaces *IfaceTable, routes *RoutingTable, arpCache *ArpCache, io FrameIO, log internal.Logger) *Engine {
	return &Engine{Ifaces: ifaces, Routes: routes, Arp: arpCache, IO: io, log: log}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Stats is a point-in-time snapshot of the engine's forwarding counters,
// read by the metrics collector.
type Stats struct {
	FramesForwarded uint64
	FramesDropped   uint64
	ICMPSent        uint64
}

// Stats returns the current forwarding counters.
func (e *Engine) Stats() Stats {
	return Stats{
		FramesForwarded: e.framesForwarded.Load(),
		FramesDropped:   e.framesDropped.Load(),
		ICMPSent:        e.icmpSent.Load(),
	}
}

// OnFrame dispatches one received Ethernet frame arriving on inIface (§4.5).
func (e *Engine) OnFrame(buf []byte, inIface string) error {
	if len(buf) < 14 {
		e.drop()
		return nil
	}
	inIf, ok := e.Ifaces.Get(inIface)
	if !ok {
		e.drop()
		return nil
	}
	eth, err := ethernet.NewFrame(buf)
	if err != nil {
		e.drop()
		return nil
	}
	switch eth.EtherTypeOrSize() {
	case ethernet.TypeARP:
		e.onARP(eth, inIf)
	case ethernet.TypeIPv4:
		e.onIPv4(eth, inIf)
	default:
		e.drop()
	}
	return nil
}

func (e *Engine) drop() {
	e.framesDropped.Add(1)
}

func (e *Engine) send(iface string, buf []byte) bool {
	if e.IO == nil {
		return false
	}
	if err := e.IO.SendFrame(iface, buf, len(buf)); err != nil {
		e.log.Error("router: send frame failed", err, slog.String("iface", iface))
		return false
	}
	return true
}

// onIPv4 implements §4.5.1.
func (e *Engine) onIPv4(eth ethernet.Frame, inIf Interface) {
	payload := eth.Payload()
	if len(payload) < 20 {
		e.drop()
		return
	}
	iv, err := ipv4.NewFrame(payload)
	if err != nil {
		e.drop()
		return
	}
	if !iv.VerifyCRC() {
		e.drop()
		return
	}

	dst := *iv.DestinationAddr()
	if _, ok := e.Ifaces.Owns(dst); ok {
		e.handleLocal(eth, iv, inIf)
		return
	}

	ttl := iv.TTL() - 1
	if ttl == 0 {
		e.replyTimeExceeded(eth, iv, inIf)
		return
	}
	iv.SetTTL(ttl)
	iv.SetCRC(iv.CalculateHeaderCRC())

	rt, ok := e.Routes.Lookup(dst)
	if !ok {
		e.replyNetUnreachable(eth, iv, inIf)
		return
	}
	outIf, ok := e.Ifaces.Get(rt.Interface)
	if !ok {
		e.log.Error("router: route points at unknown interface", nil, slog.String("iface", rt.Interface))
		e.drop()
		return
	}

	nextHop := NextHop(rt, dst)
	if mac, ok := e.Arp.Lookup(nextHop, e.now()); ok {
		*eth.SourceHardwareAddr() = outIf.mac
		*eth.DestinationHardwareAddr() = mac
		if e.send(outIf.name, eth.RawData()) {
			e.framesForwarded.Add(1)
		}
		return
	}
	e.Arp.Enqueue(nextHop, eth.RawData(), len(eth.RawData()), outIf.name)
}

// handleLocal implements the "for-me" branch of §4.5.1 step 3.
func (e *Engine) handleLocal(eth ethernet.Frame, iv ipv4.Frame, inIf Interface) {
	if iv.Protocol() == wire.IPProtoICMP {
		if body := iv.Payload(); len(body) >= 8 {
			icf, err := icmpv4.NewFrame(body)
			if err == nil && icf.Type() == icmpv4.TypeEcho {
				e.replyEchoReply(eth, iv, icmpv4.FrameEcho{Frame: icf}, inIf)
				return
			}
		}
	}
	e.replyPortUnreachable(eth, iv, inIf)
}

// onARP implements §4.5.2.
func (e *Engine) onARP(eth ethernet.Frame, inIf Interface) {
	payload := eth.Payload()
	if len(payload) < 28 {
		e.drop()
		return
	}
	af, err := arp.NewFrame(payload)
	if err != nil {
		e.drop()
		return
	}
	_, targetIP := af.Target4()
	if *targetIP != inIf.ipv4 {
		e.drop()
		return
	}
	switch af.Operation() {
	case arp.OpRequest:
		e.replyARP(af, inIf)
	case arp.OpReply:
		e.onARPReply(af)
	default:
		e.drop()
	}
}

func (e *Engine) replyARP(req arp.Frame, inIf Interface) {
	senderHW, senderIP := req.Sender4()
	buf := make([]byte, 14+28)
	eth, _ := ethernet.NewFrame(buf)
	eth.ClearHeader()
	*eth.DestinationHardwareAddr() = *senderHW
	*eth.SourceHardwareAddr() = inIf.mac
	eth.SetEtherType(ethernet.TypeARP)

	rf, _ := arp.NewFrame(buf[14:])
	rf.ClearHeader()
	rf.SetHardware(1, 6)
	rf.SetProtocol(ethernet.TypeIPv4, 4)
	rf.SetOperation(arp.OpReply)
	rSenderHW, rSenderIP := rf.Sender4()
	*rSenderHW = inIf.mac
	*rSenderIP = inIf.ipv4
	rTargetHW, rTargetIP := rf.Target4()
	*rTargetHW = *senderHW
	*rTargetIP = *senderIP
	e.send(inIf.name, buf)
}

func (e *Engine) onARPReply(reply arp.Frame) {
	senderHW, senderIP := reply.Sender4()
	pending, drained := e.Arp.Insert(*senderIP, *senderHW, e.now())
	if !drained {
		return
	}
	for _, pf := range pending {
		outIf, ok := e.Ifaces.Get(pf.OutIface)
		if !ok {
			continue
		}
		pfEth, err := ethernet.NewFrame(pf.Bytes)
		if err != nil {
			continue
		}
		*pfEth.SourceHardwareAddr() = outIf.mac
		*pfEth.DestinationHardwareAddr() = *senderHW
		if e.send(pf.OutIface, pf.Bytes) {
			e.framesForwarded.Add(1)
		}
	}
}

// Sweep runs one 1 Hz ARP sweep (§4.4) and carries out the work it reports:
// transmitting fresh ARP broadcasts and emitting host-unreachable ICMP
// replies for exhausted requests.
func (e *Engine) Sweep(now time.Time) {
	result := e.Arp.Sweep(now)
	for _, b := range result.Broadcasts {
		outIf, ok := e.Ifaces.Get(b.OutIface)
		if !ok {
			continue
		}
		e.send(outIf.name, buildARPRequest(b.IP, outIf))
	}
	for _, u := range result.Unreachables {
		e.hostUnreachable(u)
	}
}

func buildARPRequest(targetIP [4]byte, outIf Interface) []byte {
	buf := make([]byte, 14+28)
	eth, _ := ethernet.NewFrame(buf)
	eth.ClearHeader()
	*eth.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*eth.SourceHardwareAddr() = outIf.mac
	eth.SetEtherType(ethernet.TypeARP)

	af, _ := arp.NewFrame(buf[14:])
	af.ClearHeader()
	af.SetHardware(1, 6)
	af.SetProtocol(ethernet.TypeIPv4, 4)
	af.SetOperation(arp.OpRequest)
	senderHW, senderIP := af.Sender4()
	*senderHW = outIf.mac
	*senderIP = outIf.ipv4
	targetHW, targetIPField := af.Target4()
	*targetHW = [6]byte{}
	*targetIPField = targetIP
	return buf
}

// hostUnreachable emits ICMP 3/1 for every frame still queued behind an
// ARP request that exhausted its retry budget (§4.4, §7).
func (e *Engine) hostUnreachable(u Unreachable) {
	for _, pf := range u.Queue {
		outIf, ok := e.Ifaces.Get(pf.OutIface)
		if !ok {
			continue
		}
		originEth, err := ethernet.NewFrame(pf.Bytes)
		if err != nil {
			continue
		}
		body := originEth.Payload()
		if len(body) < 20 {
			continue
		}
		originIP, err := ipv4.NewFrame(body)
		if err != nil {
			continue
		}
		e.replyDestUnreachable(originEth, originIP, outIf, icmpv4.CodeHostUnreachable)
	}
}
