package router

import (
	"github.com/soypat/corenet/ethernet"
	"github.com/soypat/corenet/ipv4"
	"github.com/soypat/corenet/ipv4/icmpv4"
	"github.com/soypat/corenet/wire"
)

// icmpQuoteLen is the number of bytes of the offending datagram quoted in a
// type-3/type-11 ICMP reply: the fixed 20-byte IPv4 header (no options, per
// no IP options) plus the first 8 bytes of its payload.
const icmpQuoteLen = 28

// quoteDatagram copies up to icmpQuoteLen bytes of the offending datagram,
// zero-padding if the original was shorter.
func quoteDatagram(iv ipv4.Frame) []byte {
	raw := iv.RawData()
	n := icmpQuoteLen
	if n > len(raw) {
		n = len(raw)
	}
	out := make([]byte, icmpQuoteLen)
	copy(out, raw[:n])
	return out
}

// buildReplyHeader lays out the Ethernet and IPv4 headers shared by every
// locally generated ICMP reply, per the uniform rule in §4.5.3: Ethernet
// src/dst reflect off the offending frame's source, IP src is inIf's own
// address, TTL 60, DF set, checksum recomputed.
func buildReplyHeader(buf []byte, totalLen uint16, originEth ethernet.Frame, originIP ipv4.Frame, inIf Interface) ipv4.Frame {
	eth, _ := ethernet.NewFrame(buf)
	eth.ClearHeader()
	*eth.DestinationHardwareAddr() = *originEth.SourceHardwareAddr()
	*eth.SourceHardwareAddr() = inIf.mac
	eth.SetEtherType(ethernet.TypeIPv4)

	ip, _ := ipv4.NewFrame(buf[14:])
	ip.ClearHeader()
	ip.SetVersionAndIHL(4, 5)
	ip.SetTotalLength(totalLen)
	ip.SetFlags(ipv4.FlagDontFragment)
	ip.SetTTL(60)
	ip.SetProtocol(wire.IPProtoICMP)
	*ip.SourceAddr() = inIf.ipv4
	*ip.DestinationAddr() = *originIP.SourceAddr()
	ip.SetCRC(ip.CalculateHeaderCRC())
	return ip
}

func (e *Engine) replyPortUnreachable(originEth ethernet.Frame, originIP ipv4.Frame, inIf Interface) {
	e.replyDestUnreachable(originEth, originIP, inIf, icmpv4.CodePortUnreachable)
}

func (e *Engine) replyNetUnreachable(originEth ethernet.Frame, originIP ipv4.Frame, inIf Interface) {
	e.replyDestUnreachable(originEth, originIP, inIf, icmpv4.CodeNetUnreachable)
}

// replyDestUnreachable builds and sends an ICMP type-3 reply; used for net
// (0), host (1) and port (3) unreachable alike (§4.5.1, §4.4, §7).
func (e *Engine) replyDestUnreachable(originEth ethernet.Frame, originIP ipv4.Frame, inIf Interface, code icmpv4.CodeDestinationUnreachable) {
	quote := quoteDatagram(originIP)
	total := 8 + len(quote)
	buf := make([]byte, 14+20+total)
	buildReplyHeader(buf, uint16(20+total), originEth, originIP, inIf)

	icf, _ := icmpv4.NewFrame(buf[34:])
	du := icmpv4.FrameDestinationUnreachable{Frame: icf}
	du.SetType(icmpv4.TypeDestinationUnreachable)
	du.SetCode(code)
	du.SetNextHopMTU(inIf.mtu)
	copy(du.Quote(), quote)
	du.SetChecksum()

	if e.send(inIf.name, buf) {
		e.icmpSent.Add(1)
	}
}

func (e *Engine) replyTimeExceeded(originEth ethernet.Frame, originIP ipv4.Frame, inIf Interface) {
	quote := quoteDatagram(originIP)
	total := 8 + len(quote)
	buf := make([]byte, 14+20+total)
	buildReplyHeader(buf, uint16(20+total), originEth, originIP, inIf)

	icf, _ := icmpv4.NewFrame(buf[34:])
	te := icmpv4.FrameTimeExceeded{Frame: icf}
	te.SetType(icmpv4.TypeTimeExceeded)
	te.SetCode(icmpv4.CodeExceededInTransit)
	copy(te.Quote(), quote)
	te.SetChecksum()

	if e.send(inIf.name, buf) {
		e.icmpSent.Add(1)
	}
}

func (e *Engine) replyEchoReply(originEth ethernet.Frame, originIP ipv4.Frame, req icmpv4.FrameEcho, inIf Interface) {
	data := req.Data()
	total := 8 + len(data)
	buf := make([]byte, 14+20+total)
	buildReplyHeader(buf, uint16(20+total), originEth, originIP, inIf)

	icf, _ := icmpv4.NewFrame(buf[34:])
	reply := icmpv4.FrameEcho{Frame: icf}
	reply.SetType(icmpv4.TypeEchoReply)
	reply.SetCode(0)
	reply.SetIdentifier(req.Identifier())
	reply.SetSequenceNumber(req.SequenceNumber())
	copy(reply.Data(), data)
	reply.SetChecksum()

	if e.send(inIf.name, buf) {
		e.icmpSent.Add(1)
	}
}
