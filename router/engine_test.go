package router

import (
	"testing"
	"time"

	"github.com/soypat/corenet/arp"
	"github.com/soypat/corenet/ethernet"
	"github.com/soypat/corenet/internal"
	"github.com/soypat/corenet/ipv4"
	"github.com/soypat/corenet/ipv4/icmpv4"
	"github.com/soypat/corenet/wire"
)

type sentFrame struct {
	iface string
	buf   []byte
}

type fakeIO struct {
	sent []sentFrame
}

func (f *fakeIO) SendFrame(iface string, buf []byte, n int) error {
	cp := make([]byte, n)
	copy(cp, buf[:n])
	f.sent = append(f.sent, sentFrame{iface: iface, buf: cp})
	return nil
}

func macA() [6]byte { return [6]byte{0, 1, 2, 3, 4, 1} }
func macB() [6]byte { return [6]byte{0, 1, 2, 3, 4, 2} }
func macC() [6]byte { return [6]byte{0, 1, 2, 3, 4, 3} }

func ip(a, b, c, d byte) [4]byte { return [4]byte{a, b, c, d} }

func newTestEngine() (*Engine, *fakeIO) {
	ifaces := NewIfaceTable()
	ifaces.Add(NewInterface("eth1", ip(10, 0, 1, 1), macA()))
	ifaces.Add(NewInterface("eth2", ip(10, 0, 2, 1), macB()))

	routes := NewRoutingTable()
	routes.Add(RouteEntry{Dest: ip(10, 0, 2, 0), Mask: ip(255, 255, 255, 0), Interface: "eth2"})

	cache := NewArpCache(internal.Logger{})
	io := &fakeIO{}
	eng := NewEngine(ifaces, routes, cache, io, internal.Logger{})
	return eng, io
}

// buildIPv4Frame constructs a 14+20+len(payload) byte Ethernet+IPv4 frame
// with valid checksums, ready to hand to Engine.OnFrame.
func buildIPv4Frame(srcMAC, dstMAC [6]byte, srcIP, dstIP [4]byte, ttl uint8, proto wire.IPProto, payload []byte) []byte {
	buf := make([]byte, 14+20+len(payload))
	eth, _ := ethernet.NewFrame(buf)
	eth.ClearHeader()
	*eth.SourceHardwareAddr() = srcMAC
	*eth.DestinationHardwareAddr() = dstMAC
	eth.SetEtherType(ethernet.TypeIPv4)

	iv, _ := ipv4.NewFrame(buf[14:])
	iv.ClearHeader()
	iv.SetVersionAndIHL(4, 5)
	iv.SetTotalLength(uint16(20 + len(payload)))
	iv.SetTTL(ttl)
	iv.SetProtocol(proto)
	*iv.SourceAddr() = srcIP
	*iv.DestinationAddr() = dstIP
	copy(iv.Payload(), payload)
	iv.SetCRC(iv.CalculateHeaderCRC())
	return buf
}

func buildEchoRequest(id, seq uint16, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	icf, _ := icmpv4.NewFrame(buf)
	echo := icmpv4.FrameEcho{Frame: icf}
	echo.SetType(icmpv4.TypeEcho)
	echo.SetCode(0)
	echo.SetIdentifier(id)
	echo.SetSequenceNumber(seq)
	copy(echo.Data(), data)
	echo.SetChecksum()
	return buf
}

// Scenario 1: forwarding with ARP miss then hit.
func TestForwardingARPMissThenHit(t *testing.T) {
	eng, io := newTestEngine()

	frame := buildIPv4Frame(macA(), ethernet.BroadcastAddr(), ip(1, 2, 3, 4), ip(10, 0, 2, 5), 64, wire.IPProtoUDP, []byte("payload"))
	if err := eng.OnFrame(frame, "eth1"); err != nil {
		t.Fatal(err)
	}
	if len(io.sent) != 0 {
		t.Fatalf("expected no frame sent yet (ARP requests are only emitted by the sweeper), got %d", len(io.sent))
	}

	// Sweeper fires the first ARP broadcast.
	eng.Sweep(time.Now())
	if len(io.sent) != 1 {
		t.Fatalf("expected one ARP broadcast, got %d frames", len(io.sent))
	}
	af, err := arp.NewFrame(io.sent[0].buf[14:])
	if err != nil {
		t.Fatal(err)
	}
	if af.Operation() != arp.OpRequest {
		t.Fatalf("expected ARP request, got %s", af.Operation())
	}
	_, targetIP := af.Target4()
	if *targetIP != ip(10, 0, 2, 5) {
		t.Fatalf("unexpected ARP target %v", *targetIP)
	}
	if io.sent[0].iface != "eth2" {
		t.Fatalf("expected broadcast on eth2, got %s", io.sent[0].iface)
	}

	// ARP reply arrives.
	reply := make([]byte, 14+28)
	eth, _ := ethernet.NewFrame(reply)
	eth.ClearHeader()
	*eth.SourceHardwareAddr() = macC()
	*eth.DestinationHardwareAddr() = macB()
	eth.SetEtherType(ethernet.TypeARP)
	rf, _ := arp.NewFrame(reply[14:])
	rf.ClearHeader()
	rf.SetHardware(1, 6)
	rf.SetProtocol(ethernet.TypeIPv4, 4)
	rf.SetOperation(arp.OpReply)
	sHW, sIP := rf.Sender4()
	*sHW = macC()
	*sIP = ip(10, 0, 2, 5)
	tHW, tIP := rf.Target4()
	*tHW = macB()
	*tIP = ip(10, 0, 2, 1)

	if err := eng.OnFrame(reply, "eth2"); err != nil {
		t.Fatal(err)
	}
	if len(io.sent) != 2 {
		t.Fatalf("expected original frame transmitted after ARP resolution, got %d frames", len(io.sent))
	}
	fwd := io.sent[1]
	if fwd.iface != "eth2" {
		t.Fatalf("expected forward on eth2, got %s", fwd.iface)
	}
	fEth, _ := ethernet.NewFrame(fwd.buf)
	if *fEth.SourceHardwareAddr() != macB() || *fEth.DestinationHardwareAddr() != macC() {
		t.Fatalf("unexpected forwarded eth addrs: src=%v dst=%v", *fEth.SourceHardwareAddr(), *fEth.DestinationHardwareAddr())
	}
	fIP, _ := ipv4.NewFrame(fwd.buf[14:])
	if fIP.TTL() != 63 {
		t.Fatalf("expected ttl decremented to 63, got %d", fIP.TTL())
	}
	if !fIP.VerifyCRC() {
		t.Fatal("forwarded frame has invalid IPv4 checksum")
	}
}

// Scenario 2: TTL expiry.
func TestTTLExpiry(t *testing.T) {
	eng, io := newTestEngine()
	frame := buildIPv4Frame(macA(), macA(), ip(1, 2, 3, 4), ip(10, 0, 2, 5), 1, wire.IPProtoUDP, []byte("x"))
	if err := eng.OnFrame(frame, "eth1"); err != nil {
		t.Fatal(err)
	}
	if len(io.sent) != 1 {
		t.Fatalf("expected one ICMP reply, got %d", len(io.sent))
	}
	checkICMPReply(t, io.sent[0], ip(10, 0, 1, 1), ip(1, 2, 3, 4), icmpv4.TypeTimeExceeded, uint8(icmpv4.CodeExceededInTransit))
}

// Scenario 3: no route.
func TestNoRoute(t *testing.T) {
	eng, io := newTestEngine()
	frame := buildIPv4Frame(macA(), macA(), ip(1, 2, 3, 4), ip(192, 168, 1, 5), 64, wire.IPProtoUDP, []byte("x"))
	if err := eng.OnFrame(frame, "eth1"); err != nil {
		t.Fatal(err)
	}
	if len(io.sent) != 1 {
		t.Fatalf("expected one ICMP reply, got %d", len(io.sent))
	}
	checkICMPReply(t, io.sent[0], ip(10, 0, 1, 1), ip(1, 2, 3, 4), icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeNetUnreachable))
}

// Scenario 4: echo to router.
func TestEchoToRouter(t *testing.T) {
	eng, io := newTestEngine()
	echo := buildEchoRequest(7, 3, []byte("hi"))
	frame := buildIPv4Frame(macA(), macA(), ip(1, 2, 3, 4), ip(10, 0, 1, 1), 64, wire.IPProtoICMP, echo)
	if err := eng.OnFrame(frame, "eth1"); err != nil {
		t.Fatal(err)
	}
	if len(io.sent) != 1 {
		t.Fatalf("expected one echo reply, got %d", len(io.sent))
	}
	reply := io.sent[0]
	checkICMPReply(t, reply, ip(10, 0, 1, 1), ip(1, 2, 3, 4), icmpv4.TypeEchoReply, 0)

	icf, _ := icmpv4.NewFrame(reply.buf[34:])
	er := icmpv4.FrameEcho{Frame: icf}
	if er.Identifier() != 7 || er.SequenceNumber() != 3 {
		t.Fatalf("expected id=7 seq=3, got id=%d seq=%d", er.Identifier(), er.SequenceNumber())
	}
	if string(er.Data()[:2]) != "hi" {
		t.Fatalf("expected payload 'hi', got %q", er.Data())
	}
}

// Scenario 5: ARP host-unreachable after 5 broadcasts.
func TestARPHostUnreachable(t *testing.T) {
	eng, io := newTestEngine()
	frame := buildIPv4Frame(macA(), macA(), ip(1, 2, 3, 4), ip(10, 0, 2, 5), 64, wire.IPProtoUDP, []byte("x"))
	if err := eng.OnFrame(frame, "eth1"); err != nil {
		t.Fatal(err)
	}
	if len(io.sent) != 0 {
		t.Fatalf("expected no frame sent yet, got %d", len(io.sent))
	}

	now := time.Now()
	for i := 0; i < 5; i++ {
		eng.Sweep(now)
		now = now.Add(time.Second)
	}
	if len(io.sent) != 5 {
		t.Fatalf("expected 5 broadcasts after 5 sweeps, got %d", len(io.sent))
	}

	eng.Sweep(now)
	if len(io.sent) != 6 {
		t.Fatalf("expected host-unreachable ICMP emitted, got %d frames", len(io.sent))
	}
	checkICMPReply(t, io.sent[5], ip(10, 0, 2, 1), ip(1, 2, 3, 4), icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeHostUnreachable))
	if eng.Arp.PendingRequests() != 0 {
		t.Fatalf("expected ArpRequest destroyed, still %d pending", eng.Arp.PendingRequests())
	}
	if eng.Arp.HostUnreachableTotal() != 1 {
		t.Fatalf("expected host-unreachable counter at 1, got %d", eng.Arp.HostUnreachableTotal())
	}
}

func checkICMPReply(t *testing.T, f sentFrame, wantSrc, wantDst [4]byte, wantType icmpv4.Type, wantCode uint8) {
	t.Helper()
	eth, err := ethernet.NewFrame(f.buf)
	if err != nil {
		t.Fatal(err)
	}
	if eth.EtherTypeOrSize() != ethernet.TypeIPv4 {
		t.Fatal("expected IPv4 ethertype")
	}
	iv, err := ipv4.NewFrame(f.buf[14:])
	if err != nil {
		t.Fatal(err)
	}
	if !iv.VerifyCRC() {
		t.Fatal("invalid IPv4 checksum")
	}
	if *iv.SourceAddr() != wantSrc {
		t.Fatalf("expected ip.src=%v, got %v", wantSrc, *iv.SourceAddr())
	}
	if *iv.DestinationAddr() != wantDst {
		t.Fatalf("expected ip.dst=%v, got %v", wantDst, *iv.DestinationAddr())
	}
	if iv.TTL() != 60 {
		t.Fatalf("expected ttl=60, got %d", iv.TTL())
	}
	if iv.Flags()&ipv4.FlagDontFragment == 0 {
		t.Fatal("expected DF set")
	}
	icf, err := icmpv4.NewFrame(iv.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if !icf.VerifyCRC() {
		t.Fatal("invalid ICMP checksum")
	}
	if icf.Type() != wantType {
		t.Fatalf("expected icmp type=%d, got %d", wantType, icf.Type())
	}
	if icf.Code() != wantCode {
		t.Fatalf("expected icmp code=%d, got %d", wantCode, icf.Code())
	}
	if wantType == icmpv4.TypeDestinationUnreachable || wantType == icmpv4.TypeTimeExceeded {
		quote := icf.RawData()[8:]
		if quote[0]>>4 != 4 {
			t.Fatal("quoted header does not look like an IPv4 header")
		}
	}
}
