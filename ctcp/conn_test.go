package ctcp

import (
	"testing"

	"github.com/soypat/corenet/internal"
)

type fakeDatagram struct {
	sent [][]byte
}

func (d *fakeDatagram) DatagramRecv() ([]byte, error) { return nil, nil }
func (d *fakeDatagram) DatagramSend(b []byte) error {
	cp := append([]byte(nil), b...)
	d.sent = append(d.sent, cp)
	return nil
}

type fakeApp struct {
	in      [][]byte
	inEOF   bool
	out     []byte
	eof     bool
	bufSpace int
}

func (a *fakeApp) Input() ([]byte, bool, error) {
	if len(a.in) == 0 {
		return nil, a.inEOF, nil
	}
	data := a.in[0]
	a.in = a.in[1:]
	return data, false, nil
}

func (a *fakeApp) Output(data []byte) (int, error) {
	if data == nil {
		a.eof = true
		return 0, nil
	}
	a.out = append(a.out, data...)
	return len(data), nil
}

func (a *fakeApp) BufSpace() int {
	if a.bufSpace == 0 {
		return 1 << 20
	}
	return a.bufSpace
}

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMillis() int64 { return c.ms }

func makeSegment(seqno, ackno uint32, flags uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	seg, _ := NewSegment(buf)
	seg.ClearHeader()
	seg.SetSeqNo(seqno)
	seg.SetAckNo(ackno)
	seg.SetLen(uint16(len(payload)))
	seg.SetFlags(flags)
	seg.SetWindow(1440)
	copy(seg.Payload(), payload)
	seg.SetChecksum()
	return buf
}

// Scenario 6: cTCP ordered delivery out of order, with a duplicate.
func TestOrderedDeliveryOutOfOrder(t *testing.T) {
	app := &fakeApp{}
	dg := &fakeDatagram{}
	clock := &fakeClock{}
	conn := Init(1, dg, app, clock, nil, DefaultConfig(), internal.Logger{})
	conn.ackno = 1

	p1 := make([]byte, 1460)
	p2 := make([]byte, 1460)
	p3 := make([]byte, 100)
	for i := range p1 {
		p1[i] = 'a'
	}
	for i := range p2 {
		p2[i] = 'b'
	}
	for i := range p3 {
		p3[i] = 'c'
	}

	// Arrival order: seqno 2921, 1, 1461.
	conn.OnDatagram(makeSegment(2921, 1, FlagACK, p3))
	if len(app.out) != 0 {
		t.Fatalf("expected no delivery yet, got %d bytes", len(app.out))
	}
	conn.OnDatagram(makeSegment(1, 1, FlagACK, p1))
	if len(app.out) != len(p1) {
		t.Fatalf("expected %d bytes delivered, got %d", len(p1), len(app.out))
	}
	conn.OnDatagram(makeSegment(1461, 1, FlagACK, p2))
	if len(app.out) != len(p1)+len(p2)+len(p3) {
		t.Fatalf("expected all three segments delivered in order, got %d bytes", len(app.out))
	}
	for i := 0; i < len(p1); i++ {
		if app.out[i] != 'a' {
			t.Fatalf("byte %d: expected 'a', got %q", i, app.out[i])
		}
	}
	if conn.ackno != 2921+uint32(len(p3)) {
		t.Fatalf("expected ackno to advance past all delivered bytes, got %d", conn.ackno)
	}

	sentBefore := len(dg.sent)
	conn.OnDatagram(makeSegment(2921, 1, FlagACK, p3))
	if len(dg.sent) != sentBefore+1 {
		t.Fatalf("expected duplicate to trigger an ACK-only response, got %d new sends", len(dg.sent)-sentBefore)
	}
	dup := mustSegment(t, dg.sent[len(dg.sent)-1])
	if dup.Len() != 0 {
		t.Fatalf("expected duplicate response to carry no payload, got len=%d", dup.Len())
	}
}

// Scenario 7: cTCP teardown handshake.
func TestTeardown(t *testing.T) {
	app := &fakeApp{inEOF: true}
	dg := &fakeDatagram{}
	clock := &fakeClock{}
	conn := Init(1, dg, app, clock, nil, DefaultConfig(), internal.Logger{})
	conn.seqno = 100
	conn.ackno = 1

	conn.OnInput()
	if !conn.sentFin {
		t.Fatal("expected sent_fin after EOF signaled")
	}
	if conn.unacked.empty() {
		t.Fatal("expected FIN segment in unacked")
	}
	finSeg := mustSegment(t, dg.sent[len(dg.sent)-1])
	if !finSeg.HasFIN() {
		t.Fatal("expected FIN flag set")
	}
	if finSeg.SeqNo() != 100 {
		t.Fatalf("expected FIN at seqno=100, got %d", finSeg.SeqNo())
	}

	// Peer ACKs our FIN and sends its own FIN.
	peerFin := makeSegment(1, 101, FlagACK|FlagFIN, nil)
	conn.OnDatagram(peerFin)

	if !conn.ourFinAcked {
		t.Fatal("expected our FIN to be acked")
	}
	if !conn.peerFinSeen {
		t.Fatal("expected peer FIN observed")
	}
	if !app.eof {
		t.Fatal("expected Output(nil) (EOF) delivered to application")
	}
	if !conn.Destroyed() {
		t.Fatal("expected connection destroyed after full teardown")
	}
}

func mustSegment(t *testing.T, buf []byte) Segment {
	t.Helper()
	seg, err := NewSegment(buf)
	if err != nil {
		t.Fatal(err)
	}
	return seg
}
