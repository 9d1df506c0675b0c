package ctcp

import (
	"log/slog"

	"github.com/soypat/corenet/internal"
)

// MaxSegDataSize bounds how much application data a single DATA segment
// carries (§4.7's `MAX_SEG_DATA_SIZE`), sized to keep segments under a
// common 1500 byte Ethernet MTU once headers are stacked on top.
const MaxSegDataSize = 1024

// Config holds the per-connection tunables a Conn is configured with.
type Config struct {
	RecvWindow      uint32
	SendWindow      uint32
	TimerTickMs     int64
	RTTimeoutMs     int64
	RetransmitLimit uint8
}

// DefaultConfig returns the conventional cTCP defaults.
func DefaultConfig() Config {
	return Config{
		RecvWindow:      1440,
		SendWindow:      1440,
		TimerTickMs:     40,
		RTTimeoutMs:     200,
		RetransmitLimit: 5,
	}
}

// BBRSampler is the subset of bbr.Controller a Conn feeds per-ack samples
// into; kept as an interface here so ctcp does not import bbr directly and
// tests may substitute a recorder.
type BBRSampler interface {
	SetInflight(inflight uint64)
	OnAck(bwSample uint64, rttSampleMicros uint64)
}

// Conn is a single established cTCP stream (C7, §4.7). One Conn exists per
// accepted connection for its lifetime; there is no listen/accept fan-out
// at this layer.
type Conn struct {
	connID uint64

	dg    Datagram
	app   AppIO
	clock Clock
	bbr   BBRSampler
	log   internal.Logger

	cfg Config

	seqno uint32
	ackno uint32

	unacked  unackedQueue
	unoutput unoutputQueue

	sentFin      bool
	peerFinSeen  bool
	ourFinAcked  bool
	finSeq       uint32
	destroyed    bool

	retransmitCount  uint8
	lastRetransmitAt int64

	deliveredBytes uint64
	deliveredAt    int64

	retransmitsTotal uint64
}

// Init establishes a fresh Conn over the given collaborators (`init(conn,
// cfg)`). connID is an opaque identity used only for logging/metrics
// correlation.
func Init(connID uint64, dg Datagram, app AppIO, clock Clock, bbr BBRSampler, cfg Config, log internal.Logger) *Conn {
	return &Conn{
		connID: connID,
		dg:     dg,
		app:    app,
		clock:  clock,
		bbr:    bbr,
		cfg:    cfg,
		seqno:  1,
		ackno:  1,
		log:    log,
	}
}

// Destroyed reports whether the connection has reached a terminal state
// (teardown complete, or retransmit budget exhausted) and should be
// removed from the caller's connection table.
func (c *Conn) Destroyed() bool { return c.destroyed }

// InflightBytes returns the number of sent, unacknowledged bytes.
func (c *Conn) InflightBytes() uint32 { return c.unacked.inflightBytes() }

// RetransmitsTotal returns the cumulative number of retransmissions sent,
// read by the metrics collector.
func (c *Conn) RetransmitsTotal() uint64 { return c.retransmitsTotal }

func (c *Conn) now() int64 { return c.clock.NowMillis() }

// OnInput is called when the application has data available to send
// (`on_input`).
func (c *Conn) OnInput() {
	if c.destroyed || c.sentFin {
		return
	}
	inflight := c.unacked.inflightBytes()
	if inflight >= c.cfg.SendWindow {
		return
	}
	room := c.cfg.SendWindow - inflight
	maxRead := MaxSegDataSize
	if uint32(maxRead) > room {
		maxRead = int(room)
	}
	if maxRead == 0 {
		return
	}

	data, eof, err := c.app.Input()
	if err != nil {
		return
	}
	if len(data) > maxRead {
		data = data[:maxRead]
	}
	if len(data) == 0 && !eof {
		return
	}
	if len(data) == 0 && eof {
		c.sendFIN()
		return
	}
	c.sendData(data)
}

func (c *Conn) sendData(payload []byte) {
	buf := make([]byte, HeaderSize+len(payload))
	seg, _ := NewSegment(buf)
	seg.ClearHeader()
	seg.SetSeqNo(c.seqno)
	seg.SetAckNo(c.ackno)
	seg.SetLen(uint16(len(payload)))
	seg.SetFlags(FlagACK)
	seg.SetWindow(uint16(c.cfg.RecvWindow))
	copy(seg.Payload(), payload)
	seg.SetChecksum()

	out := outSegment{
		bytes:                buf,
		firstSeq:             c.seqno,
		byteLen:              uint32(len(payload)),
		firstSendAt:          c.now(),
		deliveredAtSend:      c.deliveredBytes,
		deliveredBytesAtSend: c.deliveredBytes,
	}
	c.unacked.push(out)
	c.seqno += uint32(len(payload))
	c.transmit(buf)
}

func (c *Conn) sendFIN() {
	buf := make([]byte, HeaderSize)
	seg, _ := NewSegment(buf)
	seg.ClearHeader()
	seg.SetSeqNo(c.seqno)
	seg.SetAckNo(c.ackno)
	seg.SetLen(0)
	seg.SetFlags(FlagACK | FlagFIN)
	seg.SetWindow(uint16(c.cfg.RecvWindow))
	seg.SetChecksum()

	c.finSeq = c.seqno
	c.unacked.push(outSegment{
		bytes:       buf,
		firstSeq:    c.seqno,
		byteLen:     1,
		firstSendAt: c.now(),
		isFIN:       true,
	})
	c.sentFin = true
	c.seqno++
	c.transmit(buf)
}

func (c *Conn) transmit(buf []byte) {
	if c.dg == nil {
		return
	}
	if err := c.dg.DatagramSend(buf); err != nil {
		c.log.Error("ctcp: datagram send failed", err, slog.Uint64("conn", c.connID))
	}
}

// OnDatagram processes one received segment (`on_datagram`).
func (c *Conn) OnDatagram(buf []byte) {
	if c.destroyed {
		return
	}
	seg, err := NewSegment(buf)
	if err != nil || !seg.VerifyCRC() {
		return // corrupted: silently drop, per §7.
	}

	payload := seg.Payload()
	if int(seg.Len()) <= len(payload) {
		payload = payload[:seg.Len()]
	}
	carriesData := len(payload) > 0 || seg.HasFIN()

	if carriesData && seqLess(seg.SeqNo(), c.ackno) {
		c.emitPureACK()
		return
	}

	if seg.HasACK() {
		ackno := seg.AckNo()
		before := len(c.unacked.segs)
		first := true
		c.unacked.removeAcked(ackno, func(s outSegment) {
			// Only the head is ever retransmitted, and retransmitCount counts
			// retransmissions of the current head.
			if !(first && c.retransmitCount > 0) {
				c.onSegmentAcked(s)
			}
			first = false
		})
		if len(c.unacked.segs) < before {
			// Progress on the unacked queue retires the retransmit budget
			// tracked against the old head (§3: retransmit_count is scoped
			// to whichever segment currently sits at the head).
			c.retransmitCount = 0
		}
		if c.sentFin && !seqLess(ackno, c.finSeq+1) {
			c.ourFinAcked = true
		}
	}

	if carriesData {
		inserted := c.unoutput.insert(inSegment{seqno: seg.SeqNo(), payload: append([]byte(nil), payload...), isFIN: seg.HasFIN()})
		if !inserted {
			c.emitPureACK()
			return
		}
		if seg.HasFIN() {
			c.peerFinSeen = true
		}
	}

	c.OnOutput()
}

// onSegmentAcked feeds the BBR controller a per-segment delivery sample,
// as prescribed for non-retransmitted acked segments by §4.7.
func (c *Conn) onSegmentAcked(s outSegment) {
	if c.bbr == nil {
		return
	}
	now := c.now()
	elapsedMs := now - s.firstSendAt
	if elapsedMs <= 0 {
		elapsedMs = 1
	}
	delivered := c.deliveredBytes - s.deliveredBytesAtSend
	bwSample := delivered * 1000 / uint64(elapsedMs) // bytes/sec; bbr applies no further scaling.
	rttSampleMicros := uint64(elapsedMs) * 1000
	c.bbr.SetInflight(uint64(c.unacked.inflightBytes()))
	c.bbr.OnAck(bwSample, rttSampleMicros)
}

// OnOutput delivers in-order bytes to the application (`on_output`),
// emitting a cumulative ACK if anything was delivered.
func (c *Conn) OnOutput() {
	delivered := false
	for {
		head := c.unoutput.head()
		if head == nil || head.seqno != c.ackno {
			break
		}
		if head.isFIN {
			if c.app != nil {
				c.app.Output(nil)
			}
			c.ackno++
			c.unoutput.popHead()
			delivered = true
			continue
		}
		if c.app == nil || c.app.BufSpace() < len(head.payload) {
			break
		}
		n, err := c.app.Output(head.payload)
		if err != nil || n < len(head.payload) {
			break
		}
		c.deliveredBytes += uint64(len(head.payload))
		c.deliveredAt = c.now()
		c.ackno += uint32(len(head.payload))
		c.unoutput.popHead()
		delivered = true
	}
	if delivered {
		c.emitPureACK()
	}
	if c.sentFin && c.ourFinAcked && c.peerFinSeen {
		c.destroyed = true
	}
}

func (c *Conn) emitPureACK() {
	buf := make([]byte, HeaderSize)
	seg, _ := NewSegment(buf)
	seg.ClearHeader()
	seg.SetSeqNo(c.seqno)
	seg.SetAckNo(c.ackno)
	seg.SetFlags(FlagACK)
	seg.SetWindow(uint16(c.cfg.RecvWindow))
	seg.SetChecksum()
	c.transmit(buf)
}

// OnTick drives the retransmission timer (`on_tick`).
func (c *Conn) OnTick() {
	if c.destroyed {
		return
	}
	if head := c.unacked.head(); head != nil {
		if c.retransmitCount >= c.cfg.RetransmitLimit {
			c.destroyed = true
			c.log.Debug("ctcp: peer unresponsive, destroying connection", slog.Uint64("conn", c.connID))
			return
		}
		if c.now()-c.lastRetransmitAt >= c.cfg.RTTimeoutMs {
			c.transmit(head.bytes)
			c.retransmitCount++
			c.retransmitsTotal++
			c.lastRetransmitAt = c.now()
		}
	}
	if c.sentFin && c.ourFinAcked && c.peerFinSeen {
		c.OnOutput()
		c.destroyed = true
	}
}

// seqLess reports whether a is "before" b, allowing for 32-bit wraparound
// (seqno/ackno are wrapping 32-bit counters).
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}
