// Package bbr implements the BBR-style congestion controller driving
// cTCP's pacing rate and congestion window (C8, §4.8).
package bbr

import "github.com/soypat/corenet/internal"

// BBRUnit is the fixed-point denominator for gains: a gain of BBRUnit means
// 1.0.
const BBRUnit = 256

// Mode is one of the four BBR phases.
type Mode uint8

const (
	StartUp Mode = iota
	Drain
	ProbeBW
	ProbeRTT
)

func (m Mode) String() string {
	switch m {
	case StartUp:
		return "STARTUP"
	case Drain:
		return "DRAIN"
	case ProbeBW:
		return "PROBE_BW"
	case ProbeRTT:
		return "PROBE_RTT"
	default:
		return "?"
	}
}

// filterWindow is the number of samples the btl_bw/rt_prop windowed
// filters retain, per §4.8 (`CYCLE_LEN + 2 = 10`).
const filterWindow = 10

// cycleLen is the number of PROBE_BW pacing-gain phases. The source this
// spec is distilled from cycles modulo CYCLE_LEN-1=7; this is a known
// defect (§9) and this implementation uses the canonical 8.
const cycleLen = 8

// probeBWGains are the pacing gains cycled through during PROBE_BW,
// expressed as BBRUnit-relative integers: 5/4, 3/4, then six unity phases.
var probeBWGains = [cycleLen]int64{
	BBRUnit * 5 / 4,
	BBRUnit * 3 / 4,
	BBRUnit, BBRUnit, BBRUnit, BBRUnit, BBRUnit, BBRUnit,
}

const (
	highGain       = BBRUnit * 2885 / 1000 // ~2.885, 2/ln2
	drainGain      = BBRUnit * BBRUnit / highGain // 1/high_gain
	steadyCwndGain = BBRUnit * 2

	probeRTTCwndPackets  = 4
	probeRTTDurationMs   = 200
	fullBWThresholdNum   = 5 // 1.25x expressed as 5/4
	fullBWThresholdDenom = 4
	fullBWRounds         = 3

	initialRTPropMicros = 40
)

// sample is one windowed-filter entry: a value stamped with the round at
// which it was recorded, so expiry can be computed by age rather than by
// re-scanning for "no new extreme within the window" (the canonical
// age-based rule mandated by §9, in place of the source's buggy
// compare-to-previous-min test).
type sample struct {
	val   uint64
	round uint64
}

// windowFilter is a small fixed-size array of timestamped samples used to
// compute a windowed max or min over (value, round) pairs. Samples fill the
// array in order; once it is full, each push shifts the contents left by
// one, dropping the oldest sample.
type windowFilter struct {
	buf    [filterWindow]sample
	n      int
	isMax  bool // true: windowed max (btl_bw). false: windowed min (rt_prop).
}

func newWindowFilter(isMax bool) windowFilter {
	return windowFilter{isMax: isMax}
}

// push records a new sample at the given round, evicting samples older
// than filterWindow rounds, and returns the current windowed extreme plus
// whether the extreme's age is 0 (i.e. the new sample became the extreme).
func (w *windowFilter) push(val uint64, round uint64) (extreme uint64, refreshed bool) {
	if w.n < filterWindow {
		w.buf[w.n] = sample{val: val, round: round}
		w.n++
	} else {
		copy(w.buf[:], w.buf[1:])
		w.buf[filterWindow-1] = sample{val: val, round: round}
	}
	return w.compute(round)
}

func (w *windowFilter) compute(round uint64) (extreme uint64, refreshed bool) {
	if w.n == 0 {
		if w.isMax {
			return 0, false
		}
		return ^uint64(0), false
	}
	best := w.buf[0]
	for i := 1; i < w.n; i++ {
		s := w.buf[i]
		if w.isMax && s.val > best.val {
			best = s
		} else if !w.isMax && s.val < best.val {
			best = s
		}
	}
	return best.val, best.round == round
}

// State is a read-only snapshot of the controller's state, returned by
// Controller.Snapshot for use by the metrics collector and by tests.
type State struct {
	Mode        Mode
	PacingGain  int64
	CwndGain    int64
	BtlBw       uint64
	RTProp      uint64
	CycleIdx    int
	FullBW      uint64
	FullBWCnt   int
	PacingRate  uint64
	Cwnd        uint64
	Inflight    uint64
}

// Controller is the BBR phase machine (C8, §4.8). It is driven exclusively
// by OnAck; the owning ctcp.Conn is responsible for tracking inflight bytes
// and feeding them back via SetInflight before each ack batch.
type Controller struct {
	mode       Mode
	pacingGain int64
	cwndGain   int64

	btlBwFilter windowFilter
	rtPropFilter windowFilter

	btlBw  uint64
	rtProp uint64

	cycleIdx  int
	fullBW    uint64
	fullBWCnt int

	pacingRate uint64
	cwnd       uint64

	priorCwnd   uint64
	restoreCwnd bool

	inflight uint64

	// rtPropStamp is the round at which rtProp was last (re)established as
	// the windowed minimum. Tracked independently of rtPropFilter's backing
	// storage: the filter only ever retains the last filterWindow samples,
	// so an age derived purely from what's still in the ring can never
	// exceed filterWindow-1 and would never trigger expiry.
	rtPropStamp uint64

	probeRTTDoneAtMs int64
	round            uint64

	rngState uint32
	nowMs    func() int64
}

// NewController builds a Controller initialized per §4.8: STARTUP mode,
// high_gain pacing/cwnd gains, rt_prop seeded at 40µs, filters empty.
// seed drives the PRNG used to re-randomize cycle_idx on PROBE_BW entry
// (seeded by the host rather than math/rand).
func NewController(seed uint32, initialCwnd uint64, nowMs func() int64) *Controller {
	if seed == 0 {
		seed = 0x9e3779b9
	}
	return &Controller{
		mode:         StartUp,
		pacingGain:   highGain,
		cwndGain:     highGain,
		btlBw:        initialCwnd,
		rtProp:       initialRTPropMicros,
		btlBwFilter:  newWindowFilter(true),
		rtPropFilter: newWindowFilter(false),
		cwnd:         initialCwnd,
		rngState:     seed,
		nowMs:        nowMs,
	}
}

func (c *Controller) now() int64 {
	if c.nowMs != nil {
		return c.nowMs()
	}
	return 0
}

// SetInflight records the sender's current inflight byte count, consulted
// by OnAck's DRAIN->PROBE_BW transition test.
func (c *Controller) SetInflight(inflight uint64) { c.inflight = inflight }

func (c *Controller) rand() uint32 {
	c.rngState = internal.Prand32(c.rngState)
	return c.rngState
}

// Snapshot returns a read-only copy of the controller's state.
func (c *Controller) Snapshot() State {
	return State{
		Mode:       c.mode,
		PacingGain: c.pacingGain,
		CwndGain:   c.cwndGain,
		BtlBw:      c.btlBw,
		RTProp:     c.rtProp,
		CycleIdx:   c.cycleIdx,
		FullBW:     c.fullBW,
		FullBWCnt:  c.fullBWCnt,
		PacingRate: c.pacingRate,
		Cwnd:       c.cwnd,
		Inflight:   c.inflight,
	}
}

// OnAck is the controller's single entry point, invoked once per acked
// segment with the delivery-rate and RTT samples computed by the caller
// (§4.8 `on_ack`).
func (c *Controller) OnAck(bwSample uint64, rttSampleMicros uint64) {
	c.round++

	// 1. Update btl_bw.
	btlBw, _ := c.btlBwFilter.push(bwSample, c.round)
	c.btlBw = btlBw

	// 2. Cycle phase.
	if c.mode == ProbeBW {
		c.cycleIdx = (c.cycleIdx + 1) % cycleLen
		c.pacingGain = probeBWGains[c.cycleIdx]
	}

	// 3. Full-bw check.
	filled := c.fullBWCnt >= fullBWRounds
	if !filled {
		threshold := c.fullBW * fullBWThresholdNum / fullBWThresholdDenom
		if c.btlBw >= threshold {
			c.fullBW = c.btlBw
			c.fullBWCnt = 0
		} else {
			c.fullBWCnt++
		}
		filled = c.fullBWCnt >= fullBWRounds
	}

	// 4. Mode transitions driven by pipe state.
	switch c.mode {
	case StartUp:
		if filled {
			c.mode = Drain
			c.pacingGain = drainGain
			c.cwndGain = highGain
		}
	case Drain:
		if c.inflight <= c.cwnd {
			c.enterProbeBW()
		}
	}

	// 5. Update rt_prop.
	rtProp, refreshed := c.rtPropFilter.push(rttSampleMicros, c.round)
	c.rtProp = rtProp
	if refreshed {
		c.rtPropStamp = c.round
	}
	expired := c.round-c.rtPropStamp >= filterWindow
	if expired && c.mode != ProbeRTT {
		c.priorCwnd = c.cwnd
		c.restoreCwnd = true
		c.mode = ProbeRTT
		c.pacingGain = BBRUnit
		c.cwndGain = BBRUnit
		c.probeRTTDoneAtMs = c.now() + probeRTTDurationMs
	} else if c.mode == ProbeRTT && c.now() >= c.probeRTTDoneAtMs {
		if filled {
			c.enterProbeBW()
		} else {
			c.mode = StartUp
			c.pacingGain = highGain
			c.cwndGain = highGain
		}
		if c.restoreCwnd {
			if c.cwnd < c.priorCwnd {
				c.cwnd = c.priorCwnd
			}
			c.restoreCwnd = false
		}
	}

	// 6. Derived outputs.
	rate := saturatingMul(c.btlBw, uint64(c.pacingGain)) / BBRUnit
	if c.mode == StartUp && rate < c.pacingRate {
		rate = c.pacingRate // pacing rate never decreases in STARTUP.
	}
	c.pacingRate = rate

	bdp := saturatingMul(c.btlBw, c.rtProp) / 1_000_000 // btl_bw (bytes/s) * rt_prop (µs).
	cwnd := saturatingMul(bdp, uint64(c.cwndGain)) / BBRUnit
	if cwnd < 4 {
		cwnd = 4
	}
	c.cwnd = cwnd
}

func (c *Controller) enterProbeBW() {
	c.mode = ProbeBW
	c.pacingGain = BBRUnit
	c.cwndGain = steadyCwndGain
	c.cycleIdx = (cycleLen - 1) - int(c.rand()%(cycleLen-1))
}

func saturatingMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	p := a * b
	if p/a != b {
		return ^uint64(0)
	}
	return p
}
