package bbr

import "testing"

// Scenario 8: BBR pipe-full detection. Feed 4 rounds of bw samples with no
// 1.25x growth after the first; expect full_bw_reached after 3
// non-growth rounds and a STARTUP->DRAIN transition in that same (4th) round.
func TestPipeFullDetection(t *testing.T) {
	c := NewController(42, 10, func() int64 { return 0 })

	samples := []uint64{100, 100, 101, 100}
	for i, bw := range samples {
		c.OnAck(bw, 1000)
		if i < len(samples)-1 && c.mode != StartUp {
			t.Fatalf("round %d: expected still in STARTUP, got %s", i, c.mode)
		}
	}
	if c.fullBWCnt < fullBWRounds {
		t.Fatalf("expected full_bw_cnt >= %d after non-growth rounds, got %d", fullBWRounds, c.fullBWCnt)
	}
	if c.mode != Drain {
		t.Fatalf("expected mode transition STARTUP->DRAIN, got %s", c.mode)
	}
}

func TestBtlBwIsWindowedMax(t *testing.T) {
	c := NewController(1, 10, func() int64 { return 0 })
	samples := []uint64{50, 200, 30, 40}
	var lastBtlBw uint64
	for _, bw := range samples {
		c.OnAck(bw, 1000)
		if c.btlBw < lastBtlBw {
			t.Fatalf("btl_bw decreased within window: had %d, now %d", lastBtlBw, c.btlBw)
		}
		if c.btlBw > 200 {
			t.Fatalf("btl_bw %d exceeds max observed sample 200", c.btlBw)
		}
		lastBtlBw = c.btlBw
	}
}

func TestCwndNeverBelowFloor(t *testing.T) {
	c := NewController(7, 0, func() int64 { return 0 })
	c.OnAck(0, 1000)
	if c.cwnd < 4 {
		t.Fatalf("expected cwnd floor of 4, got %d", c.cwnd)
	}
}
