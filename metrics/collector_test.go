package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soypat/corenet/internal"
	"github.com/soypat/corenet/router"
)

func TestCollectorDescribeAndCollect(t *testing.T) {
	ifaces := router.NewIfaceTable()
	ifaces.Add(router.NewInterface("eth0", [4]byte{10, 0, 0, 1}, [6]byte{1, 2, 3, 4, 5, 6}))
	routes := router.NewRoutingTable()
	arpCache := router.NewArpCache(internal.Logger{})
	eng := router.NewEngine(ifaces, routes, arpCache, nil, internal.Logger{})

	c := NewCollector([]RouterSource{{Engine: eng, Arp: arpCache}}, nil)

	descs := make(chan *prometheus.Desc, 32)
	c.Describe(descs)
	close(descs)
	n := 0
	for range descs {
		n++
	}
	if n != 11 {
		t.Fatalf("expected 11 metric descriptions, got %d", n)
	}

	metrics := make(chan prometheus.Metric, 32)
	go func() {
		c.Collect(metrics)
		close(metrics)
	}()
	got := 0
	for range metrics {
		got++
	}
	if got == 0 {
		t.Fatal("expected at least one metric emitted")
	}
}
