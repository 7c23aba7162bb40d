package monitoring

import (
	"fmt"
	"sync"
	"time"
)

// NetStats tracks ingest network statistics with thread-safe operations.
// One instance covers the physical interface (everything received) and the
// observation payload (packets that were scattered into blocks).
type NetStats struct {
	mu          sync.Mutex
	packetCount int64
	byteCount   int64
	obsPackets  int64
	obsBytes    int64
	bogusCount  int64
	lateCount   int64
	dropCount   int64
	lastReset   time.Time
}

// NewNetStats creates a new NetStats instance.
func NewNetStats() *NetStats {
	return &NetStats{
		lastReset: time.Now(),
	}
}

// AddPacket counts one received frame of the given size.
func (ns *NetStats) AddPacket(bytes int) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.packetCount++
	ns.byteCount += int64(bytes)
}

// AddObsPacket counts one frame that was scattered into a working block.
func (ns *NetStats) AddObsPacket(bytes int) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.obsPackets++
	ns.obsBytes += int64(bytes)
}

// AddBogus counts one malformed frame.
func (ns *NetStats) AddBogus() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.bogusCount++
}

// AddLate counts one frame that arrived behind the working window.
func (ns *NetStats) AddLate() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.lateCount++
}

// AddDropped counts n expected-but-missing packets at block finalize.
func (ns *NetStats) AddDropped(n int64) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.dropCount += n
}

// Rates holds per-second throughput figures computed over one stats interval.
type Rates struct {
	PhysGbps float64 // received bits/s on the interface, in Gb/s
	PhysPkps float64 // received packets/s on the interface
	NetGbps  float64 // scattered payload bits/s, in Gb/s
	NetPkps  float64 // scattered packets/s
	Bogus    int64
	Late     int64
	Dropped  int64
}

// GetAndReset returns the rates for the elapsed interval and resets counters.
func (ns *NetStats) GetAndReset() Rates {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	now := time.Now()
	secs := now.Sub(ns.lastReset).Seconds()
	if secs <= 0 {
		secs = 1
	}

	r := Rates{
		PhysGbps: float64(ns.byteCount) * 8 / secs / 1e9,
		PhysPkps: float64(ns.packetCount) / secs,
		NetGbps:  float64(ns.obsBytes) * 8 / secs / 1e9,
		NetPkps:  float64(ns.obsPackets) / secs,
		Bogus:    ns.bogusCount,
		Late:     ns.lateCount,
		Dropped:  ns.dropCount,
	}

	ns.packetCount = 0
	ns.byteCount = 0
	ns.obsPackets = 0
	ns.obsBytes = 0
	ns.bogusCount = 0
	ns.lateCount = 0
	ns.dropCount = 0
	ns.lastReset = now

	return r
}

// LogStats logs formatted throughput statistics when there was any traffic.
func (ns *NetStats) LogStats() {
	r := ns.GetAndReset()
	if r.PhysPkps > 0 || r.Dropped > 0 {
		logMsg := fmt.Sprintf("Ingest stats (/sec): %.3f Gb, %.1f packets", r.PhysGbps, r.PhysPkps)
		if r.Dropped > 0 {
			logMsg += fmt.Sprintf(", %d dropped", r.Dropped)
		}
		if r.Bogus > 0 {
			logMsg += fmt.Sprintf(", %d bogus", r.Bogus)
		}
		Logf("%s", logMsg)
	}
}
