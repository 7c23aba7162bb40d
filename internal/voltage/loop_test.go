package voltage

import (
	"context"
	"testing"
	"time"

	"github.com/hatcreek-data/voltage.report/internal/status"
	"github.com/hatcreek-data/voltage.report/internal/timeutil"
)

// seedObservation fills the status buffer with a valid S1-style observation
// that records everything from pktidx 0.
func seedObservation(sb *status.Buffer) {
	sb.Atomically(func(v *status.Values) {
		v.SetInt(KeyNAnts, 1)
		v.SetInt(KeyNStrm, 1)
		v.SetInt(KeyPktNChan, 64)
		v.SetInt(KeyPktNTime, 16)
		v.SetInt(KeyNBits, 4)
		v.SetInt(KeyNPol, 2)
		v.SetFloat(KeyChanBW, 0.5)
		v.SetInt(KeySyncTime, 1700000000)
		v.SetString(KeyDestIP, "10.0.0.1")
		v.SetInt(KeyBindPort, 10000)
		v.SetUint(KeyPktStart, 0)
		v.SetFloat(KeyDwell, 3600) // one hour of dwell: every test block records
	})
}

func startLoop(t *testing.T, sb *status.Buffer, src PacketSource, ringDepth int) (*IngestLoop, *BlockRing, chan BlockStats, context.CancelFunc, chan error) {
	t.Helper()
	oi := testObsInfo(1, 1, 64, 16, 128)
	ring := NewBlockRing(ringDepth, oi.BlockDataSize)
	finalized := make(chan BlockStats, 64)

	clk := timeutil.NewMockClock(time.Unix(1700000100, 0))
	loop := NewIngestLoop(LoopConfig{
		Source:        src,
		Ring:          ring,
		Status:        sb,
		Clock:         clk,
		BlockDataSize: oi.BlockDataSize,
		OnFinalize:    func(bs BlockStats) { finalized <- bs },
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()
	return loop, ring, finalized, cancel, errCh
}

func waitFinalized(t *testing.T, ch chan BlockStats, n int) []BlockStats {
	t.Helper()
	out := make([]BlockStats, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case bs := <-ch:
			out = append(out, bs)
		case <-deadline:
			t.Fatalf("Timed out waiting for %d finalized block(s), have %d", n, len(out))
		}
	}
	return out
}

func TestIngestLoopCleanRun(t *testing.T) {
	oi := testObsInfo(1, 1, 64, 16, 128)
	gen := testGen(oi)
	sb := status.NewBuffer()
	seedObservation(sb)
	src := newFakeSource()

	loop, ring, finalized, cancel, errCh := startLoop(t, sb, src, 8)
	defer cancel()

	// Two full blocks plus the boundary packets that trigger their
	// finalization.
	var frames [][]byte
	for idx := uint64(0); idx < 256; idx++ {
		frames = append(frames, gen.Burst(idx)...)
	}
	frames = append(frames, gen.Burst(256)...)
	frames = append(frames, gen.Burst(384)...)
	src.push(frames...)

	stats := waitFinalized(t, finalized, 2)
	for i, bs := range stats {
		if bs.NPacket != 128 || bs.NDrop != 0 {
			t.Errorf("Block %d: NPKT=%d NDROP=%d, want 128/0", i, bs.NPacket, bs.NDrop)
		}
		if want := uint64(i * 128); bs.PktIdx != want {
			t.Errorf("Block %d: PKTIDX=%d, want %d", i, bs.PktIdx, want)
		}
	}

	// The finalized headers show an active record window, so a downstream
	// recorder would write these blocks.
	blk, err := ring.WaitFilled(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitFilled failed: %v", err)
	}
	hdr := status.ParseRecords(blk.Header)
	if hdr[KeyDAQState] != "RECORD" {
		t.Errorf("Header DAQSTATE = %q, want RECORD", hdr[KeyDAQState])
	}
	if hdr[KeySTTValid] != "1" {
		t.Errorf("Header STTVALID = %q, want 1", hdr[KeySTTValid])
	}
	if hdr[KeyPktFmt] != PktFmt {
		t.Errorf("Header PKTFMT = %q, want %q", hdr[KeyPktFmt], PktFmt)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if loop.npktsTotal != uint64(len(frames)) {
		t.Errorf("NPKTS = %d, want %d", loop.npktsTotal, len(frames))
	}
}

func TestIngestLoopCountsBogus(t *testing.T) {
	oi := testObsInfo(1, 1, 64, 16, 128)
	gen := testGen(oi)
	sb := status.NewBuffer()
	seedObservation(sb)
	src := newFakeSource()

	loop, _, finalized, cancel, errCh := startLoop(t, sb, src, 8)
	defer cancel()

	good := gen.Packet(0, 0, 0)
	short := good[:len(good)-100] // size differs from the first accepted size
	src.push(good, short, []byte{1, 2, 3})

	// A boundary packet one block later proves the window survived.
	src.push(gen.Packet(128, 0, 0))
	src.push(gen.Packet(256, 0, 0)) // finalizes block 0

	waitFinalized(t, finalized, 1)
	cancel()
	<-errCh

	if loop.nbogusTotal != 2 {
		t.Errorf("NBOGUS = %d, want 2", loop.nbogusTotal)
	}
}

func TestIngestLoopInvalidObsInfo(t *testing.T) {
	sb := status.NewBuffer()
	// Geometry deliberately missing; only the flow configuration is present.
	sb.Atomically(func(v *status.Values) {
		v.SetString(KeyDestIP, "10.0.0.1")
		v.SetInt(KeyBindPort, 10000)
	})
	src := newFakeSource()

	_, _, _, cancel, errCh := startLoop(t, sb, src, 4)
	defer cancel()

	src.push([]byte{1, 2, 3, 4})

	// The loop keeps running and publishes the invalid marker.
	deadline := time.After(3 * time.Second)
	for sb.GetString(KeyObsInfo, "") != "INVALID" {
		select {
		case <-deadline:
			t.Fatal("OBSINFO never published INVALID")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestIngestLoopBackpressure(t *testing.T) {
	// S6: with the consumer stalled the ingest blocks on free-wait and
	// reports outblocked; when the consumer drains, the backlog clears.
	oi := testObsInfo(1, 1, 64, 16, 128)
	gen := testGen(oi)
	sb := status.NewBuffer()
	seedObservation(sb)
	src := newFakeSource()

	_, ring, finalized, cancel, errCh := startLoop(t, sb, src, 2)
	defer cancel()

	// Four blocks of traffic against a two-block ring with no consumer.
	var frames [][]byte
	for idx := uint64(0); idx < 512; idx++ {
		frames = append(frames, gen.Burst(idx)...)
	}
	frames = append(frames, gen.Burst(512)...)
	src.push(frames...)

	// The advance out of the first window must stall.
	deadline := time.After(5 * time.Second)
	for sb.GetString(KeyNetStat, "") != "outblocked" {
		select {
		case <-deadline:
			t.Fatal("NETSTAT never reported outblocked")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Consumer resumes: drain continuously.
	go func() {
		for {
			blk, err := ring.WaitFilled(context.Background(), 100*time.Millisecond)
			if err != nil {
				if err == ErrClosed {
					return
				}
				continue
			}
			_ = ring.SetFree(blk)
		}
	}()

	stats := waitFinalized(t, finalized, 3)
	for i, bs := range stats {
		if bs.NDrop != 0 {
			t.Errorf("Block %d dropped %d packet(s) under backpressure", i, bs.NDrop)
		}
	}

	cancel()
	<-errCh
	ring.Close()
}
