package voltage

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hatcreek-data/voltage.report/internal/feng"
	"github.com/hatcreek-data/voltage.report/internal/status"
)

// feedRange pushes every frame of the packet indices [from, to) through the
// assembler.
func feedRange(t *testing.T, a *Assembler, gen *feng.Generator, from, to uint64, step uint64) {
	t.Helper()
	ctx := context.Background()
	for idx := from; idx < to; idx += step {
		for _, frame := range gen.Burst(idx) {
			h, err := feng.ParseHeader(frame)
			if err != nil {
				t.Fatalf("ParseHeader failed: %v", err)
			}
			if err := a.Feed(ctx, h, feng.Payload(frame)); err != nil {
				t.Fatalf("Feed(%d) failed: %v", idx, err)
			}
		}
	}
}

func newTestAssembler(t *testing.T, oi ObsInfo, ringDepth int) (*Assembler, *BlockRing, *[]BlockStats) {
	t.Helper()
	ring := NewBlockRing(ringDepth, oi.BlockDataSize)
	sb := status.NewBuffer()
	a := NewAssembler(ring, sb)
	finalized := &[]BlockStats{}
	a.OnFinalize = func(bs BlockStats) { *finalized = append(*finalized, bs) }
	if err := a.SetObsInfo(oi); err != nil {
		t.Fatalf("SetObsInfo failed: %v", err)
	}
	return a, ring, finalized
}

func TestAssemblerCleanRun(t *testing.T) {
	// S1: two full blocks, no drops.
	oi := testObsInfo(1, 1, 64, 16, 128)
	gen := testGen(oi)
	a, ring, finalized := newTestAssembler(t, oi, 8)

	feedRange(t, a, gen, 0, 256, 1)
	feedRange(t, a, gen, 256, 257, 1) // advance: finalizes block 0
	feedRange(t, a, gen, 384, 385, 1) // advance: finalizes block 1

	want := []BlockStats{
		{BlockNum: 0, PktIdx: 0, NPacket: 128, NDrop: 0, DropStat: "0/128"},
		{BlockNum: 1, PktIdx: 128, NPacket: 128, NDrop: 0, DropStat: "0/128"},
	}
	if diff := cmp.Diff(want, *finalized); diff != "" {
		t.Errorf("Finalized stats mismatch (-want +got):\n%s", diff)
	}

	// The finalized headers carry the per-block records.
	blk, err := ring.WaitFilled(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitFilled failed: %v", err)
	}
	hdr := status.ParseRecords(blk.Header)
	if hdr["PKTIDX"] != "0" || hdr["NPKT"] != "128" || hdr["DROPSTAT"] != "0/128" {
		t.Errorf("Header records = %v", hdr)
	}
}

func TestAssemblerUniformDrop(t *testing.T) {
	// S2: every second packet index missing.
	oi := testObsInfo(1, 1, 64, 16, 128)
	gen := testGen(oi)
	a, _, finalized := newTestAssembler(t, oi, 8)

	feedRange(t, a, gen, 0, 256, 2)
	feedRange(t, a, gen, 256, 257, 1)
	feedRange(t, a, gen, 384, 385, 1)

	want := []BlockStats{
		{BlockNum: 0, PktIdx: 0, NPacket: 64, NDrop: 64, DropStat: "64/128"},
		{BlockNum: 1, PktIdx: 128, NPacket: 64, NDrop: 64, DropStat: "64/128"},
	}
	if diff := cmp.Diff(want, *finalized); diff != "" {
		t.Errorf("Finalized stats mismatch (-want +got):\n%s", diff)
	}
}

func TestAssemblerLatePacket(t *testing.T) {
	// S3: a packet behind the window is counted late and discarded.
	oi := testObsInfo(1, 1, 64, 16, 128)
	gen := testGen(oi)
	a, _, finalized := newTestAssembler(t, oi, 8)

	feedRange(t, a, gen, 0, 128, 1)
	feedRange(t, a, gen, 256, 257, 1) // finalize block 0, window now {1,2}
	if len(*finalized) != 1 {
		t.Fatalf("Finalized %d block(s), want 1", len(*finalized))
	}

	feedRange(t, a, gen, 10, 11, 1) // block 0 == W[0]-1: late
	if a.NLate != 1 {
		t.Errorf("NLATE = %d, want 1", a.NLate)
	}
	if len(*finalized) != 1 {
		t.Errorf("Late packet must not refinalize (got %d)", len(*finalized))
	}
	if (*finalized)[0].NPacket != 128 {
		t.Errorf("Block 0 stats changed after finalize: %+v", (*finalized)[0])
	}
}

func TestAssemblerForwardDiscontinuity(t *testing.T) {
	// S4: a far-future packet finalizes both working blocks and restarts the
	// window just past the disruptor; the disruptor itself is discarded.
	oi := testObsInfo(1, 1, 64, 16, 128)
	gen := testGen(oi)
	a, _, finalized := newTestAssembler(t, oi, 8)

	feedRange(t, a, gen, 0, 128, 1)
	feedRange(t, a, gen, 10000, 10001, 1)

	if len(*finalized) != 2 {
		t.Fatalf("Finalized %d block(s), want 2", len(*finalized))
	}
	if bs := (*finalized)[0]; bs.BlockNum != 0 || bs.NDrop != 0 {
		t.Errorf("Block 0: %+v, want full block", bs)
	}
	if bs := (*finalized)[1]; bs.BlockNum != 1 || bs.NDrop != 128 {
		t.Errorf("Block 1: %+v, want 128 drops", bs)
	}

	// 10000/128 = 78; the window follows the disruptor.
	w0, w1, ok := a.Window()
	if !ok || w0 != 79 || w1 != 80 {
		t.Errorf("Window = [%d,%d] ok=%v, want [79,80]", w0, w1, ok)
	}
	if a.NReinit != 1 {
		t.Errorf("NReinit = %d, want 1", a.NReinit)
	}
}

func TestAssemblerBackwardDiscontinuity(t *testing.T) {
	oi := testObsInfo(1, 1, 64, 16, 128)
	gen := testGen(oi)
	a, _, finalized := newTestAssembler(t, oi, 8)

	feedRange(t, a, gen, 10000, 10128, 1) // window {78,79}
	feedRange(t, a, gen, 0, 1, 1)         // far behind: reinit

	if len(*finalized) != 2 {
		t.Fatalf("Finalized %d block(s), want 2", len(*finalized))
	}
	w0, w1, ok := a.Window()
	if !ok || w0 != 1 || w1 != 2 {
		t.Errorf("Window = [%d,%d] ok=%v, want [1,2]", w0, w1, ok)
	}
}

func TestAssemblerWindowInvariant(t *testing.T) {
	oi := testObsInfo(1, 1, 64, 16, 128)
	gen := testGen(oi)
	a, ring, _ := newTestAssembler(t, oi, 8)
	ctx := context.Background()

	// Drain the ring concurrently so the window can advance indefinitely.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			blk, err := ring.WaitFilled(ctx, 50*time.Millisecond)
			if err != nil {
				return
			}
			_ = ring.SetFree(blk)
		}
	}()

	for idx := uint64(0); idx < 128*20; idx += 16 {
		for _, frame := range gen.Burst(idx) {
			h, _ := feng.ParseHeader(frame)
			if err := a.Feed(ctx, h, feng.Payload(frame)); err != nil {
				t.Fatalf("Feed failed: %v", err)
			}
		}
		if w0, w1, ok := a.Window(); ok && w1-w0 != 1 {
			t.Fatalf("Window invariant violated: [%d,%d]", w0, w1)
		}
	}
	ring.Close()
	<-done
}

func TestAssemblerFinalizeOnceAndOrdered(t *testing.T) {
	oi := testObsInfo(1, 1, 64, 16, 128)
	gen := testGen(oi)
	a, ring, _ := newTestAssembler(t, oi, 16)
	ctx := context.Background()

	feedRange(t, a, gen, 0, 128*6, 1)
	a.Flush()

	seen := make(map[int64]bool)
	last := int64(-1)
	for {
		blk, err := ring.WaitFilled(ctx, 50*time.Millisecond)
		if err != nil {
			break
		}
		hdr := status.ParseRecords(blk.Header)
		pktidx, err := strconv.ParseInt(hdr["PKTIDX"], 10, 64)
		if err != nil {
			t.Fatalf("Bad PKTIDX record %q", hdr["PKTIDX"])
		}
		num := pktidx / int64(oi.PiperBlk)
		if seen[num] {
			t.Errorf("Block %d finalized twice", num)
		}
		seen[num] = true
		if num <= last {
			t.Errorf("Block %d delivered after %d", num, last)
		}
		last = num
		_ = ring.SetFree(blk)
	}
	if len(seen) != 6 {
		t.Errorf("Finalized %d distinct block(s), want 6", len(seen))
	}
}

func TestAssemblerDuplicateClampsNDrop(t *testing.T) {
	// Duplicates can push npacket past the expected count; NDROP clamps at 0.
	oi := testObsInfo(1, 1, 64, 16, 128)
	gen := testGen(oi)
	a, _, finalized := newTestAssembler(t, oi, 8)

	feedRange(t, a, gen, 0, 128, 1)
	feedRange(t, a, gen, 0, 8, 1) // duplicates
	feedRange(t, a, gen, 256, 257, 1)

	if len(*finalized) != 1 {
		t.Fatalf("Finalized %d block(s), want 1", len(*finalized))
	}
	bs := (*finalized)[0]
	if bs.NPacket != 136 {
		t.Errorf("NPKT = %d, want 136", bs.NPacket)
	}
	if bs.NDrop != 0 {
		t.Errorf("NDROP = %d, want clamped 0", bs.NDrop)
	}
}
