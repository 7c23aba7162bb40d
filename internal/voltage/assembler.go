package voltage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hatcreek-data/voltage.report/internal/feng"
	"github.com/hatcreek-data/voltage.report/internal/monitoring"
	"github.com/hatcreek-data/voltage.report/internal/status"
)

// Status keys owned by the assembler.
const (
	KeyNetStat  = "NETSTAT"
	KeyNetBufSt = "NETBUFST"
)

const freeWaitSlice = 100 * time.Millisecond

// BlockStats describes one finalized block, for observation logging.
type BlockStats struct {
	BlockNum int64
	PktIdx   uint64
	NPacket  int
	NDrop    int
	DropStat string
}

// Assembler owns the two-wide sliding window of working blocks. Every parsed
// packet lands here; the decision on where it scatters (or why it does not)
// is a pure function of its block number against the window.
type Assembler struct {
	ring   *BlockRing
	status *status.Buffer

	oi    ObsInfo
	view  [2]*BlockView
	w     [2]*Block
	armed bool // window holds two acquired blocks

	// OnFinalize, when set, receives the stats of every finalized block.
	OnFinalize func(BlockStats)

	// Counters accumulated across the observation.
	NLate     uint64
	NDropped  uint64
	NReinit   uint64
	Finalized uint64
}

// NewAssembler creates an assembler over the output ring. SetObsInfo must be
// called with a valid geometry before the first Feed.
func NewAssembler(ring *BlockRing, sb *status.Buffer) *Assembler {
	return &Assembler{ring: ring, status: sb}
}

// SetObsInfo installs a new observation geometry. If a window is armed and
// the geometry changed, the working blocks are finalized with their
// accumulated counts and the window is disarmed; it re-arms on the next
// packet.
func (a *Assembler) SetObsInfo(oi ObsInfo) error {
	if err := oi.Validate(); err != nil {
		return err
	}
	if a.armed && !a.oi.SameGeometry(&oi) {
		a.finalize(0)
		a.finalize(1)
		a.disarm()
	}
	a.oi = oi
	return nil
}

// Window returns the current working block numbers; ok is false while the
// window is disarmed.
func (a *Assembler) Window() (w0, w1 int64, ok bool) {
	if !a.armed {
		return 0, 0, false
	}
	return a.w[0].BlockNum, a.w[1].BlockNum, true
}

// Feed runs the decision table for one parsed packet. Only ring errors other
// than timeout are returned; timeouts are retried internally until ctx is
// cancelled.
func (a *Assembler) Feed(ctx context.Context, h feng.Header, payload []byte) error {
	b := int64(h.PktIdx / uint64(a.oi.PiperBlk))

	if !a.armed {
		if err := a.arm(ctx, b); err != nil {
			return err
		}
	}

	switch {
	case b == a.w[0].BlockNum:
		a.scatter(0, h, payload)

	case b == a.w[1].BlockNum:
		a.scatter(1, h, payload)

	case b == a.w[1].BlockNum+1:
		// Advance: the oldest block is done, shift the window up one.
		a.finalize(0)
		a.w[0], a.view[0] = a.w[1], a.view[1]
		nb, nv, err := a.acquire(ctx, b)
		if err != nil {
			return err
		}
		a.w[1], a.view[1] = nb, nv
		a.scatter(1, h, payload)

	case b == a.w[0].BlockNum-1:
		a.NLate++

	default:
		// Discontinuity: finalize what we have, restart the window just
		// past the disruptor and drop the packet itself.
		a.NReinit++
		monitoring.Logf("Packet index discontinuity: block %d outside window [%d,%d], reinitializing to [%d,%d]",
			b, a.w[0].BlockNum, a.w[1].BlockNum, b+1, b+2)
		a.finalize(0)
		a.finalize(1)
		a.disarm()
		if err := a.arm(ctx, b+1); err != nil {
			return err
		}
	}
	return nil
}

// Flush finalizes both working blocks (partial counts included) and disarms
// the window. Called at observation teardown.
func (a *Assembler) Flush() {
	if !a.armed {
		return
	}
	a.finalize(0)
	a.finalize(1)
	a.disarm()
}

func (a *Assembler) scatter(i int, h feng.Header, payload []byte) {
	if err := a.view[i].Scatter(h, payload); err != nil {
		// Well-formed frame, geometry mismatch: dropped without counters.
		monitoring.Debugf("Scatter rejected pktidx=%d: %v", h.PktIdx, err)
		return
	}
	a.w[i].NPacket++
}

// arm acquires two fresh blocks numbered b and b+1.
func (a *Assembler) arm(ctx context.Context, b int64) error {
	for i := 0; i < 2; i++ {
		blk, view, err := a.acquire(ctx, b+int64(i))
		if err != nil {
			return err
		}
		a.w[i], a.view[i] = blk, view
	}
	a.armed = true
	return nil
}

func (a *Assembler) disarm() {
	a.w[0], a.w[1] = nil, nil
	a.view[0], a.view[1] = nil, nil
	a.armed = false
}

// acquire waits for a free ring slot and initializes it for block number b.
// Timeouts publish an outblocked status and retry until cancellation.
func (a *Assembler) acquire(ctx context.Context, b int64) (*Block, *BlockView, error) {
	waited := false
	for {
		blk, err := a.ring.WaitFree(ctx, freeWaitSlice)
		if err == nil {
			if waited {
				a.status.SetString(KeyNetStat, "receiving")
			}
			view, verr := NewBlockView(blk.Data, &a.oi)
			if verr != nil {
				return nil, nil, verr
			}
			blk.BlockNum = b
			blk.NPacket = 0
			return blk, view, nil
		}
		if err == ErrTimeout {
			waited = true
			a.status.Atomically(func(v *status.Values) {
				v.SetString(KeyNetStat, "outblocked")
				v.SetString(KeyNetBufSt, fmt.Sprintf("%d/%d", a.ring.Used(), a.ring.Cap()))
			})
			continue
		}
		return nil, nil, err
	}
}

// finalize publishes working block i: counters are computed, the status
// buffer is snapshotted into the header with the per-block fields overlaid,
// and the slot is marked filled. Each block number is finalized exactly once
// because finalize is only reached on advance, reinit or flush, all of which
// surrender the block.
func (a *Assembler) finalize(i int) {
	blk := a.w[i]
	if blk == nil {
		return
	}

	ndrop := a.oi.PktsPerBlock - blk.NPacket
	if ndrop < 0 {
		ndrop = 0 // duplicate-heavy traffic can exceed the expected count
	}
	dropStat := strconv.Itoa(ndrop) + "/" + strconv.Itoa(a.oi.PktsPerBlock)
	pktIdx := uint64(blk.BlockNum) * uint64(a.oi.PiperBlk)

	overlay := map[string]string{
		"PKTIDX":   strconv.FormatUint(pktIdx, 10),
		"NPKT":     strconv.Itoa(blk.NPacket),
		"NDROP":    strconv.Itoa(ndrop),
		"DROPSTAT": dropStat,
		"BLOCSIZE": strconv.Itoa(a.oi.EffBlkSize),
	}
	a.status.SnapshotWith(blk.Header, overlay)

	stats := BlockStats{
		BlockNum: blk.BlockNum,
		PktIdx:   pktIdx,
		NPacket:  blk.NPacket,
		NDrop:    ndrop,
		DropStat: dropStat,
	}

	a.NDropped += uint64(ndrop)
	a.Finalized++
	a.w[i] = nil
	a.view[i] = nil

	if err := a.ring.SetFilled(blk); err != nil {
		monitoring.Logf("Failed to publish block %d: %v", stats.BlockNum, err)
		return
	}
	if a.OnFinalize != nil {
		a.OnFinalize(stats)
	}
}
