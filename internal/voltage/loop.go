package voltage

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/hatcreek-data/voltage.report/internal/feng"
	"github.com/hatcreek-data/voltage.report/internal/monitoring"
	"github.com/hatcreek-data/voltage.report/internal/status"
	"github.com/hatcreek-data/voltage.report/internal/timeutil"
)

// Status keys owned by the ingest loop.
const (
	KeyDAQPulse = "DAQPULSE"
	KeyPktIdx   = "PKTIDX"
	KeyBlocSize = "BLOCSIZE"
	KeyObsNChan = "OBSNCHAN"
	KeyPiperBlk = "PIPERBLK"
	KeyObsBW    = "OBSBW"
	KeyTBin     = "TBIN"
	KeyPktFmt   = "PKTFMT"
	KeyNPkts    = "NPKTS"
	KeyNDrop    = "NDROP"
	KeyNLate    = "NLATE"
	KeyNBogus   = "NBOGUS"
	KeyPhysGbps = "PHYSGBPS"
	KeyPhysPkps = "PHYSPKPS"
	KeyNetGbps  = "NETGBPS"
	KeyNetPkps  = "NETPKPS"
	KeyNetBlkMs = "NETBLKMS"
	KeyObsInfo  = "OBSINFO"
)

// PktFmt is the packet format tag published to the status buffer and block
// headers.
const PktFmt = "ATASNAP"

const (
	inputWaitSlice     = 50 * time.Millisecond
	statusTickInterval = time.Second
	idlePollInterval   = time.Second
	bogusLogInterval   = 5 * time.Second

	// DefaultLatencyWindow is the number of input blocks averaged for the
	// NETBLKMS figure.
	DefaultLatencyWindow = 64
)

// LoopConfig wires an IngestLoop.
type LoopConfig struct {
	Source PacketSource
	Ring   *BlockRing
	Status *status.Buffer
	Stats  *monitoring.NetStats
	Clock  timeutil.Clock

	// BlockDataSize is the physical data size of the output ring blocks.
	BlockDataSize int

	// OnFinalize is forwarded to the assembler.
	OnFinalize func(BlockStats)

	// LatencyWindow overrides DefaultLatencyWindow when positive.
	LatencyWindow int
}

// IngestLoop orchestrates capture → parse → scatter → advance on a single
// goroutine. All counters and parameters live on the loop context rather
// than in package state.
type IngestLoop struct {
	src    PacketSource
	status *status.Buffer
	stats  *monitoring.NetStats
	clock  timeutil.Clock

	asm *Assembler
	sm  *StateMachine

	blockDataSize int
	oi            ObsInfo
	oiValid       bool

	// Per-observation frame size pin: the first accepted frame size fixes
	// the expected size until the geometry changes.
	expectedFrameLen int

	npktsTotal  uint64
	nbogusTotal uint64
	bogusSince  uint64
	lastBogus   time.Time

	lastRates monitoring.Rates
	lastTick  time.Time

	latencies  []float64 // fill-to-free, milliseconds
	latencyCap int
}

// NewIngestLoop builds an ingest loop from the configuration. The state
// machine starts in IDLE; the assembler window arms on the first packet of a
// valid observation.
func NewIngestLoop(cfg LoopConfig) *IngestLoop {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Stats == nil {
		cfg.Stats = monitoring.NewNetStats()
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = DefaultLatencyWindow
	}
	l := &IngestLoop{
		src:           cfg.Source,
		status:        cfg.Status,
		stats:         cfg.Stats,
		clock:         cfg.Clock,
		blockDataSize: cfg.BlockDataSize,
		latencyCap:    cfg.LatencyWindow,
	}
	l.asm = NewAssembler(cfg.Ring, cfg.Status)
	l.asm.OnFinalize = cfg.OnFinalize
	l.sm = NewStateMachine(cfg.Status)
	return l
}

// StateMachine exposes the loop's state machine, for tests and the monitor.
func (l *IngestLoop) StateMachine() *StateMachine { return l.sm }

// Assembler exposes the loop's block assembler.
func (l *IngestLoop) Assembler() *Assembler { return l.asm }

// Run executes the ingest until ctx is cancelled or a fatal error occurs.
// On cancellation in-flight input blocks are released and the working blocks
// are abandoned unfinalized. The loop claims its own OS thread so scheduling
// tools (taskset, chrt) can pin and prioritize it.
func (l *IngestLoop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.status.Atomically(func(v *status.Values) {
		v.SetString(KeyNetStat, "idle")
		v.SetString(KeyPktFmt, PktFmt)
	})
	l.tick() // derive geometry and publish the first heartbeat immediately

	for {
		if ctx.Err() != nil {
			l.shutdown()
			return nil
		}

		if l.clock.Since(l.lastTick) >= statusTickInterval {
			l.tick()
			l.sm.ProcessDestIP(l.src)
		}

		if l.sm.State() == DAQIdle {
			l.clock.Sleep(idlePollInterval)
			continue
		}

		blk, err := l.src.WaitFilled(ctx, inputWaitSlice)
		if err != nil {
			switch {
			case errors.Is(err, ErrTimeout):
				l.status.SetString(KeyNetStat, "waiting")
				continue
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				l.shutdown()
				return nil
			default:
				monitoring.Logf("Packet source failed: %v", err)
				return err
			}
		}

		if err := l.processInputBlock(ctx, blk); err != nil {
			l.src.SetFree(blk)
			if ctx.Err() != nil {
				l.shutdown()
				return nil
			}
			monitoring.Logf("Ingest terminating: %v", err)
			return err
		}

		if !blk.Filled.IsZero() {
			l.pushLatency(float64(l.clock.Since(blk.Filled)) / float64(time.Millisecond))
		}
		l.src.SetFree(blk)
	}
}

// processInputBlock walks every occupied slot of one input block through the
// decision table.
func (l *IngestLoop) processInputBlock(ctx context.Context, blk *InputBlock) error {
	if !l.oiValid {
		return nil // freed by the caller without touching the window
	}
	l.status.SetString(KeyNetStat, "receiving")

	for i := 0; i < blk.Count(); i++ {
		frame := blk.Frame(i)
		l.stats.AddPacket(len(frame))

		h, err := feng.ParseHeader(frame)
		if err != nil {
			l.countBogus()
			continue
		}
		if l.expectedFrameLen == 0 {
			l.expectedFrameLen = len(frame)
		} else if len(frame) != l.expectedFrameLen {
			l.countBogus()
			continue
		}
		if int(h.FengID) >= l.oi.NAnts {
			continue // well-formed but outside the array, dropped silently
		}

		if h.PktIdx%uint64(l.oi.PiperBlk) == 0 {
			l.sm.OnBlockBoundary(&l.oi, h.PktIdx)
			l.publishBoundary(h.PktIdx)
		}

		if err := l.asm.Feed(ctx, h, feng.Payload(frame)); err != nil {
			return err
		}
		l.npktsTotal++
		l.stats.AddObsPacket(len(frame) - feng.HeaderSize)
	}
	return nil
}

// publishBoundary republishes the per-block status fields at the first
// packet of each block, before that block can be finalized.
func (l *IngestLoop) publishBoundary(pktidx uint64) {
	l.status.Atomically(func(v *status.Values) {
		v.SetUint(KeyPktIdx, pktidx)
		v.SetInt(KeyBlocSize, int64(l.oi.EffBlkSize))
		v.SetFloat(KeyNetGbps, l.lastRates.NetGbps)
		v.SetFloat(KeyNetPkps, l.lastRates.NetPkps)
		v.SetUint(KeyNDrop, l.asm.NDropped)
		v.SetUint(KeyNLate, l.asm.NLate)
	})
}

// tick is the once-per-second status update: heartbeat, throughput rates,
// geometry refresh.
func (l *IngestLoop) tick() {
	now := l.clock.Now()
	l.lastTick = now
	l.lastRates = l.stats.GetAndReset()

	var oi ObsInfo
	l.status.Atomically(func(v *status.Values) {
		oi = LoadObsInfo(v, l.blockDataSize)
	})
	valid := oi.Valid()
	geometryChanged := l.oiValid != valid || (valid && !oi.SameGeometry(&l.oi))
	if valid {
		// Always adopt: SameGeometry ignores the sync epoch and bandwidth,
		// which may legitimately change between observations.
		if err := l.asm.SetObsInfo(oi); err == nil {
			l.oi = oi
		} else {
			valid = false
		}
	}
	l.oiValid = valid
	if geometryChanged {
		l.expectedFrameLen = 0
	}

	netBlkMs := 0.0
	if len(l.latencies) > 0 {
		netBlkMs = stat.Mean(l.latencies, nil)
	}

	l.status.Atomically(func(v *status.Values) {
		v.SetString(KeyDAQPulse, now.Format(time.UnixDate))
		v.SetFloat(KeyPhysGbps, l.lastRates.PhysGbps)
		v.SetFloat(KeyPhysPkps, l.lastRates.PhysPkps)
		v.SetFloat(KeyNetGbps, l.lastRates.NetGbps)
		v.SetFloat(KeyNetPkps, l.lastRates.NetPkps)
		v.SetFloat(KeyNetBlkMs, netBlkMs)
		v.SetUint(KeyNPkts, l.npktsTotal)
		v.SetUint(KeyNDrop, l.asm.NDropped)
		v.SetUint(KeyNLate, l.asm.NLate)
		v.SetUint(KeyNBogus, l.nbogusTotal)
		if valid {
			v.SetInt(KeyObsNChan, int64(l.oi.ObsNChan))
			v.SetInt(KeyPiperBlk, int64(l.oi.PiperBlk))
			v.SetInt(KeyBlocSize, int64(l.oi.EffBlkSize))
			v.SetFloat(KeyTBin, l.oi.TBin())
			v.SetFloat(KeyObsBW, l.oi.ObsBW())
			v.SetString(KeyObsInfo, "VALID")
		} else {
			v.SetString(KeyObsInfo, "INVALID")
			v.SetString(KeyNetStat, "obsinfo")
		}
	})
}

func (l *IngestLoop) countBogus() {
	l.nbogusTotal++
	l.bogusSince++
	l.stats.AddBogus()
	now := l.clock.Now()
	if now.Sub(l.lastBogus) >= bogusLogInterval {
		monitoring.Logf("Dropped %d malformed frame(s), %s total",
			l.bogusSince, strconv.FormatUint(l.nbogusTotal, 10))
		l.bogusSince = 0
		l.lastBogus = now
	}
}

func (l *IngestLoop) pushLatency(ms float64) {
	if len(l.latencies) >= l.latencyCap {
		copy(l.latencies, l.latencies[1:])
		l.latencies = l.latencies[:len(l.latencies)-1]
	}
	l.latencies = append(l.latencies, ms)
}

// shutdown abandons the working window without finalizing, per the
// cancellation contract: in-flight output blocks are not published.
func (l *IngestLoop) shutdown() {
	l.status.Atomically(func(v *status.Values) {
		v.SetString(KeyDAQState, DAQIdle.String())
		v.SetString(KeyNetStat, "idle")
	})
}
