package voltage

import (
	"fmt"

	"github.com/hatcreek-data/voltage.report/internal/feng"
)

// BlockView is a bounds-proven 4-D view over one block's data area, laid out
// [FID][STREAM][CHAN][TIME] with the polarization pair packed into one 16-bit
// unit (TIME fastest). Strides are computed once per ObsInfo change; the
// scatter inner loop then runs on raw offsets.
type BlockView struct {
	data []byte

	pktNTime int
	pktNChan int
	nStrm    int
	nAnts    int
	sChan    int
	piperBlk int

	// Strides in 16-bit units.
	oStride      int // one channel within an antenna/stream cell
	streamStride int // one stream for all packet indices in the block
	fidStride    int // one antenna
}

// NewBlockView constructs a view over data for the given geometry. It proves
// the bounds once: the highest unit offset any scatter can produce addresses
// the last byte of the effective block, so the per-packet hot loop needs no
// further checks. No byte at or beyond EffBlkSize is ever written.
func NewBlockView(data []byte, oi *ObsInfo) (*BlockView, error) {
	if err := oi.Validate(); err != nil {
		return nil, fmt.Errorf("invalid geometry: %w", err)
	}
	if len(data) < oi.EffBlkSize {
		return nil, fmt.Errorf("block data %d bytes, need %d", len(data), oi.EffBlkSize)
	}

	v := &BlockView{
		data:         data[:oi.EffBlkSize],
		pktNTime:     oi.PktNTime,
		pktNChan:     oi.PktNChan,
		nStrm:        oi.NStrm,
		nAnts:        oi.NAnts,
		sChan:        oi.SChan,
		piperBlk:     oi.PiperBlk,
		oStride:      oi.PiperBlk * oi.PktNTime,
		streamStride: oi.PayloadBytes / feng.PolSampleBytes * oi.PiperBlk,
		fidStride:    oi.PayloadBytes / feng.PolSampleBytes * oi.PiperBlk * oi.NStrm,
	}

	// Last addressable unit: final antenna, stream, channel and time sample.
	maxUnit := (v.nAnts-1)*v.fidStride +
		(v.nStrm-1)*v.streamStride +
		(v.pktNChan-1)*v.oStride +
		(v.piperBlk-1)*v.pktNTime + (v.pktNTime - 1)
	if (maxUnit+1)*feng.PolSampleBytes != oi.EffBlkSize {
		return nil, fmt.Errorf("stride mismatch: view extent %d bytes, effective block %d",
			(maxUnit+1)*feng.PolSampleBytes, oi.EffBlkSize)
	}
	return v, nil
}

// Stream maps an absolute starting channel to the stream index, or an error
// when the channel does not begin a stream of this geometry.
func (v *BlockView) Stream(fengChan int) (int, error) {
	rel := fengChan - v.sChan
	if rel < 0 || rel%v.pktNChan != 0 {
		return 0, fmt.Errorf("channel %d does not start a stream (SCHAN=%d, PKTNCHAN=%d)", fengChan, v.sChan, v.pktNChan)
	}
	s := rel / v.pktNChan
	if s >= v.nStrm {
		return 0, fmt.Errorf("channel %d maps to stream %d of %d", fengChan, s, v.nStrm)
	}
	return s, nil
}

// Scatter copies one packet payload into the block at the rectangle addressed
// by the header. Duplicate packets overwrite in place (last write wins).
// Returns an error for headers outside the view's geometry; the caller drops
// such packets without disturbing the window.
func (v *BlockView) Scatter(h feng.Header, payload []byte) error {
	if int(h.FengID) >= v.nAnts {
		return fmt.Errorf("feng_id %d out of range [0,%d)", h.FengID, v.nAnts)
	}
	stream, err := v.Stream(int(h.FengChan))
	if err != nil {
		return err
	}
	want := v.pktNTime * v.pktNChan * feng.PolSampleBytes
	if len(payload) != want {
		return fmt.Errorf("payload %d bytes, geometry needs %d", len(payload), want)
	}

	base := int(h.FengID)*v.fidStride +
		stream*v.streamStride +
		int(h.PktIdx%uint64(v.piperBlk))*v.pktNTime

	// Payload is time-slowest: PKTNCHAN packed units per time step. Each
	// destination channel lives oStride units apart; consecutive time samples
	// are adjacent.
	dst := v.data
	for t := 0; t < v.pktNTime; t++ {
		src := payload[t*v.pktNChan*feng.PolSampleBytes:]
		unit := base + t
		for c := 0; c < v.pktNChan; c++ {
			off := (unit + c*v.oStride) * feng.PolSampleBytes
			dst[off] = src[c*feng.PolSampleBytes]
			dst[off+1] = src[c*feng.PolSampleBytes+1]
		}
	}
	return nil
}

// Gather is the inverse of Scatter: it reads the packet rectangle back out of
// the block. Used by the round-trip tests.
func (v *BlockView) Gather(h feng.Header, payload []byte) error {
	if int(h.FengID) >= v.nAnts {
		return fmt.Errorf("feng_id %d out of range [0,%d)", h.FengID, v.nAnts)
	}
	stream, err := v.Stream(int(h.FengChan))
	if err != nil {
		return err
	}
	want := v.pktNTime * v.pktNChan * feng.PolSampleBytes
	if len(payload) != want {
		return fmt.Errorf("payload %d bytes, geometry needs %d", len(payload), want)
	}

	base := int(h.FengID)*v.fidStride +
		stream*v.streamStride +
		int(h.PktIdx%uint64(v.piperBlk))*v.pktNTime

	for t := 0; t < v.pktNTime; t++ {
		out := payload[t*v.pktNChan*feng.PolSampleBytes:]
		unit := base + t
		for c := 0; c < v.pktNChan; c++ {
			off := (unit + c*v.oStride) * feng.PolSampleBytes
			out[c*feng.PolSampleBytes] = v.data[off]
			out[c*feng.PolSampleBytes+1] = v.data[off+1]
		}
	}
	return nil
}
