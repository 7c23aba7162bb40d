package voltage

import (
	"fmt"

	"github.com/hatcreek-data/voltage.report/internal/feng"
	"github.com/hatcreek-data/voltage.report/internal/status"
)

// ObsInfo is the per-observation geometry derived from the status buffer.
// It is immutable once derived; the ingest re-derives a fresh value on every
// once-per-second status tick and swaps it in between input blocks.
type ObsInfo struct {
	// Inputs read from the status buffer.
	FEnChan  int     // total channels produced by one F-engine
	NAnts    int     // antennas in the observation
	NStrm    int     // channel streams per antenna
	PktNTime int     // time samples per packet
	PktNChan int     // channels per packet
	SChan    int     // absolute start channel of the selected band
	NBits    int     // bits per real component of one sample
	NPol     int     // polarizations per sample unit
	ChanBW   float64 // channel bandwidth in MHz (sign encodes sideband)
	SyncTime int64   // Unix epoch of the F-engine sync pulse

	// BlockDataSize is the physical data capacity of one ring block.
	BlockDataSize int

	// Derived values.
	ObsNChan     int // NANTS * NSTRM * PKTNCHAN
	PiperBlk     int // packet indices per block
	EffBlkSize   int // bytes actually written per block
	PktsPerBlock int // PIPERBLK * NANTS * NSTRM
	PayloadBytes int // payload bytes of one packet
}

// Status buffer keys read by LoadObsInfo.
const (
	KeyFEnChan  = "FENCHAN"
	KeyNAnts    = "NANTS"
	KeyNStrm    = "NSTRM"
	KeyPktNTime = "PKTNTIME"
	KeyPktNChan = "PKTNCHAN"
	KeySChan    = "SCHAN"
	KeyNBits    = "NBITS"
	KeyNPol     = "NPOL"
	KeyChanBW   = "CHAN_BW"
	KeySyncTime = "SYNCTIME"
)

// LoadObsInfo reads the observation geometry from a locked status view and
// derives the block layout for the given physical block size. The returned
// ObsInfo may be invalid; callers must check Validate before use.
func LoadObsInfo(v *status.Values, blockDataSize int) ObsInfo {
	oi := ObsInfo{
		FEnChan:       int(v.Int(KeyFEnChan, 0)),
		NAnts:         int(v.Int(KeyNAnts, 0)),
		NStrm:         int(v.Int(KeyNStrm, 0)),
		PktNTime:      int(v.Int(KeyPktNTime, 0)),
		PktNChan:      int(v.Int(KeyPktNChan, 0)),
		SChan:         int(v.Int(KeySChan, 0)),
		NBits:         int(v.Int(KeyNBits, 4)),
		NPol:          int(v.Int(KeyNPol, feng.NPol)),
		ChanBW:        v.Float(KeyChanBW, 0),
		SyncTime:      v.Int(KeySyncTime, 0),
		BlockDataSize: blockDataSize,
	}
	oi.derive()
	return oi
}

// derive computes the block layout from the input geometry. Derivation with
// incomplete inputs leaves the derived fields zero.
func (oi *ObsInfo) derive() {
	oi.PayloadBytes, oi.ObsNChan = 0, 0
	oi.PiperBlk, oi.PktsPerBlock, oi.EffBlkSize = 0, 0, 0
	if oi.NAnts <= 0 || oi.NStrm <= 0 || oi.PktNChan <= 0 || oi.PktNTime <= 0 {
		return
	}
	oi.PayloadBytes = feng.PayloadBytes(oi.PktNTime, oi.PktNChan)
	oi.ObsNChan = oi.NAnts * oi.NStrm * oi.PktNChan

	perIdx := oi.NAnts * oi.NStrm * oi.PayloadBytes // bytes per packet index across all antennas and streams
	if perIdx <= 0 || oi.BlockDataSize < perIdx {
		return
	}
	oi.PiperBlk = oi.BlockDataSize / perIdx
	oi.PktsPerBlock = oi.PiperBlk * oi.NAnts * oi.NStrm
	oi.EffBlkSize = oi.PiperBlk * oi.ObsNChan * oi.PktNTime * feng.PolSampleBytes
}

// Validate reports why the geometry cannot support ingest, or nil.
func (oi *ObsInfo) Validate() error {
	switch {
	case oi.NAnts <= 0:
		return fmt.Errorf("NANTS not set")
	case oi.NStrm <= 0:
		return fmt.Errorf("NSTRM not set")
	case oi.PktNTime <= 0:
		return fmt.Errorf("PKTNTIME not set")
	case oi.PktNChan <= 0:
		return fmt.Errorf("PKTNCHAN not set")
	case oi.NPol != feng.NPol:
		return fmt.Errorf("NPOL=%d unsupported, need %d packed polarizations", oi.NPol, feng.NPol)
	case oi.NBits*2 != 8*feng.SampleBytes:
		return fmt.Errorf("NBITS=%d unsupported, samples must pack into %d byte(s)", oi.NBits, feng.SampleBytes)
	case oi.ChanBW == 0:
		return fmt.Errorf("CHAN_BW not set")
	case oi.PiperBlk <= 0:
		return fmt.Errorf("block size %d below one packet index (%d bytes)",
			oi.BlockDataSize, oi.NAnts*oi.NStrm*oi.PayloadBytes)
	}
	return nil
}

// Valid reports whether the geometry supports ingest.
func (oi *ObsInfo) Valid() bool { return oi.Validate() == nil }

// TBin returns the time-sample interval in seconds.
func (oi *ObsInfo) TBin() float64 {
	bw := oi.ChanBW
	if bw < 0 {
		bw = -bw
	}
	if bw == 0 {
		return 0
	}
	return 1e-6 / bw
}

// ObsBW returns the total observation bandwidth in MHz, sign preserved.
func (oi *ObsInfo) ObsBW() float64 {
	return oi.ChanBW * float64(oi.ObsNChan)
}

// PktIdxToUnix converts a packet index to an absolute Unix timestamp using
// the sync epoch: each packet index spans PKTNTIME samples of TBIN seconds.
func (oi *ObsInfo) PktIdxToUnix(pktidx uint64) float64 {
	return float64(oi.SyncTime) + float64(pktidx)*float64(oi.PktNTime)*oi.TBin()
}

// SameGeometry reports whether two derivations describe identical layouts,
// ignoring the sync epoch, CHAN_BW and FENCHAN. A geometry change forces a
// window reinit.
func (oi *ObsInfo) SameGeometry(other *ObsInfo) bool {
	return oi.NAnts == other.NAnts &&
		oi.NStrm == other.NStrm &&
		oi.PktNTime == other.PktNTime &&
		oi.PktNChan == other.PktNChan &&
		oi.SChan == other.SChan &&
		oi.NBits == other.NBits &&
		oi.NPol == other.NPol &&
		oi.BlockDataSize == other.BlockDataSize
}
