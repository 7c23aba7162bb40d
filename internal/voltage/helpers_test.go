package voltage

import (
	"github.com/hatcreek-data/voltage.report/internal/feng"
)

// testObsInfo builds the geometry used throughout the scenario tests. The
// block size is chosen so PIPERBLK comes out exactly as requested.
func testObsInfo(nants, nstrm, pktnchan, pktntime, piperblk int) ObsInfo {
	oi := ObsInfo{
		FEnChan:       nstrm * pktnchan,
		NAnts:         nants,
		NStrm:         nstrm,
		PktNTime:      pktntime,
		PktNChan:      pktnchan,
		SChan:         0,
		NBits:         4,
		NPol:          feng.NPol,
		ChanBW:        0.5,
		SyncTime:      1700000000,
		BlockDataSize: nants * nstrm * pktnchan * pktntime * feng.PolSampleBytes * piperblk,
	}
	oi.derive()
	return oi
}

// testGen pairs a generator with a geometry.
func testGen(oi ObsInfo) *feng.Generator {
	return &feng.Generator{
		PktNTime: oi.PktNTime,
		PktNChan: oi.PktNChan,
		NAnts:    oi.NAnts,
		NStrm:    oi.NStrm,
		SChan:    oi.SChan,
	}
}
