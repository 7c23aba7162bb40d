package voltage

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/hatcreek-data/voltage.report/internal/monitoring"
	"github.com/hatcreek-data/voltage.report/internal/status"
	"github.com/hatcreek-data/voltage.report/internal/timeutil"
)

// DAQState is the observation state of the ingest.
type DAQState int

const (
	DAQIdle DAQState = iota
	DAQListen
	DAQRecord
)

// String returns the status-buffer spelling of the state.
func (s DAQState) String() string {
	switch s {
	case DAQListen:
		return "LISTEN"
	case DAQRecord:
		return "RECORD"
	default:
		return "IDLE"
	}
}

// Status keys owned by the state machine.
const (
	KeyDAQState = "DAQSTATE"
	KeyDestIP   = "DESTIP"
	KeyBindPort = "BINDPORT"
	KeyMaxFlows = "MAXFLOWS"
	KeyPktStart = "PKTSTART"
	KeyPktStop  = "PKTSTOP"
	KeyDwell    = "DWELL"
	KeySTTValid = "STTVALID"
	KeySTTIMJD  = "STT_IMJD"
	KeySTTSMJD  = "STT_SMJD"
	KeySTTOffs  = "STT_OFFS"
)

// DefaultMaxFlows bounds the fan-out of a DESTIP = A.B.C.D+N literal.
const DefaultMaxFlows = 16

// StateMachine drives IDLE → LISTEN → RECORD from externally supplied
// start/stop indices. It owns DAQSTATE, PKTSTART/PKTSTOP normalization and
// the observation start stamp.
type StateMachine struct {
	status *status.Buffer

	state    DAQState
	destIP   string // active DESTIP literal, "" while IDLE
	pktStart uint64
	pktStop  uint64
	sttValid bool
}

// NewStateMachine creates an IDLE state machine.
func NewStateMachine(sb *status.Buffer) *StateMachine {
	sm := &StateMachine{status: sb}
	sb.Atomically(func(v *status.Values) {
		v.SetString(KeyDAQState, DAQIdle.String())
		v.SetInt(KeySTTValid, 0)
	})
	return sm
}

// State returns the current observation state.
func (sm *StateMachine) State() DAQState { return sm.state }

// Recording reports whether packets currently fall inside the record window.
func (sm *StateMachine) Recording() bool { return sm.state == DAQRecord }

// ParseDestIP expands a DESTIP literal. `A.B.C.D` is one destination;
// `A.B.C.D+N` is N+1 contiguous destinations beginning at A.B.C.D, clamped
// to maxFlows.
func ParseDestIP(literal string, maxFlows int) ([]string, error) {
	base := literal
	extra := 0
	if i := strings.IndexByte(literal, '+'); i >= 0 {
		base = literal[:i]
		n, err := strconv.Atoi(literal[i+1:])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad DESTIP fan-out %q", literal)
		}
		extra = n
	}
	ip := net.ParseIP(base)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("bad DESTIP address %q", base)
	}
	count := extra + 1
	if maxFlows > 0 && count > maxFlows {
		count = maxFlows
	}
	v4 := ip.To4()
	first := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
	dests := make([]string, count)
	for i := 0; i < count; i++ {
		n := first + uint32(i)
		dests[i] = net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).String()
	}
	return dests, nil
}

// ProcessDestIP reconciles the DESTIP key with the installed flows. Called
// once per second by the ingest loop. A change away from the active value is
// rejected while flows are installed, unless the new value is 0.0.0.0 which
// always tears the observation down.
func (sm *StateMachine) ProcessDestIP(src PacketSource) {
	var dest string
	var port, maxFlows int64
	sm.status.Atomically(func(v *status.Values) {
		dest = v.String(KeyDestIP, "0.0.0.0")
		port = v.Int(KeyBindPort, 0)
		maxFlows = v.Int(KeyMaxFlows, DefaultMaxFlows)
	})

	idle := dest == "" || dest == "0.0.0.0"

	if idle {
		if src.FlowCount() > 0 {
			if err := src.TeardownFlows(); err != nil {
				monitoring.Logf("Flow teardown failed: %v", err)
			}
		}
		if sm.state != DAQIdle {
			sm.toIdle()
		}
		sm.destIP = ""
		return
	}

	if src.FlowCount() > 0 {
		if dest != sm.destIP {
			// Reject: restore the active literal in the status buffer.
			monitoring.Logf("Rejecting DESTIP change %q -> %q while %d flows active", sm.destIP, dest, src.FlowCount())
			sm.status.SetString(KeyDestIP, sm.destIP)
		}
		return
	}

	dests, err := ParseDestIP(dest, int(maxFlows))
	if err != nil {
		monitoring.Logf("Ignoring DESTIP: %v", err)
		return
	}
	for _, d := range dests {
		if err := src.InstallFlow(d, int(port)); err != nil {
			monitoring.Logf("Flow install for %s failed: %v", d, err)
			if terr := src.TeardownFlows(); terr != nil {
				monitoring.Logf("Flow teardown failed: %v", terr)
			}
			return
		}
	}
	sm.destIP = dest
	sm.state = DAQListen
	sm.status.Atomically(func(v *status.Values) {
		v.SetString(KeyDAQState, sm.state.String())
		v.SetInt(KeySTTValid, 0)
	})
	monitoring.Logf("Installed %d flow(s) for %s, listening", len(dests), dest)
}

func (sm *StateMachine) toIdle() {
	sm.state = DAQIdle
	sm.sttValid = false
	sm.status.Atomically(func(v *status.Values) {
		v.SetString(KeyDAQState, sm.state.String())
		v.SetInt(KeySTTValid, 0)
	})
}

// OnBlockBoundary runs the LISTEN/RECORD gating for the first packet of a
// block (pktidx is a multiple of PIPERBLK). It re-reads PKTSTART and DWELL,
// normalizes PKTSTART down to a block boundary, derives PKTSTOP and performs
// any due transition.
func (sm *StateMachine) OnBlockBoundary(oi *ObsInfo, pktidx uint64) {
	if sm.state == DAQIdle {
		return
	}

	piperblk := uint64(oi.PiperBlk)
	var start, dwell float64
	sm.status.Atomically(func(v *status.Values) {
		start = float64(v.Uint(KeyPktStart, 0))
		dwell = v.Float(KeyDwell, 0)
	})

	pktStart := (uint64(start) / piperblk) * piperblk
	blockSecs := oi.TBin() * float64(oi.PktNTime) * float64(oi.PiperBlk)
	var pktStop uint64
	if blockSecs > 0 {
		pktStop = pktStart + piperblk*uint64(dwell/blockSecs)
	} else {
		pktStop = pktStart
	}
	sm.pktStart, sm.pktStop = pktStart, pktStop
	sm.status.Atomically(func(v *status.Values) {
		v.SetUint(KeyPktStart, pktStart)
		v.SetUint(KeyPktStop, pktStop)
	})

	inWindow := pktidx >= pktStart && pktidx < pktStop

	switch sm.state {
	case DAQListen:
		if inWindow {
			sm.enterRecord(oi, pktidx)
		}
	case DAQRecord:
		if pktidx >= pktStop {
			sm.state = DAQListen
			sm.sttValid = false
			sm.status.Atomically(func(v *status.Values) {
				v.SetString(KeyDAQState, sm.state.String())
				v.SetInt(KeySTTValid, 0)
			})
			monitoring.Logf("Record window ended at pktidx %d, listening", pktidx)
		}
	}
}

// enterRecord stamps the absolute observation start from the first in-window
// packet index and flips the state.
func (sm *StateMachine) enterRecord(oi *ObsInfo, pktidx uint64) {
	sm.state = DAQRecord
	sm.sttValid = true
	mjd := timeutil.UnixToMJD(oi.PktIdxToUnix(pktidx))
	sm.status.Atomically(func(v *status.Values) {
		v.SetString(KeyDAQState, sm.state.String())
		v.SetInt(KeySTTIMJD, mjd.Day)
		v.SetInt(KeySTTSMJD, mjd.Sec)
		v.SetFloat(KeySTTOffs, mjd.Offs)
		v.SetInt(KeySTTValid, 1)
	})
	monitoring.Logf("Recording from pktidx %d (MJD %d %d+%.6f), stop at %d",
		pktidx, mjd.Day, mjd.Sec, mjd.Offs, sm.pktStop)
}
