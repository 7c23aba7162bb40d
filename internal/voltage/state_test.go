package voltage

import (
	"math"
	"strconv"
	"testing"

	"github.com/hatcreek-data/voltage.report/internal/status"
	"github.com/hatcreek-data/voltage.report/internal/timeutil"
)

func TestParseDestIP(t *testing.T) {
	cases := []struct {
		literal  string
		maxFlows int
		want     []string
		wantErr  bool
	}{
		{"10.0.0.1", 16, []string{"10.0.0.1"}, false},
		{"10.0.0.1+3", 16, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}, false},
		{"10.0.0.1+7", 4, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}, false},
		{"not-an-ip", 16, nil, true},
		{"10.0.0.1+x", 16, nil, true},
	}
	for _, tc := range cases {
		got, err := ParseDestIP(tc.literal, tc.maxFlows)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDestIP(%q) expected error", tc.literal)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDestIP(%q) failed: %v", tc.literal, err)
			continue
		}
		if len(got) != len(tc.want) {
			t.Errorf("ParseDestIP(%q) = %v, want %v", tc.literal, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("ParseDestIP(%q)[%d] = %q, want %q", tc.literal, i, got[i], tc.want[i])
			}
		}
	}
}

func TestProcessDestIPInstallAndTeardown(t *testing.T) {
	sb := status.NewBuffer()
	sm := NewStateMachine(sb)
	src := newFakeSource()

	// IDLE with the null address.
	sb.SetString(KeyDestIP, "0.0.0.0")
	sm.ProcessDestIP(src)
	if sm.State() != DAQIdle || src.FlowCount() != 0 {
		t.Fatalf("Expected IDLE with no flows, got %v/%d", sm.State(), src.FlowCount())
	}

	// Setting a destination installs flows and moves to LISTEN.
	sb.Atomically(func(v *status.Values) {
		v.SetString(KeyDestIP, "239.8.0.1+1")
		v.SetInt(KeyBindPort, 10000)
	})
	sm.ProcessDestIP(src)
	if sm.State() != DAQListen {
		t.Errorf("State = %v, want LISTEN", sm.State())
	}
	if src.FlowCount() != 2 {
		t.Errorf("FlowCount = %d, want 2", src.FlowCount())
	}
	if got := sb.GetString(KeyDAQState, ""); got != "LISTEN" {
		t.Errorf("DAQSTATE = %q", got)
	}

	// A change while flows are active is rejected and the old value restored.
	sb.SetString(KeyDestIP, "239.8.0.9")
	sm.ProcessDestIP(src)
	if got := sb.GetString(KeyDestIP, ""); got != "239.8.0.1+1" {
		t.Errorf("Rejected DESTIP not restored: %q", got)
	}
	if src.FlowCount() != 2 {
		t.Errorf("FlowCount changed on rejected update: %d", src.FlowCount())
	}

	// 0.0.0.0 always tears down.
	sb.SetString(KeyDestIP, "0.0.0.0")
	sm.ProcessDestIP(src)
	if sm.State() != DAQIdle || src.FlowCount() != 0 {
		t.Errorf("Expected teardown to IDLE, got %v/%d", sm.State(), src.FlowCount())
	}
}

func TestProcessDestIPInstallFailureCleansUp(t *testing.T) {
	sb := status.NewBuffer()
	sm := NewStateMachine(sb)
	src := newFakeSource()
	src.failIP = "10.0.0.2"

	sb.Atomically(func(v *status.Values) {
		v.SetString(KeyDestIP, "10.0.0.1+1")
		v.SetInt(KeyBindPort, 10000)
	})
	sm.ProcessDestIP(src)
	if sm.State() != DAQIdle {
		t.Errorf("State = %v after failed install, want IDLE", sm.State())
	}
	if src.FlowCount() != 0 {
		t.Errorf("FlowCount = %d after failed install, want 0", src.FlowCount())
	}
}

// listenStateMachine returns a state machine already in LISTEN.
func listenStateMachine(t *testing.T, sb *status.Buffer) *StateMachine {
	t.Helper()
	sm := NewStateMachine(sb)
	src := newFakeSource()
	sb.Atomically(func(v *status.Values) {
		v.SetString(KeyDestIP, "10.0.0.1")
		v.SetInt(KeyBindPort, 10000)
	})
	sm.ProcessDestIP(src)
	if sm.State() != DAQListen {
		t.Fatalf("Setup failed: state %v", sm.State())
	}
	return sm
}

func TestStateGating(t *testing.T) {
	// S5: LISTEN -> RECORD at PKTSTART, RECORD -> LISTEN at PKTSTOP.
	oi := testObsInfo(1, 1, 64, 16, 128)
	sb := status.NewBuffer()
	sm := listenStateMachine(t, sb)

	// DWELL spans exactly two blocks.
	blockSecs := oi.TBin() * float64(oi.PktNTime) * float64(oi.PiperBlk)
	sb.Atomically(func(v *status.Values) {
		v.SetUint(KeyPktStart, 256)
		v.SetFloat(KeyDwell, 2*blockSecs)
	})

	var sttRises, sttFalls int
	lastValid := int64(0)
	boundary := func(pktidx uint64) {
		sm.OnBlockBoundary(&oi, pktidx)
		now := sb.GetInt(KeySTTValid, 0)
		if now == 1 && lastValid == 0 {
			sttRises++
		}
		if now == 0 && lastValid == 1 {
			sttFalls++
		}
		lastValid = now
	}

	boundary(0)
	if sm.State() != DAQListen {
		t.Errorf("State at 0 = %v, want LISTEN", sm.State())
	}
	boundary(128)
	if sm.State() != DAQListen {
		t.Errorf("State at 128 = %v, want LISTEN", sm.State())
	}
	boundary(256)
	if sm.State() != DAQRecord {
		t.Errorf("State at 256 = %v, want RECORD", sm.State())
	}
	boundary(384)
	if sm.State() != DAQRecord {
		t.Errorf("State at 384 = %v, want RECORD", sm.State())
	}
	boundary(512)
	if sm.State() != DAQListen {
		t.Errorf("State at 512 = %v, want LISTEN", sm.State())
	}

	if sttRises != 1 || sttFalls != 1 {
		t.Errorf("STTVALID rose %d and fell %d time(s), want 1/1", sttRises, sttFalls)
	}
	if got := sb.GetInt(KeyPktStop, 0); got != 512 {
		t.Errorf("PKTSTOP = %d, want 512", got)
	}

	// The start stamp matches the MJD of SYNCTIME + 256*PKTNTIME/(1e6*CHAN_BW).
	wantMJD := timeutil.UnixToMJD(oi.PktIdxToUnix(256))
	if got := sb.GetInt(KeySTTIMJD, 0); got != wantMJD.Day {
		t.Errorf("STT_IMJD = %d, want %d", got, wantMJD.Day)
	}
	if got := sb.GetInt(KeySTTSMJD, 0); got != wantMJD.Sec {
		t.Errorf("STT_SMJD = %d, want %d", got, wantMJD.Sec)
	}
	offs, err := strconv.ParseFloat(sb.GetString(KeySTTOffs, ""), 64)
	if err != nil || math.Abs(offs-wantMJD.Offs) > 1e-9 {
		t.Errorf("STT_OFFS = %q, want %v", sb.GetString(KeySTTOffs, ""), wantMJD.Offs)
	}
}

func TestPktStartNormalization(t *testing.T) {
	// PKTSTART is rounded down to a block boundary and written back.
	oi := testObsInfo(1, 1, 64, 16, 128)
	sb := status.NewBuffer()
	sm := listenStateMachine(t, sb)

	sb.Atomically(func(v *status.Values) {
		v.SetUint(KeyPktStart, 300) // not a multiple of 128
		v.SetFloat(KeyDwell, 1)
	})
	sm.OnBlockBoundary(&oi, 0)

	if got := sb.GetInt(KeyPktStart, 0); got != 256 {
		t.Errorf("Normalized PKTSTART = %d, want 256", got)
	}
	if got := sb.GetInt(KeyPktStop, 0); got%int64(oi.PiperBlk) != 0 {
		t.Errorf("PKTSTOP = %d, not a block multiple", got)
	}
}

func TestZeroDwellNeverRecords(t *testing.T) {
	oi := testObsInfo(1, 1, 64, 16, 128)
	sb := status.NewBuffer()
	sm := listenStateMachine(t, sb)

	sb.Atomically(func(v *status.Values) {
		v.SetUint(KeyPktStart, 0)
		v.SetFloat(KeyDwell, 0)
	})
	for idx := uint64(0); idx < 1024; idx += 128 {
		sm.OnBlockBoundary(&oi, idx)
		if sm.State() == DAQRecord {
			t.Fatalf("Entered RECORD with zero DWELL at %d", idx)
		}
	}
}
