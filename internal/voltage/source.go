package voltage

import (
	"context"
	"time"
)

// PktAlignmentSize is the alignment of every slot start in an input block.
// Each frame is stored contiguously from its slot start, so the header is
// aligned; the payload follows at HeaderSize and is not separately aligned.
const PktAlignmentSize = 64

// InputBlock is one batch of slot-aligned frames delivered by a PacketSource.
// Frames are fixed-size slots inside one contiguous buffer; the actual
// datagram length of each occupied slot is kept alongside so the parser can
// reject size changes.
type InputBlock struct {
	buf      []byte
	slotSize int
	lens     []int
	count    int

	// Filled is stamped by the source when the block is published; the
	// ingest uses it for the fill-to-free latency average.
	Filled time.Time
}

// NewInputBlock allocates a block of nslots fixed-size slots. slotSize is
// rounded up to PktAlignmentSize.
func NewInputBlock(nslots, slotSize int) *InputBlock {
	if rem := slotSize % PktAlignmentSize; rem != 0 {
		slotSize += PktAlignmentSize - rem
	}
	return &InputBlock{
		buf:      make([]byte, nslots*slotSize),
		slotSize: slotSize,
		lens:     make([]int, nslots),
	}
}

// NSlots returns the slot capacity.
func (ib *InputBlock) NSlots() int { return len(ib.lens) }

// Count returns the number of occupied slots.
func (ib *InputBlock) Count() int { return ib.count }

// Slot returns the full fixed-size buffer of slot i.
func (ib *InputBlock) Slot(i int) []byte {
	return ib.buf[i*ib.slotSize : (i+1)*ib.slotSize]
}

// Frame returns the datagram stored in slot i, trimmed to its received
// length.
func (ib *InputBlock) Frame(i int) []byte {
	return ib.buf[i*ib.slotSize : i*ib.slotSize+ib.lens[i]]
}

// Append copies one datagram into the next free slot. Returns false when the
// block is full or the datagram exceeds the slot size.
func (ib *InputBlock) Append(frame []byte) bool {
	if ib.count >= len(ib.lens) || len(frame) > ib.slotSize {
		return false
	}
	copy(ib.Slot(ib.count), frame)
	ib.lens[ib.count] = len(frame)
	ib.count++
	return true
}

// Reset empties the block for reuse.
func (ib *InputBlock) Reset() {
	ib.count = 0
	ib.Filled = time.Time{}
}

// PacketSource is the capture side of the ingest: a ring of input blocks
// filled with slot-aligned frames. Implementations run their own goroutines;
// the ingest couples to them only through these calls.
type PacketSource interface {
	// WaitFilled returns the next filled input block, ErrTimeout when none
	// arrives within the timeout, or a terminal error.
	WaitFilled(ctx context.Context, timeout time.Duration) (*InputBlock, error)

	// SetFree returns a consumed block to the source.
	SetFree(*InputBlock)

	// InstallFlow directs traffic for one destination address to this
	// source. Called once per flow when leaving IDLE.
	InstallFlow(destIP string, port int) error

	// TeardownFlows removes all installed flows.
	TeardownFlows() error

	// FlowCount returns the number of installed flows.
	FlowCount() int
}
