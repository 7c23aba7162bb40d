package voltage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hatcreek-data/voltage.report/internal/status"
)

// SlotState tracks a ring slot through its lifecycle.
type SlotState int32

const (
	SlotFree SlotState = iota
	SlotProcessing
	SlotFilled
)

// Block is one fixed-size region of the shared ring: a header area holding a
// status-buffer snapshot plus per-block counters, and a data area organized
// [FID][STREAM][CHAN][TIME].
type Block struct {
	Header []byte
	Data   []byte

	// BlockNum is the absolute block number, pktidx / PIPERBLK. Valid only
	// while the block is held by the ingest.
	BlockNum int64

	// NPacket counts packets scattered into this block since initialization.
	NPacket int

	slot int
}

// BlockRing is the fixed-capacity ring of raw blocks shared between the
// ingest (producer) and a downstream consumer. Slots move FREE → PROCESSING →
// FILLED → FREE in strict order on both sides; publication is through
// buffered channels sized to the ring so a send never blocks.
type BlockRing struct {
	blocks []*Block

	freeCh   chan *Block
	filledCh chan *Block
	done     chan struct{}

	mu        sync.Mutex
	state     []SlotState
	closeOnce sync.Once
}

// NewBlockRing allocates n blocks of the given data size.
func NewBlockRing(n, blockDataSize int) *BlockRing {
	r := &BlockRing{
		blocks:   make([]*Block, n),
		freeCh:   make(chan *Block, n),
		filledCh: make(chan *Block, n),
		done:     make(chan struct{}),
		state:    make([]SlotState, n),
	}
	for i := 0; i < n; i++ {
		b := &Block{
			Header: make([]byte, status.TotalSize),
			Data:   make([]byte, blockDataSize),
			slot:   i,
		}
		r.blocks[i] = b
		r.freeCh <- b
	}
	return r
}

// Cap returns the total number of slots.
func (r *BlockRing) Cap() int { return len(r.blocks) }

// Used returns how many slots are not free.
func (r *BlockRing) Used() int {
	return len(r.blocks) - len(r.freeCh)
}

// Close shuts the ring down; pending and future waits fail with ErrClosed.
func (r *BlockRing) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *BlockRing) closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *BlockRing) transition(b *Block, from, to SlotState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state[b.slot] != from {
		return fmt.Errorf("slot %d in state %d, expected %d", b.slot, r.state[b.slot], from)
	}
	r.state[b.slot] = to
	return nil
}

// WaitFree blocks until a free slot is available, the timeout expires
// (ErrTimeout) or ctx is cancelled. The returned block is in PROCESSING state
// and owned exclusively by the caller until SetFilled.
func (r *BlockRing) WaitFree(ctx context.Context, timeout time.Duration) (*Block, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	case <-t.C:
		return nil, ErrTimeout
	case b := <-r.freeCh:
		if err := r.transition(b, SlotFree, SlotProcessing); err != nil {
			return nil, err
		}
		return b, nil
	}
}

// SetFilled publishes a processed block to the consumer.
func (r *BlockRing) SetFilled(b *Block) error {
	if r.closed() {
		return ErrClosed
	}
	if err := r.transition(b, SlotProcessing, SlotFilled); err != nil {
		return err
	}
	r.filledCh <- b
	return nil
}

// WaitFilled blocks until a filled block is available, the timeout expires
// (ErrTimeout) or ctx is cancelled. Blocks are delivered in the order they
// were filled.
func (r *BlockRing) WaitFilled(ctx context.Context, timeout time.Duration) (*Block, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	case <-t.C:
		return nil, ErrTimeout
	case b := <-r.filledCh:
		return b, nil
	}
}

// SetFree recycles a consumed block.
func (r *BlockRing) SetFree(b *Block) error {
	if r.closed() {
		return ErrClosed
	}
	if err := r.transition(b, SlotFilled, SlotFree); err != nil {
		return err
	}
	b.BlockNum = 0
	b.NPacket = 0
	r.freeCh <- b
	return nil
}
