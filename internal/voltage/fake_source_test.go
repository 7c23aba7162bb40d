package voltage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeSource is an in-memory PacketSource for tests: frames are queued with
// push and delivered as input blocks.
type fakeSource struct {
	mu     sync.Mutex
	queue  []*InputBlock
	flows  []string
	failIP string // InstallFlow for this address fails
}

func newFakeSource() *fakeSource { return &fakeSource{} }

// push queues one input block built from the given frames.
func (s *fakeSource) push(frames ...[]byte) {
	blk := NewInputBlock(len(frames), 8192)
	for _, f := range frames {
		blk.Append(f)
	}
	blk.Filled = time.Now()
	s.mu.Lock()
	s.queue = append(s.queue, blk)
	s.mu.Unlock()
}

func (s *fakeSource) WaitFilled(ctx context.Context, timeout time.Duration) (*InputBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		time.Sleep(time.Millisecond) // keep test loops from spinning hot
		return nil, ErrTimeout
	}
	blk := s.queue[0]
	s.queue = s.queue[1:]
	return blk, nil
}

func (s *fakeSource) SetFree(blk *InputBlock) { blk.Reset() }

func (s *fakeSource) InstallFlow(destIP string, port int) error {
	if destIP == s.failIP {
		return fmt.Errorf("install refused for %s", destIP)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = append(s.flows, fmt.Sprintf("%s:%d", destIP, port))
	return nil
}

func (s *fakeSource) TeardownFlows() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = nil
	return nil
}

func (s *fakeSource) FlowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}
