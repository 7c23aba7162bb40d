package network

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hatcreek-data/voltage.report/internal/monitoring"
	"github.com/hatcreek-data/voltage.report/internal/voltage"
)

// ReplaySource feeds the ingest from a PCAP capture of F-engine traffic.
// It implements voltage.PacketSource with no-op flow management, so the same
// ingest loop and state machine run unchanged against recorded data.
type ReplaySource struct {
	path     string
	port     int
	paced    bool // honour capture timestamps instead of replaying flat out
	slotSize int
	perBlock int

	freeCh   chan *voltage.InputBlock
	filledCh chan *voltage.InputBlock

	flows int
	done  chan struct{}
}

// NewReplaySource creates a replay source for UDP frames addressed to the
// given port. When paced is true the inter-packet gaps of the capture are
// reproduced.
func NewReplaySource(path string, port int, paced bool) *ReplaySource {
	const (
		slotSize = 8192
		perBlock = 512
		nBlocks  = 8
	)
	s := &ReplaySource{
		path:     path,
		port:     port,
		paced:    paced,
		slotSize: slotSize,
		perBlock: perBlock,
		freeCh:   make(chan *voltage.InputBlock, nBlocks),
		filledCh: make(chan *voltage.InputBlock, nBlocks),
		done:     make(chan struct{}),
	}
	for i := 0; i < nBlocks; i++ {
		s.freeCh <- voltage.NewInputBlock(perBlock, slotSize)
	}
	return s
}

// Start launches the replay goroutine. The source delivers voltage.ErrClosed
// from WaitFilled once the capture is exhausted.
func (s *ReplaySource) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		if err := s.replay(ctx); err != nil && ctx.Err() == nil {
			monitoring.Logf("PCAP replay failed: %v", err)
		}
	}()
}

func (s *ReplaySource) replay(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open capture %s: %w", s.path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read capture %s: %w", s.path, err)
	}

	var cur *voltage.InputBlock
	var prevTS time.Time
	count := 0
	start := time.Now()

	publish := func() error {
		if cur == nil || cur.Count() == 0 {
			return nil
		}
		cur.Filled = time.Now()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.filledCh <- cur:
		}
		cur = nil
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			if perr := publish(); perr != nil {
				return perr
			}
			elapsed := time.Since(start)
			monitoring.Logf("PCAP replay complete: %d frame(s) in %v", count, elapsed)
			return nil
		}
		if err != nil {
			return fmt.Errorf("capture read failed: %w", err)
		}

		pkt := gopacket.NewPacket(data, r.LinkType(), gopacket.Lazy)
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || int(udp.DstPort) != s.port || len(udp.Payload) == 0 {
			continue
		}

		if s.paced && !prevTS.IsZero() {
			if gap := ci.Timestamp.Sub(prevTS); gap > 0 {
				time.Sleep(gap)
			}
		}
		prevTS = ci.Timestamp

		if cur == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cur = <-s.freeCh:
				cur.Reset()
			}
		}
		cur.Append(udp.Payload)
		count++
		if cur.Count() == cur.NSlots() {
			if err := publish(); err != nil {
				return err
			}
		}
	}
}

// WaitFilled returns the next replayed batch. After the capture is exhausted
// and all blocks are drained it returns voltage.ErrClosed.
func (s *ReplaySource) WaitFilled(ctx context.Context, timeout time.Duration) (*voltage.InputBlock, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case blk := <-s.filledCh:
		return blk, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case blk := <-s.filledCh:
		return blk, nil
	case <-s.done:
		return nil, voltage.ErrClosed
	case <-t.C:
		return nil, voltage.ErrTimeout
	}
}

// SetFree recycles a consumed block.
func (s *ReplaySource) SetFree(blk *voltage.InputBlock) {
	blk.Reset()
	s.freeCh <- blk
}

// InstallFlow records the flow request; replay traffic is whatever the
// capture holds.
func (s *ReplaySource) InstallFlow(destIP string, port int) error {
	s.flows++
	return nil
}

// TeardownFlows forgets installed flows.
func (s *ReplaySource) TeardownFlows() error {
	s.flows = 0
	return nil
}

// FlowCount returns the number of recorded flow installs.
func (s *ReplaySource) FlowCount() int { return s.flows }
