// Package network implements the capture side of the voltage ingest: packet
// sources that fill slot-aligned input blocks from UDP flows or from capture
// files, decoupled from the ingest loop by a pair of block channels.
package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hatcreek-data/voltage.report/internal/monitoring"
	"github.com/hatcreek-data/voltage.report/internal/voltage"
)

// flowConn is what a flow reader needs from its socket. *net.UDPConn
// satisfies it as-is; tests substitute an in-memory queue.
type flowConn interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// openFlowConn binds a real socket for one flow destination.
func openFlowConn(laddr *net.UDPAddr) (flowConn, error) {
	return net.ListenUDP("udp4", laddr)
}

// UDPSourceConfig contains configuration options for the UDP packet source.
type UDPSourceConfig struct {
	BindHost      string                               // stored only; flows bind to their destination address
	SlotSize      int                                  // max frame bytes per slot
	SlotsPerBlock int                                  // frames per input block
	NBlocks       int                                  // input ring depth
	RcvBuf        int                                  // kernel receive buffer per flow
	FlushInterval time.Duration                        // max age of a partially filled block
	OpenConn      func(*net.UDPAddr) (flowConn, error) // flow socket binding, swappable for tests
}

// UDPSource receives F-engine frames on one or more installed flows and
// batches them into slot-aligned input blocks. It implements
// voltage.PacketSource.
type UDPSource struct {
	cfg UDPSourceConfig

	freeCh   chan *voltage.InputBlock
	filledCh chan *voltage.InputBlock
	packetCh chan []byte
	bufPool  sync.Pool

	mu    sync.Mutex
	flows []*flow

	dropped     atomic.Int64
	lastDropLog atomic.Int64 // unix nanos of the last overrun log line
}

type flow struct {
	conn flowConn
	stop chan struct{}
	done chan struct{}
}

// NewUDPSource creates a source with the provided configuration, filling in
// defaults for anything unset.
func NewUDPSource(cfg UDPSourceConfig) *UDPSource {
	if cfg.SlotSize == 0 {
		cfg.SlotSize = 8192
	}
	if cfg.SlotsPerBlock == 0 {
		cfg.SlotsPerBlock = 2048
	}
	if cfg.NBlocks == 0 {
		cfg.NBlocks = 8
	}
	if cfg.RcvBuf == 0 {
		cfg.RcvBuf = 4 << 20
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Millisecond
	}
	if cfg.OpenConn == nil {
		cfg.OpenConn = openFlowConn
	}

	s := &UDPSource{
		cfg:      cfg,
		freeCh:   make(chan *voltage.InputBlock, cfg.NBlocks),
		filledCh: make(chan *voltage.InputBlock, cfg.NBlocks),
		packetCh: make(chan []byte, cfg.SlotsPerBlock),
	}
	s.bufPool.New = func() interface{} {
		b := make([]byte, cfg.SlotSize)
		return &b
	}
	for i := 0; i < cfg.NBlocks; i++ {
		s.freeCh <- voltage.NewInputBlock(cfg.SlotsPerBlock, cfg.SlotSize)
	}
	return s
}

// Start runs the collector goroutine that packs received frames into input
// blocks. It returns immediately; the collector exits when ctx is cancelled.
func (s *UDPSource) Start(ctx context.Context) {
	go s.collect(ctx)
}

// collect drains packetCh into the current input block, publishing a block
// when it fills or when the flush interval expires with frames pending.
func (s *UDPSource) collect(ctx context.Context) {
	var cur *voltage.InputBlock
	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()

	publish := func() {
		if cur == nil || cur.Count() == 0 {
			return
		}
		cur.Filled = time.Now()
		s.filledCh <- cur
		cur = nil
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-flush.C:
			publish()

		case buf := <-s.packetCh:
			if cur == nil {
				select {
				case cur = <-s.freeCh:
					cur.Reset()
				default:
					// Ingest is behind and every block is in flight: the
					// frame is lost here rather than blocking the readers.
					s.countDrop()
					s.releaseBuf(buf)
					continue
				}
			}
			cur.Append(buf)
			s.releaseBuf(buf)
			if cur.Count() == cur.NSlots() {
				publish()
			}
		}
	}
}

func (s *UDPSource) releaseBuf(b []byte) {
	b = b[:cap(b)]
	s.bufPool.Put(&b)
}

func (s *UDPSource) countDrop() {
	n := s.dropped.Add(1)
	last := s.lastDropLog.Load()
	now := time.Now().UnixNano()
	if now-last >= int64(5*time.Second) && s.lastDropLog.CompareAndSwap(last, now) {
		monitoring.Logf("Input overrun: %d frame(s) lost before ingest", n)
	}
}

// WaitFilled returns the next batch of frames, voltage.ErrTimeout when none
// arrives in time, or ctx.Err on cancellation.
func (s *UDPSource) WaitFilled(ctx context.Context, timeout time.Duration) (*voltage.InputBlock, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, voltage.ErrTimeout
	case blk := <-s.filledCh:
		return blk, nil
	}
}

// SetFree returns a consumed block to the pool.
func (s *UDPSource) SetFree(blk *voltage.InputBlock) {
	blk.Reset()
	s.freeCh <- blk
}

// InstallFlow binds a socket for one destination address and starts its
// reader. The socket is bound to the destination address itself; no
// multicast group membership is requested.
func (s *UDPSource) InstallFlow(destIP string, port int) error {
	ip := net.ParseIP(destIP)
	if ip == nil {
		return fmt.Errorf("bad flow address %q", destIP)
	}
	conn, err := s.cfg.OpenConn(&net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return fmt.Errorf("failed to bind flow %s:%d: %w", destIP, port, err)
	}
	if err := conn.SetReadBuffer(s.cfg.RcvBuf); err != nil {
		monitoring.Logf("Warning: failed to set receive buffer to %d on %s: %v", s.cfg.RcvBuf, conn.LocalAddr(), err)
	}

	f := &flow{conn: conn, stop: make(chan struct{}), done: make(chan struct{})}
	s.mu.Lock()
	s.flows = append(s.flows, f)
	s.mu.Unlock()
	go s.read(f)

	monitoring.Logf("Flow installed on %s", conn.LocalAddr())
	return nil
}

// read pulls datagrams off one flow socket into the shared packet channel.
// The short read deadline keeps teardown responsive.
func (s *UDPSource) read(f *flow) {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			return
		default:
		}

		f.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		bufp := s.bufPool.Get().(*[]byte)
		buf := *bufp
		n, _, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			s.releaseBuf(buf)
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-f.stop:
				return
			default:
				monitoring.Logf("UDP read error on %s: %v", f.conn.LocalAddr(), err)
				continue
			}
		}
		select {
		case s.packetCh <- buf[:n]:
		default:
			s.countDrop()
			s.releaseBuf(buf)
		}
	}
}

// TeardownFlows stops all readers and closes their sockets.
func (s *UDPSource) TeardownFlows() error {
	s.mu.Lock()
	flows := s.flows
	s.flows = nil
	s.mu.Unlock()

	var firstErr error
	for _, f := range flows {
		close(f.stop)
		if err := f.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		<-f.done
	}
	if len(flows) > 0 {
		monitoring.Logf("Tore down %d flow(s)", len(flows))
	}
	return firstErr
}

// FlowCount returns the number of active flows.
func (s *UDPSource) FlowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}
