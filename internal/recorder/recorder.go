// Package recorder implements the downstream consumer of the block ring: a
// GUPPI raw file writer. Blocks produced inside a record window are appended
// to the current session file; blocks outside one are discarded so the ring
// keeps turning while the telescope is only listening.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hatcreek-data/voltage.report/internal/monitoring"
	"github.com/hatcreek-data/voltage.report/internal/status"
	"github.com/hatcreek-data/voltage.report/internal/voltage"
)

const fillWaitSlice = 100 * time.Millisecond

// Recorder drains filled blocks from the output ring into raw files.
type Recorder struct {
	ring *voltage.BlockRing
	dir  string

	// OnSession, when set, is called with the session id and file path each
	// time a new recording session opens.
	OnSession func(id, path string)

	session string
	file    *os.File
	written int64
	blocks  int
}

// New creates a recorder writing session files under dir.
func New(ring *voltage.BlockRing, dir string) *Recorder {
	return &Recorder{ring: ring, dir: dir}
}

// Run consumes the ring until ctx is cancelled or the ring closes. Every
// block is freed back to the ring exactly once, written or not.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.closeSession()
	for {
		blk, err := r.ring.WaitFilled(ctx, fillWaitSlice)
		if err != nil {
			switch {
			case errors.Is(err, voltage.ErrTimeout):
				continue
			case errors.Is(err, voltage.ErrClosed),
				errors.Is(err, context.Canceled),
				errors.Is(err, context.DeadlineExceeded):
				return nil
			default:
				return err
			}
		}

		if werr := r.handleBlock(blk); werr != nil {
			monitoring.Logf("Recorder write failed: %v", werr)
			r.closeSession()
		}
		if ferr := r.ring.SetFree(blk); ferr != nil && !errors.Is(ferr, voltage.ErrClosed) {
			return ferr
		}
	}
}

// handleBlock writes one block when its header shows an active record
// window, and rotates the session file on window edges.
func (r *Recorder) handleBlock(blk *voltage.Block) error {
	hdr := status.ParseRecords(blk.Header)
	recording := hdr[voltage.KeyDAQState] == voltage.DAQRecord.String() && hdr[voltage.KeySTTValid] == "1"

	if !recording {
		// A closed window ends the session; the next window opens a new file.
		r.closeSession()
		return nil
	}

	if r.file == nil {
		if err := r.openSession(); err != nil {
			return err
		}
	}

	blocSize := len(blk.Data)
	if v, ok := hdr[voltage.KeyBlocSize]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= len(blk.Data) {
			blocSize = n
		}
	}

	if _, err := r.file.Write(blk.Header); err != nil {
		return err
	}
	n, err := r.file.Write(blk.Data[:blocSize])
	if err != nil {
		return err
	}
	r.written += int64(len(blk.Header) + n)
	r.blocks++
	return nil
}

func (r *Recorder) openSession() error {
	id := uuid.NewString()
	path := filepath.Join(r.dir, fmt.Sprintf("voltages_%s.raw", id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	r.session = id
	r.file = f
	r.written = 0
	r.blocks = 0
	monitoring.Logf("Recording session %s -> %s", id, path)
	if r.OnSession != nil {
		r.OnSession(id, path)
	}
	return nil
}

func (r *Recorder) closeSession() {
	if r.file == nil {
		return
	}
	name := r.file.Name()
	if err := r.file.Close(); err != nil {
		monitoring.Logf("Failed to close %s: %v", name, err)
	} else {
		monitoring.Logf("Closed session %s: %d block(s), %d bytes", r.session, r.blocks, r.written)
	}
	r.file = nil
	r.session = ""
}
