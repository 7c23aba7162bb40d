// Package obsdb persists observation metadata: one row per recording session
// and one row per finalized block, so drop behaviour can be audited long
// after the voltage data has moved to the processing cluster.
package obsdb

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	_ "modernc.org/sqlite"

	"gonum.org/v1/gonum/stat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the observation database handle.
type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the observation database at path and
// applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	wrapper := &DB{db}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sub-filesystem for embedded migrations: %w", err)
	}
	if err := wrapper.MigrateUp(sub); err != nil {
		db.Close()
		return nil, err
	}
	return wrapper, nil
}

// applyPragmas sets the SQLite operating modes the ingest relies on:
// WAL for concurrent readers, a busy timeout so the monitor never sees an
// immediate "database is locked".
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// BlockRow is one finalized block's statistics.
type BlockRow struct {
	BlockNum      int64
	PktIdx        int64
	NPkt          int
	NDrop         int
	FinalizedUnix int64
	SessionID     string
}

// RecordBlock inserts one finalized block row. SessionID may be empty while
// no recording session is open.
func (db *DB) RecordBlock(row BlockRow) error {
	if row.FinalizedUnix == 0 {
		row.FinalizedUnix = time.Now().Unix()
	}
	_, err := db.Exec(
		`INSERT INTO obs_block (block_num, pktidx, npkt, ndrop, finalized_unix, session_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.BlockNum, row.PktIdx, row.NPkt, row.NDrop, row.FinalizedUnix, row.SessionID)
	return err
}

// RecordSession inserts a recording session row when a session file opens.
func (db *DB) RecordSession(id, path string) error {
	_, err := db.Exec(
		`INSERT INTO obs_session (session_id, file_path, started_unix) VALUES (?, ?, ?)`,
		id, path, time.Now().Unix())
	return err
}

// RecentBlocks returns the last n finalized blocks, newest first.
func (db *DB) RecentBlocks(n int) ([]BlockRow, error) {
	rows, err := db.Query(
		`SELECT block_num, pktidx, npkt, ndrop, finalized_unix, COALESCE(session_id, '')
		 FROM obs_block ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlockRow
	for rows.Next() {
		var r BlockRow
		if err := rows.Scan(&r.BlockNum, &r.PktIdx, &r.NPkt, &r.NDrop, &r.FinalizedUnix, &r.SessionID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DropSummary aggregates drop behaviour over the most recent blocks.
type DropSummary struct {
	Blocks        int
	MeanDropRatio float64
	MaxDropRatio  float64
	TotalDropped  int64
}

// SummarizeDrops computes drop statistics over the last n blocks.
func (db *DB) SummarizeDrops(n int) (DropSummary, error) {
	blocks, err := db.RecentBlocks(n)
	if err != nil {
		return DropSummary{}, err
	}
	s := DropSummary{Blocks: len(blocks)}
	if len(blocks) == 0 {
		return s, nil
	}
	ratios := make([]float64, 0, len(blocks))
	for _, b := range blocks {
		total := b.NPkt + b.NDrop
		if total == 0 {
			continue
		}
		ratio := float64(b.NDrop) / float64(total)
		ratios = append(ratios, ratio)
		if ratio > s.MaxDropRatio {
			s.MaxDropRatio = ratio
		}
		s.TotalDropped += int64(b.NDrop)
	}
	if len(ratios) > 0 {
		s.MeanDropRatio = stat.Mean(ratios, nil)
	}
	return s, nil
}
