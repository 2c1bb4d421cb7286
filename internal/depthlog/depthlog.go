package depthlog

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	_ "modernc.org/sqlite"

	"krakenbot/pkg/kraken"
)

const (
	flushInterval = 2 * time.Second
	maxBatch      = 256
)

// Logger persists L2 book frames to SQLite for offline analysis. Rows are
// batched and flushed on a timer so the hot path only appends to a slice.
type Logger struct {
	db *sql.DB

	mu      sync.Mutex
	pending []row
	closed  bool

	stop chan struct{}
	done chan struct{}
}

type row struct {
	tsMs     int64
	pair     string
	side     string
	price    float64
	qty      float64
	snapshot bool
}

// Open creates (or reuses) the depth database at path.
func Open(path string) (*Logger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("depthlog: open %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS depth (
			ts_ms    INTEGER NOT NULL,
			pair     TEXT    NOT NULL,
			side     TEXT    NOT NULL,
			price    REAL    NOT NULL,
			qty      REAL    NOT NULL,
			snapshot INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_depth_ts ON depth (ts_ms);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("depthlog: create schema: %w", err)
	}

	l := &Logger{
		db:   db,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.flushLoop()
	return l, nil
}

// Record ingests one book delta. Safe to use as a WS book handler alongside
// the orchestrator's own handler.
func (l *Logger) Record(delta kraken.BookDelta) {
	now := time.Now().UnixMilli()
	snapshot := delta.Type == "snapshot"

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for _, lvl := range delta.Bids {
		l.pending = append(l.pending, row{tsMs: now, pair: delta.Symbol, side: "bid", price: lvl.Price, qty: lvl.Qty, snapshot: snapshot})
	}
	for _, lvl := range delta.Asks {
		l.pending = append(l.pending, row{tsMs: now, pair: delta.Symbol, side: "ask", price: lvl.Price, qty: lvl.Qty, snapshot: snapshot})
	}
	if len(l.pending) >= maxBatch {
		l.flushLocked()
	}
}

// Close flushes pending rows and shuts the database.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.flushLocked()
	l.mu.Unlock()

	close(l.stop)
	<-l.done
	return l.db.Close()
}

func (l *Logger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.flushLocked()
			l.mu.Unlock()
		}
	}
}

// flushLocked writes pending rows in one transaction. Caller holds l.mu.
func (l *Logger) flushLocked() {
	if len(l.pending) == 0 {
		return
	}
	batch := l.pending
	l.pending = nil

	tx, err := l.db.Begin()
	if err != nil {
		logx.Errorf("depthlog: begin tx: %v", err)
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO depth (ts_ms, pair, side, price, qty, snapshot) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		logx.Errorf("depthlog: prepare insert: %v", err)
		_ = tx.Rollback()
		return
	}
	for _, r := range batch {
		if _, err := stmt.Exec(r.tsMs, r.pair, r.side, r.price, r.qty, boolToInt(r.snapshot)); err != nil {
			logx.Errorf("depthlog: insert row: %v", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		logx.Errorf("depthlog: commit: %v", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
