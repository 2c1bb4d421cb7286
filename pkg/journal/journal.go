package journal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// Record captures one decision cycle for the audit trail.
type Record struct {
	Timestamp        time.Time
	Pair             string
	Action           string
	SizePct          *float64
	EntryType        string
	EntryOffsetBps   *float64
	StopATR          *float64
	TPATR            *float64
	Followups        []string
	Comment          string
	Price            float64
	ConfluenceScore  int
	VolatilityRegime string
	TrendRegime      string
	MomentumRegime   string
	Reasons          []string
	DryRun           bool
}

var header = []string{
	"timestamp", "pair", "action", "size_pct", "entry_type", "entry_offset_bps",
	"stop_atr", "tp_atr", "followups", "comment", "price", "confluence_score",
	"volatility_regime", "trend_regime", "momentum_regime", "reasons", "dry_run",
}

// Writer appends decision records to a CSV file. Writes flow through a
// single goroutine so rows are never interleaved.
type Writer struct {
	path string

	queue chan Record
	done  chan struct{}
	once  sync.Once
}

// NewWriter opens (or creates) the CSV sink at path. The header row is
// written when the file is new or empty.
func NewWriter(path string) (*Writer, error) {
	if path == "" {
		path = "decisions.csv"
	}
	info, err := os.Stat(path)
	needHeader := err != nil || info.Size() == 0

	if needHeader {
		if err := appendLine(path, strings.Join(header, ",")); err != nil {
			return nil, fmt.Errorf("journal: write header: %w", err)
		}
	}

	w := &Writer{
		path:  path,
		queue: make(chan Record, 64),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w, nil
}

// Append enqueues one record. The call never blocks the trading loop for
// longer than it takes to hand the record to the writer goroutine.
func (w *Writer) Append(rec Record) {
	select {
	case w.queue <- rec:
	case <-w.done:
	}
}

// Close flushes queued records and stops the writer goroutine.
func (w *Writer) Close() {
	w.once.Do(func() {
		close(w.queue)
		<-w.done
	})
}

func (w *Writer) drain() {
	defer close(w.done)
	for rec := range w.queue {
		if err := appendLine(w.path, encodeRecord(rec)); err != nil {
			logx.Errorf("journal: append failed: %v", err)
		}
	}
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func encodeRecord(rec Record) string {
	fields := []string{
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.Pair,
		rec.Action,
		optNum(rec.SizePct),
		rec.EntryType,
		optNum(rec.EntryOffsetBps),
		optNum(rec.StopATR),
		optNum(rec.TPATR),
		strings.Join(rec.Followups, ";"),
		rec.Comment,
		strconv.FormatFloat(rec.Price, 'f', -1, 64),
		strconv.Itoa(rec.ConfluenceScore),
		rec.VolatilityRegime,
		rec.TrendRegime,
		rec.MomentumRegime,
		strings.Join(rec.Reasons, ";"),
		strconv.FormatBool(rec.DryRun),
	}
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = Escape(f)
	}
	return strings.Join(escaped, ",")
}

func optNum(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Escape quotes a field when it contains a quote, comma or newline,
// doubling internal quotes.
func Escape(field string) string {
	if !strings.ContainsAny(field, "\",\n") {
		return field
	}
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}

// Unescape reverses Escape.
func Unescape(field string) string {
	if len(field) < 2 || !strings.HasPrefix(field, `"`) || !strings.HasSuffix(field, `"`) {
		return field
	}
	inner := field[1 : len(field)-1]
	return strings.ReplaceAll(inner, `""`, `"`)
}
