// Package journal appends completed round trips to a CSV file for offline
// analysis. The journal is an audit trail, not state: the bot never reads it
// back.
package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

var header = []string{
	"closed_at", "symbol", "entry_price", "exit_price",
	"quantity", "fees", "realized_pnl", "cumulative_pnl",
}

// Entry is one closed trade.
type Entry struct {
	ClosedAt      time.Time
	Symbol        string
	EntryPrice    float64
	ExitPrice     float64
	Quantity      float64
	Fees          float64
	RealizedPnL   float64
	CumulativePnL float64
}

// Journal is an append-only CSV writer. Safe for concurrent use.
type Journal struct {
	mu   sync.Mutex
	path string
}

func New(path string) *Journal {
	return &Journal{path: path}
}

// Append writes one row, emitting the header first when the file is new.
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	info, err := os.Stat(j.path)
	writeHeader := os.IsNotExist(err) || (err == nil && info.Size() == 0)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stat journal %s: %w", j.path, err)
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", j.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write journal header: %w", err)
		}
	}
	row := []string{
		e.ClosedAt.UTC().Format(time.RFC3339),
		e.Symbol,
		fmtFloat(e.EntryPrice),
		fmtFloat(e.ExitPrice),
		fmtFloat(e.Quantity),
		fmtFloat(e.Fees),
		fmtFloat(e.RealizedPnL),
		fmtFloat(e.CumulativePnL),
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write journal row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	return f.Sync()
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
