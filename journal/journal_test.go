package journal

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	j := New(path)

	base := Entry{
		ClosedAt:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		Symbol:     "BTCUSDT",
		EntryPrice: 30000,
		ExitPrice:  30500,
		Quantity:   0.01,
	}
	for i := 0; i < 2; i++ {
		if err := j.Append(base); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2 entries", len(rows))
	}
	if rows[0][0] != "closed_at" {
		t.Fatalf("first row should be the header, got %v", rows[0])
	}
	if rows[1][1] != "BTCUSDT" || rows[1][2] != "30000" {
		t.Fatalf("unexpected entry row: %v", rows[1])
	}
}

func TestAppendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")

	e := Entry{ClosedAt: time.Now(), Symbol: "ETHUSDT", RealizedPnL: -3.5, CumulativePnL: -3.5}
	if err := New(path).Append(e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// A fresh Journal over the same file must not repeat the header.
	if err := New(path).Append(e); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2 entries", len(rows))
	}
}
