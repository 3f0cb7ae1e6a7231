package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"atrbot/atr"
	"atrbot/risk"
	"atrbot/strategy"
)

func TestFileStoreMissingSnapshot(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	snap, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot for missing file, got %+v", snap)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewFileStore(path)

	want := Snapshot{
		Symbol: "BTCUSDT",
		Position: strategy.Position{
			Mode:           strategy.ModeLong,
			ReferencePrice: 30000,
			EntryPrice:     30000,
			EntryFee:       1.5,
			Quantity:       0.01,
		},
		Risk: risk.Snapshot{
			TradesToday:       2,
			RealizedLossToday: 12.5,
			Day:               "2026-03-10",
		},
		ATR:         atr.State{Window: 14, TRs: []float64{2, 3, 4}, PrevClose: 30000, Seeded: true},
		RealizedPnL: -12.5,
		CumFees:     3.2,
		UpdatedAt:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	if err := s.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("expected snapshot")
	}
	if got.Version != SnapshotVersion {
		t.Fatalf("version = %d, want %d", got.Version, SnapshotVersion)
	}
	if got.Position != want.Position {
		t.Fatalf("position = %+v, want %+v", got.Position, want.Position)
	}
	if got.Risk.TradesToday != 2 || got.Risk.Day != "2026-03-10" {
		t.Fatalf("risk = %+v", got.Risk)
	}
	if len(got.ATR.TRs) != 3 || !got.ATR.Seeded {
		t.Fatalf("atr = %+v", got.ATR)
	}
	if got.RealizedPnL != want.RealizedPnL || got.CumFees != want.CumFees {
		t.Fatalf("pnl/fees = %v/%v", got.RealizedPnL, got.CumFees)
	}
}

func TestFileStoreToleratesMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	// A snapshot written by an older build has no pnl or fee fields.
	older := `{"version":1,"symbol":"BTCUSDT","position":{"mode":"FLAT","reference_price":30000},` +
		`"risk":{"trades_today":1,"day":"2026-08-28"},"atr":{"window":14}}`
	if err := os.WriteFile(path, []byte(older), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	snap, err := NewFileStore(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap == nil {
		t.Fatal("expected snapshot")
	}
	if snap.Position.ReferencePrice != 30000 || snap.RealizedPnL != 0 || snap.CumFees != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestFileStoreCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := NewFileStore(path).Load(context.Background())
	if err == nil {
		t.Fatal("corrupt snapshot must error")
	}
	if !strings.Contains(err.Error(), "corrupt") {
		t.Fatalf("error should name corruption, got %v", err)
	}
}

func TestFileStoreRejectsFutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"version": 99, "symbol": "BTCUSDT", "position": {"mode": "FLAT"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(context.Background()); err == nil {
		t.Fatal("future version must error")
	}
}

func TestFileStoreRejectsInvalidPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	body := `{"version": 1, "symbol": "BTCUSDT", "position": {"mode": "LONG", "quantity": 0}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(context.Background()); err == nil {
		t.Fatal("invalid position must error")
	}
}

func TestFileStoreSaveRejectsInvalidPosition(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "state.json"))

	// Zero-value position: mode "" would be refused by Load later.
	if err := s.Save(context.Background(), Snapshot{Symbol: "ETHUSDT"}); err == nil {
		t.Fatal("expected save of invalid position to error")
	}
}

func TestFileStoreOverwriteKeepsLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewFileStore(path)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		snap := Snapshot{
			Symbol:      "ETHUSDT",
			Position:    strategy.Position{Mode: strategy.ModeFlat},
			RealizedPnL: float64(i),
		}
		if err := s.Save(ctx, snap); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || got.RealizedPnL != 3 {
		t.Fatalf("expected latest snapshot with RealizedPnL 3, got %+v", got)
	}
}
