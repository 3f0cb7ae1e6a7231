package trader

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"atrbot/featureflag"
	"atrbot/market"
	"atrbot/risk"
	"atrbot/sizing"
	"atrbot/store"
	"atrbot/strategy"
)

// fakeFetcher replays a scripted price path, one sample per cycle, repeating
// the last sample once exhausted.
type fakeFetcher struct {
	samples []market.Sample
	idx     int
}

// bar builds a degenerate candle (high = low = close) so the true range is
// exactly the gap from the previous close. Keeps expected ATR values easy to
// compute by hand.
func bar(close float64) market.Sample {
	return market.Sample{High: close, Low: close, Close: close}
}

// rangeBar builds a candle with an explicit high/low range.
func rangeBar(high, low, close float64) market.Sample {
	return market.Sample{High: high, Low: low, Close: close}
}

func (f *fakeFetcher) Latest(context.Context, string) (market.Sample, error) {
	if f.idx >= len(f.samples) {
		return f.samples[len(f.samples)-1], nil
	}
	s := f.samples[f.idx]
	f.idx++
	return s, nil
}

// fakeVenue fills every order instantly at the current mark price. A
// sellFillFraction between 0 and 1 makes SELL orders fill only partially.
type fakeVenue struct {
	cons             sizing.Constraints
	feeBps           float64
	markPrice        float64
	fills            []Fill
	placeErr         error
	sellFillFraction float64
}

func (v *fakeVenue) SetMarkPrice(_ string, price float64) { v.markPrice = price }

func (v *fakeVenue) Constraints(context.Context, string) (sizing.Constraints, error) {
	return v.cons, nil
}

func (v *fakeVenue) PlaceOrder(_ context.Context, intent OrderIntent) (Fill, error) {
	if v.placeErr != nil {
		return Fill{}, v.placeErr
	}
	qty := intent.Quantity
	if intent.Side == SideSell && v.sellFillFraction > 0 && v.sellFillFraction < 1 {
		qty *= v.sellFillFraction
	}
	fill := Fill{
		OrderID:  "fake",
		Side:     intent.Side,
		Quantity: qty,
		Price:    v.markPrice,
		Fee:      qty * v.markPrice * v.feeBps / 10000,
		Time:     time.Now().UTC(),
	}
	v.fills = append(v.fills, fill)
	return fill, nil
}

// Standard warm-up: two bars with range 4... no, range 2 around close 100.
// Window 2 gives ATR=2 and entry trigger 100 - 1.5*2 = 97 before the third
// bar moves the window.
func warmup() []market.Sample {
	return []market.Sample{
		rangeBar(101, 99, 100), // TR 2 (first sample: high-low)
		rangeBar(101, 99, 100), // TR 2, ATR = 2
	}
}

func newTestAutoTrader(t *testing.T, venue *fakeVenue, fetcher market.Fetcher, snapshots store.Store, mutate func(*AutoTraderConfig)) *AutoTrader {
	t.Helper()

	cfg := AutoTraderConfig{
		ID:        "test-bot",
		Symbol:    "BTCUSDT",
		ATRWindow: 2,
		Strategy:  strategy.Config{K: 1.5, StopEnabled: true, StopATR: 1.0},
		Sizing:    sizing.Config{Mode: sizing.ModeQuantity, Quantity: 0.01},
		Risk:      risk.Parameters{},
		TraderFactory: func(AutoTraderConfig) (Trader, error) {
			return venue, nil
		},
		Fetcher: fetcher,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	at, err := NewAutoTrader(cfg, snapshots, nil, featureflag.NewRuntimeFlags(featureflag.DefaultState()))
	if err != nil {
		t.Fatalf("NewAutoTrader: %v", err)
	}
	return at
}

func runCycles(t *testing.T, at *AutoTrader, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := at.Cycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
	}
}

func TestCycleEntersAndExits(t *testing.T) {
	// Bar 3 gaps down to 93: TR 7, ATR (2+7)/2 = 4.5, trigger 100-6.75 =
	// 93.25, so 93 buys. Bar 4 gaps up to 120: TR 27, ATR (7+27)/2 = 17,
	// target 93+25.5 = 118.5, so 120 sells.
	fetcher := &fakeFetcher{samples: append(warmup(), bar(93), bar(120))}
	venue := &fakeVenue{}
	at := newTestAutoTrader(t, venue, fetcher, nil, nil)

	runCycles(t, at, 3)
	if len(venue.fills) != 1 || venue.fills[0].Side != SideBuy {
		t.Fatalf("expected one BUY fill, got %+v", venue.fills)
	}
	status := at.Status()
	if status["mode"] != "LONG" {
		t.Fatalf("mode = %v, want LONG", status["mode"])
	}
	if got := status["reference_price"].(float64); got != 93 {
		t.Fatalf("reference should re-anchor to the fill price, got %v", got)
	}

	runCycles(t, at, 1)
	if len(venue.fills) != 2 || venue.fills[1].Side != SideSell {
		t.Fatalf("expected a SELL fill, got %+v", venue.fills)
	}
	status = at.Status()
	if status["mode"] != "FLAT" {
		t.Fatalf("mode after exit = %v, want FLAT", status["mode"])
	}
	if got := status["reference_price"].(float64); got != 120 {
		t.Fatalf("reference should re-anchor to the exit fill, got %v", got)
	}
}

func TestCycleNoEntryAboveTrigger(t *testing.T) {
	// At 94.1 the gap TR is 5.9, ATR (2+5.9)/2 = 3.95, trigger 100-5.925 =
	// 94.075. The close sits just above it.
	fetcher := &fakeFetcher{samples: append(warmup(), bar(94.1))}
	venue := &fakeVenue{}
	at := newTestAutoTrader(t, venue, fetcher, nil, nil)

	runCycles(t, at, 3)
	if len(venue.fills) != 0 {
		t.Fatalf("no order expected above the trigger, got %+v", venue.fills)
	}
}

func TestCycleHoldsWhileATRWarmsUp(t *testing.T) {
	// A huge drop on the very first bars must not trade: ATR is undefined
	// until the window fills.
	fetcher := &fakeFetcher{samples: []market.Sample{bar(100), bar(50)}}
	venue := &fakeVenue{}
	at := newTestAutoTrader(t, venue, fetcher, nil, func(c *AutoTraderConfig) {
		c.ATRWindow = 5
	})

	runCycles(t, at, 2)
	if len(venue.fills) != 0 {
		t.Fatalf("no order expected during warm-up, got %+v", venue.fills)
	}
}

func TestCycleRiskVeto(t *testing.T) {
	fetcher := &fakeFetcher{samples: append(warmup(), bar(93))} // would BUY
	venue := &fakeVenue{}
	at := newTestAutoTrader(t, venue, fetcher, nil, func(c *AutoTraderConfig) {
		c.Risk = risk.Parameters{Cooldown: time.Hour}
	})
	at.riskEngine.RecordFill(time.Now().UTC())

	runCycles(t, at, 3)
	if len(venue.fills) != 0 {
		t.Fatalf("cooldown should veto the BUY, got %+v", venue.fills)
	}
}

func TestCycleOrderPlacementDisabled(t *testing.T) {
	fetcher := &fakeFetcher{samples: append(warmup(), bar(93))}
	venue := &fakeVenue{}
	at := newTestAutoTrader(t, venue, fetcher, nil, nil)
	at.flags.SetOrderPlacement(false)

	runCycles(t, at, 3)
	if len(venue.fills) != 0 {
		t.Fatalf("disabled placement must suppress orders, got %+v", venue.fills)
	}
	// Monitoring continued: price and signal still tracked.
	status := at.Status()
	if status["last_price"].(float64) != 93 {
		t.Fatalf("monitoring should continue, status %+v", status)
	}
	if status["last_signal"] != "BUY" {
		t.Fatalf("signal should still be computed, status %+v", status)
	}
}

func TestCycleFatalErrorDisablesPlacement(t *testing.T) {
	fetcher := &fakeFetcher{samples: append(warmup(), bar(93), bar(92))}
	venue := &fakeVenue{
		placeErr: &ExecError{Kind: ErrKindFatal, Op: "place order", Err: context.DeadlineExceeded},
	}
	at := newTestAutoTrader(t, venue, fetcher, nil, nil)

	runCycles(t, at, 2)
	if err := at.Cycle(context.Background()); err == nil {
		t.Fatal("fatal order error should surface from the cycle")
	}
	if at.flags.OrderPlacementEnabled() {
		t.Fatal("fatal error must disable order placement")
	}
	// The next cycle would signal BUY again but runs order-free.
	if err := at.Cycle(context.Background()); err != nil {
		t.Fatalf("monitoring cycle after fatal error: %v", err)
	}
}

func TestCycleRejectedOrderContinues(t *testing.T) {
	fetcher := &fakeFetcher{samples: append(warmup(), bar(93))}
	venue := &fakeVenue{
		placeErr: &ExecError{Kind: ErrKindRejected, Op: "place order", Err: context.DeadlineExceeded},
	}
	at := newTestAutoTrader(t, venue, fetcher, nil, nil)

	runCycles(t, at, 3)
	if !at.flags.OrderPlacementEnabled() {
		t.Fatal("a rejection must not disable order placement")
	}
	if at.Status()["mode"] != "FLAT" {
		t.Fatal("rejected order must not move the position")
	}
}

func TestCycleNoFillLeavesStateUntouched(t *testing.T) {
	fetcher := &fakeFetcher{samples: append(warmup(), bar(93))}
	venue := &fakeVenue{placeErr: ErrNoFill}
	at := newTestAutoTrader(t, venue, fetcher, nil, nil)

	runCycles(t, at, 3)
	if at.Status()["mode"] != "FLAT" {
		t.Fatal("missed fill must not move the position")
	}
}

func TestCycleStopLossBeforeTarget(t *testing.T) {
	// After buying at 93 the window is [2 7], ATR 4.5. Bar 4 drops to 85:
	// TR 8, ATR (7+8)/2 = 7.5, stop 93-7.5 = 85.5, so 85 exits on the stop.
	fetcher := &fakeFetcher{samples: append(warmup(), bar(93), bar(85))}
	venue := &fakeVenue{}
	at := newTestAutoTrader(t, venue, fetcher, nil, nil)

	runCycles(t, at, 4)
	if len(venue.fills) != 2 {
		t.Fatalf("expected BUY then stop SELL, got %+v", venue.fills)
	}
	if venue.fills[1].Side != SideSell || venue.fills[1].Price != 85 {
		t.Fatalf("second fill should be the stop SELL at 85, got %+v", venue.fills[1])
	}
	if at.Status()["mode"] != "FLAT" {
		t.Fatal("stop must flatten the position")
	}
}

func TestCyclePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	fetcher := &fakeFetcher{samples: append(warmup(), bar(93))}
	venue := &fakeVenue{feeBps: 10}
	at := newTestAutoTrader(t, venue, fetcher, store.NewFileStore(path), nil)
	runCycles(t, at, 3)

	if at.Status()["mode"] != "LONG" {
		t.Fatal("expected LONG before restart")
	}

	// A fresh trader over the same file resumes LONG and holds at the same
	// price instead of re-buying.
	venue2 := &fakeVenue{}
	restored := newTestAutoTrader(t, venue2, &fakeFetcher{samples: []market.Sample{bar(93)}}, store.NewFileStore(path), nil)

	status := restored.Status()
	if status["mode"] != "LONG" {
		t.Fatalf("restored mode = %v, want LONG", status["mode"])
	}
	if status["quantity"].(float64) != 0.01 {
		t.Fatalf("restored quantity = %v", status["quantity"])
	}

	runCycles(t, restored, 1)
	if len(venue2.fills) != 0 {
		t.Fatalf("restored LONG bot must not re-buy, got %+v", venue2.fills)
	}
}

func TestCorruptSnapshotFailsConstruction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := AutoTraderConfig{
		ID:     "corrupt-test",
		Symbol: "BTCUSDT",
		TraderFactory: func(AutoTraderConfig) (Trader, error) {
			return &fakeVenue{}, nil
		},
		Fetcher: &fakeFetcher{samples: []market.Sample{bar(100)}},
		Sizing:  sizing.Config{Mode: sizing.ModeQuantity, Quantity: 0.01},
	}
	if _, err := NewAutoTrader(cfg, store.NewFileStore(path), nil, nil); err == nil {
		t.Fatal("corrupt snapshot must abort startup")
	}
}

func TestExitUnwindsFullQuantity(t *testing.T) {
	fetcher := &fakeFetcher{samples: append(warmup(), bar(93), bar(120))}
	venue := &fakeVenue{cons: sizing.Constraints{StepSize: 0.001, MinQty: 0.001}}
	at := newTestAutoTrader(t, venue, fetcher, nil, nil)

	runCycles(t, at, 4)
	if len(venue.fills) != 2 {
		t.Fatalf("expected entry and exit, got %+v", venue.fills)
	}
	if venue.fills[1].Quantity != venue.fills[0].Quantity {
		t.Fatalf("exit must unwind the full held quantity: %+v", venue.fills)
	}
}

func TestPartialSellKeepsRemainder(t *testing.T) {
	// The venue half-fills the SELL: only the sold half may be realized, and
	// the unsold half must stay LONG so the next cycle can finish the exit.
	fetcher := &fakeFetcher{samples: append(warmup(), bar(93), bar(120))}
	venue := &fakeVenue{sellFillFraction: 0.5}
	at := newTestAutoTrader(t, venue, fetcher, nil, nil)

	runCycles(t, at, 4)
	if len(venue.fills) != 2 || venue.fills[1].Side != SideSell {
		t.Fatalf("expected BUY then partial SELL, got %+v", venue.fills)
	}
	if got := venue.fills[1].Quantity; math.Abs(got-0.005) > 1e-12 {
		t.Fatalf("partial fill quantity = %v, want 0.005", got)
	}

	status := at.Status()
	if status["mode"] != "LONG" {
		t.Fatalf("unsold remainder must stay LONG, got %v", status["mode"])
	}
	if got := status["quantity"].(float64); math.Abs(got-0.005) > 1e-12 {
		t.Fatalf("remaining quantity = %v, want 0.005", got)
	}
	// Only the sold half is realized: (120-93)*0.005 = 0.135, a gain.
	if got := status["realized_pnl"].(float64); math.Abs(got-0.135) > 1e-9 {
		t.Fatalf("realized pnl = %v, want 0.135", got)
	}
	if rs := status["risk"].(risk.Snapshot); rs.RealizedLossToday != 0 {
		t.Fatalf("a profitable partial exit must not book a loss, got %+v", rs)
	}

	// With full fills restored, the next cycle unwinds the remainder.
	venue.sellFillFraction = 0
	runCycles(t, at, 1)
	status = at.Status()
	if status["mode"] != "FLAT" {
		t.Fatalf("expected FLAT after selling the remainder, got %v", status["mode"])
	}
	if got := status["realized_pnl"].(float64); math.Abs(got-0.27) > 1e-9 {
		t.Fatalf("total realized pnl = %v, want 0.27", got)
	}
	if got := status["reference_price"].(float64); got != 120 {
		t.Fatalf("reference should re-anchor to the final exit, got %v", got)
	}
}

func TestRiskCounterChangesPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	at := newTestAutoTrader(t, &fakeVenue{},
		&fakeFetcher{samples: []market.Sample{bar(100)}}, store.NewFileStore(path), nil)

	now := time.Now().UTC()
	at.riskEngine.RecordFill(now)

	snap, err := store.NewFileStore(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap == nil || snap.Risk.TradesToday != 1 {
		t.Fatalf("fill counter should reach the store, got %+v", snap)
	}

	// A day rollover on a cycle with no fill must reach the store too.
	later := now.Add(48 * time.Hour)
	at.riskEngine.Authorize(later)

	snap, err = store.NewFileStore(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load after rollover: %v", err)
	}
	if snap == nil || snap.Risk.TradesToday != 0 {
		t.Fatalf("rolled counters should reach the store, got %+v", snap)
	}
	if snap.Risk.Day != risk.DayKey(later) {
		t.Fatalf("day marker = %q, want %q", snap.Risk.Day, risk.DayKey(later))
	}
}

func TestSellRecordsRealizedLoss(t *testing.T) {
	fetcher := &fakeFetcher{samples: append(warmup(), bar(93), bar(85))}
	venue := &fakeVenue{feeBps: 10}
	at := newTestAutoTrader(t, venue, fetcher, nil, nil)

	runCycles(t, at, 4)
	status := at.Status()
	pnl := status["realized_pnl"].(float64)
	if pnl >= 0 {
		t.Fatalf("stop exit should realize a loss, got %v", pnl)
	}
	riskSnap := status["risk"].(risk.Snapshot)
	if riskSnap.RealizedLossToday <= 0 {
		t.Fatalf("loss should feed the kill-switch tally, got %+v", riskSnap)
	}
	if riskSnap.TradesToday != 2 {
		t.Fatalf("both fills should count, got %+v", riskSnap)
	}
}
