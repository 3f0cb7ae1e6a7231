package trader

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"atrbot/sizing"
)

// PaperTrader simulates spot execution against the live price feed. No API
// keys are used; fills happen instantly at the current mark price with a
// configurable taker fee.
type PaperTrader struct {
	takerFeeBps float64
	constraints sizing.Constraints

	mu             sync.RWMutex
	markPrices     map[string]float64
	quoteBalance   float64
	initialBalance float64
	baseHoldings   map[string]float64
	closedTrades   []PaperTrade
	orderSeq       int64
	entryBook      map[string]paperEntry
}

type paperEntry struct {
	price    float64
	quantity float64
	fee      float64
	openedAt time.Time
}

// PaperTrade is one completed round trip, kept for the session statistics.
type PaperTrade struct {
	Symbol     string
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64
	Fees       float64
	OpenTime   time.Time
	CloseTime  time.Time
}

// NewPaperTrader builds a simulator with a virtual quote balance.
func NewPaperTrader(initialBalance, takerFeeBps float64, cons sizing.Constraints) *PaperTrader {
	log.Printf("paper trading enabled: virtual balance %.2f, taker fee %.1f bps", initialBalance, takerFeeBps)
	return &PaperTrader{
		takerFeeBps:    takerFeeBps,
		constraints:    cons,
		markPrices:     make(map[string]float64),
		quoteBalance:   initialBalance,
		initialBalance: initialBalance,
		baseHoldings:   make(map[string]float64),
		entryBook:      make(map[string]paperEntry),
	}
}

// SetMarkPrice feeds the simulator the latest observed price. The trade loop
// calls this every cycle before evaluating signals.
func (t *PaperTrader) SetMarkPrice(symbol string, price float64) {
	t.mu.Lock()
	t.markPrices[symbol] = price
	t.mu.Unlock()
}

func (t *PaperTrader) Constraints(_ context.Context, _ string) (sizing.Constraints, error) {
	return t.constraints, nil
}

// PlaceOrder fills at the mark price. A limit order misses (ErrNoFill) when
// the mark is on the wrong side of the limit, mirroring immediate-or-cancel
// behavior on the real venue.
func (t *PaperTrader) PlaceOrder(_ context.Context, intent OrderIntent) (Fill, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	price, ok := t.markPrices[intent.Symbol]
	if !ok || price <= 0 {
		return Fill{}, &ExecError{Kind: ErrKindTransient, Op: "paper fill", Err: fmt.Errorf("no mark price for %s", intent.Symbol)}
	}

	if intent.Type == OrderTypeLimit && intent.LimitPrice > 0 {
		if intent.Side == SideBuy && price > intent.LimitPrice {
			return Fill{}, ErrNoFill
		}
		if intent.Side == SideSell && price < intent.LimitPrice {
			return Fill{}, ErrNoFill
		}
	}

	qty := intent.Quantity
	notional := qty * price
	fee := notional * t.takerFeeBps / 10000
	now := time.Now().UTC()

	switch intent.Side {
	case SideBuy:
		if notional+fee > t.quoteBalance {
			return Fill{}, &ExecError{
				Kind: ErrKindRejected,
				Op:   "paper fill",
				Err:  fmt.Errorf("insufficient balance: need %.2f, have %.2f", notional+fee, t.quoteBalance),
			}
		}
		t.quoteBalance -= notional + fee
		t.baseHoldings[intent.Symbol] += qty
		t.entryBook[intent.Symbol] = paperEntry{price: price, quantity: qty, fee: fee, openedAt: now}

	case SideSell:
		held := t.baseHoldings[intent.Symbol]
		if qty > held {
			return Fill{}, &ExecError{
				Kind: ErrKindRejected,
				Op:   "paper fill",
				Err:  fmt.Errorf("insufficient holdings: need %v, have %v", qty, held),
			}
		}
		t.quoteBalance += notional - fee
		t.baseHoldings[intent.Symbol] = held - qty
		if entry, ok := t.entryBook[intent.Symbol]; ok {
			t.closedTrades = append(t.closedTrades, PaperTrade{
				Symbol:     intent.Symbol,
				EntryPrice: entry.price,
				ExitPrice:  price,
				Quantity:   qty,
				PnL:        (notional - fee) - (entry.price*qty + entry.fee),
				Fees:       entry.fee + fee,
				OpenTime:   entry.openedAt,
				CloseTime:  now,
			})
			delete(t.entryBook, intent.Symbol)
		}

	default:
		return Fill{}, &ExecError{Kind: ErrKindRejected, Op: "paper fill", Err: fmt.Errorf("unknown side %q", intent.Side)}
	}

	t.orderSeq++
	return Fill{
		OrderID:  "paper-" + strconv.FormatInt(t.orderSeq, 10),
		Side:     intent.Side,
		Quantity: qty,
		Price:    price,
		Fee:      fee,
		Time:     now,
	}, nil
}

// Statistics summarizes the simulated session.
func (t *PaperTrader) Statistics() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := map[string]interface{}{
		"initial_balance": t.initialBalance,
		"quote_balance":   t.quoteBalance,
		"total_trades":    len(t.closedTrades),
	}
	if len(t.closedTrades) == 0 {
		stats["win_rate"] = 0.0
		stats["total_pnl"] = 0.0
		return stats
	}

	wins := 0
	totalPnL := 0.0
	for _, tr := range t.closedTrades {
		totalPnL += tr.PnL
		if tr.PnL > 0 {
			wins++
		}
	}
	stats["win_trades"] = wins
	stats["win_rate"] = float64(wins) / float64(len(t.closedTrades)) * 100
	stats["total_pnl"] = totalPnL
	stats["roi"] = totalPnL / t.initialBalance * 100
	return stats
}
