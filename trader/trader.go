// Package trader executes orders and runs the polling trade loop. Execution
// errors fall into three kinds with different blast radius: transient errors
// fail one cycle, rejections skip one order, fatal errors disable order
// placement while price monitoring continues.
package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atrbot/sizing"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType selects the execution style.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderIntent is what the loop asks the venue to do. ClientOrderID makes the
// request idempotent on the venue side.
type OrderIntent struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	LimitPrice    float64 // ignored for market orders
	ClientOrderID string
}

// Fill is the confirmed execution the venue reports back. State transitions
// key off fills, never off intents.
type Fill struct {
	OrderID  string
	Side     Side
	Quantity float64
	Price    float64 // volume-weighted average across partial fills
	Fee      float64 // quote-denominated
	Time     time.Time
}

// ErrKind classifies an execution failure.
type ErrKind int

const (
	// ErrKindTransient fails the current cycle; the loop retries next tick.
	ErrKindTransient ErrKind = iota
	// ErrKindRejected means the venue refused this specific order. The order
	// is skipped; the loop keeps running.
	ErrKindRejected
	// ErrKindFatal means credentials or symbol are broken. Order placement is
	// disabled until an operator intervenes.
	ErrKindFatal
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindRejected:
		return "rejected"
	case ErrKindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// ExecError wraps a venue failure with its classification.
type ExecError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Classify extracts the kind from an error chain; unclassified errors are
// treated as transient.
func Classify(err error) ErrKind {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ErrKindTransient
}

// ErrNoFill reports that an order went to the venue but did not execute (an
// immediate-or-cancel limit that missed). Not a failure: the loop simply has
// nothing to reconcile.
var ErrNoFill = errors.New("order not filled")

// Trader is the venue abstraction. Implementations: BinanceTrader for live
// spot, PaperTrader for simulation.
type Trader interface {
	// Constraints returns the symbol's lot filters. A fatal ExecError here
	// (unknown symbol, bad credentials) must abort startup.
	Constraints(ctx context.Context, symbol string) (sizing.Constraints, error)
	// PlaceOrder submits the intent and returns the confirmed fill.
	// Returns ErrNoFill when the order reached the venue but executed nothing.
	PlaceOrder(ctx context.Context, intent OrderIntent) (Fill, error)
}
