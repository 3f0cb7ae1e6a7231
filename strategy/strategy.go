// Package strategy implements the FLAT/LONG breakout state machine. It holds
// no clock and performs no I/O: given the current price, the current ATR and
// the position, it emits a signal. Whether the signal is acted on is decided
// upstream by the risk gate and the sizer.
package strategy

import "fmt"

// Mode is the position state.
type Mode string

const (
	ModeFlat Mode = "FLAT"
	ModeLong Mode = "LONG"
)

// Signal is the strategy's verdict for one cycle.
type Signal int

const (
	Hold Signal = iota
	Buy
	Sell
)

func (s Signal) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// Position tracks the single-position state the strategy reasons about.
// Quantity is positive iff Mode is LONG; EntryPrice and EntryFee are only
// meaningful while LONG.
type Position struct {
	Mode           Mode    `json:"mode"`
	ReferencePrice float64 `json:"reference_price"`
	EntryPrice     float64 `json:"entry_price"`
	EntryFee       float64 `json:"entry_fee"`
	Quantity       float64 `json:"quantity"`
}

// Validate checks the position invariants after a snapshot load.
func (p Position) Validate() error {
	switch p.Mode {
	case ModeFlat:
		if p.Quantity != 0 {
			return fmt.Errorf("FLAT position holds quantity %v", p.Quantity)
		}
	case ModeLong:
		if p.Quantity <= 0 {
			return fmt.Errorf("LONG position holds quantity %v", p.Quantity)
		}
		if p.EntryPrice <= 0 {
			return fmt.Errorf("LONG position has entry price %v", p.EntryPrice)
		}
	default:
		return fmt.Errorf("unknown position mode %q", p.Mode)
	}
	return nil
}

// Config carries the tunables injected from configuration.
type Config struct {
	K           float64 // breakout distance in ATR multiples
	StopEnabled bool
	StopATR     float64 // stop-loss distance in ATR multiples, typically 1.0
}

// Evaluate computes the signal for one cycle. The stop-loss is checked before
// the target exit so it wins when both fire on the same bar. An undefined ATR
// always yields Hold.
func (c Config) Evaluate(pos Position, price, atrValue float64, atrOK bool) (Signal, string) {
	if !atrOK || atrValue <= 0 {
		return Hold, "atr warming up"
	}

	switch pos.Mode {
	case ModeFlat:
		ref := pos.ReferencePrice
		if ref <= 0 {
			ref = price
		}
		trigger := ref - c.K*atrValue
		if price <= trigger {
			return Buy, fmt.Sprintf("price %.8g <= entry trigger %.8g", price, trigger)
		}
		return Hold, ""

	case ModeLong:
		if c.StopEnabled {
			stop := pos.EntryPrice - c.StopATR*atrValue
			if price <= stop {
				return Sell, fmt.Sprintf("price %.8g <= stop %.8g", price, stop)
			}
		}
		target := pos.ReferencePrice + c.K*atrValue
		if price >= target {
			return Sell, fmt.Sprintf("price %.8g >= exit trigger %.8g", price, target)
		}
		return Hold, ""
	}

	return Hold, ""
}

// ApplyBuy transitions FLAT -> LONG from a confirmed fill. The reference and
// entry prices anchor to the actual fill price, never the intent.
func ApplyBuy(pos Position, fillPrice, fillQty, fee float64) Position {
	pos.Mode = ModeLong
	pos.ReferencePrice = fillPrice
	pos.EntryPrice = fillPrice
	pos.EntryFee = fee
	pos.Quantity = fillQty
	return pos
}

// ApplySell folds a confirmed exit fill into the position. A fill covering
// the whole holding flattens and re-anchors the reference price to the exit;
// a partial fill keeps the position LONG with the unsold remainder and the
// entry fee scaled down to what that remainder still carries.
func ApplySell(pos Position, fillPrice, fillQty float64) Position {
	if fillQty >= pos.Quantity {
		pos.Mode = ModeFlat
		pos.ReferencePrice = fillPrice
		pos.EntryPrice = 0
		pos.EntryFee = 0
		pos.Quantity = 0
		return pos
	}
	remaining := pos.Quantity - fillQty
	pos.EntryFee *= remaining / pos.Quantity
	pos.Quantity = remaining
	return pos
}
