// Package sizing converts a trade decision into an order quantity that the
// venue will accept: fixed notional or fixed quantity, rounded down to the
// symbol's step size, then checked against minimum quantity and notional.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Mode selects how the base order size is derived.
type Mode string

const (
	// ModeNotional spends a fixed quote amount per trade (quantity = notional / price).
	ModeNotional Mode = "notional"
	// ModeQuantity buys a fixed base quantity per trade.
	ModeQuantity Mode = "quantity"
)

// Config is the operator-facing sizing policy.
type Config struct {
	Mode     Mode    `yaml:"mode" json:"mode"`
	Notional float64 `yaml:"notional" json:"notional"`
	Quantity float64 `yaml:"quantity" json:"quantity"`
}

// Validate rejects configs that can never produce an order.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeNotional:
		if c.Notional <= 0 {
			return fmt.Errorf("sizing: notional must be positive in notional mode, got %v", c.Notional)
		}
	case ModeQuantity:
		if c.Quantity <= 0 {
			return fmt.Errorf("sizing: quantity must be positive in quantity mode, got %v", c.Quantity)
		}
	default:
		return fmt.Errorf("sizing: unknown mode %q", c.Mode)
	}
	return nil
}

// Constraints are the venue's lot filters for one symbol.
type Constraints struct {
	StepSize    float64 `json:"step_size"`
	MinQty      float64 `json:"min_qty"`
	MinNotional float64 `json:"min_notional"`
}

// Result is a sized order or an explained skip. A skip is not an error: the
// cycle continues and the bot simply does not trade.
type Result struct {
	Quantity float64
	Skip     bool
	Reason   string
}

// Size computes the order quantity for a trade at the given price. Rounding is
// always toward zero so the order never exceeds the configured budget.
func Size(cfg Config, cons Constraints, price float64) (Result, error) {
	if price <= 0 {
		return Result{}, fmt.Errorf("sizing: price must be positive, got %v", price)
	}
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	var raw decimal.Decimal
	switch cfg.Mode {
	case ModeNotional:
		raw = decimal.NewFromFloat(cfg.Notional).Div(decimal.NewFromFloat(price))
	case ModeQuantity:
		raw = decimal.NewFromFloat(cfg.Quantity)
	}

	qty := roundToStep(raw, cons.StepSize)
	qtyF, _ := qty.Float64()

	if qty.IsZero() || (cons.MinQty > 0 && qty.LessThan(decimal.NewFromFloat(cons.MinQty))) {
		return Result{Skip: true, Reason: fmt.Sprintf("quantity %s below minimum %v", qty, cons.MinQty)}, nil
	}
	if cons.MinNotional > 0 {
		notional := qty.Mul(decimal.NewFromFloat(price))
		if notional.LessThan(decimal.NewFromFloat(cons.MinNotional)) {
			return Result{Skip: true, Reason: fmt.Sprintf("notional %s below minimum %v", notional, cons.MinNotional)}, nil
		}
	}
	return Result{Quantity: qtyF}, nil
}

// roundToStep floors the quantity to an integer multiple of the step size.
// A zero step leaves the quantity untouched.
func roundToStep(qty decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return qty
	}
	s := decimal.NewFromFloat(step)
	return qty.Div(s).Floor().Mul(s)
}
