package trader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"

	"atrbot/sizing"
)

// BinanceTrader places spot orders through the Binance REST API.
type BinanceTrader struct {
	client *binance.Client

	mu          sync.Mutex
	constraints map[string]sizing.Constraints
	quoteAssets map[string]string
}

// NewBinanceTrader builds a live trader. Keys must allow spot trading.
func NewBinanceTrader(apiKey, secretKey string) *BinanceTrader {
	return &BinanceTrader{
		client:      binance.NewClient(apiKey, secretKey),
		constraints: make(map[string]sizing.Constraints),
		quoteAssets: make(map[string]string),
	}
}

// Constraints fetches and caches the symbol's lot filters from exchange info.
// An unknown symbol is fatal: the bot is misconfigured and must not trade.
func (t *BinanceTrader) Constraints(ctx context.Context, symbol string) (sizing.Constraints, error) {
	t.mu.Lock()
	if cons, ok := t.constraints[symbol]; ok {
		t.mu.Unlock()
		return cons, nil
	}
	t.mu.Unlock()

	info, err := t.client.NewExchangeInfoService().Symbols(symbol).Do(ctx)
	if err != nil {
		return sizing.Constraints{}, classifyBinanceErr("exchange info", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		var cons sizing.Constraints
		if f := s.LotSizeFilter(); f != nil {
			cons.StepSize = parseFloat(f.StepSize)
			cons.MinQty = parseFloat(f.MinQuantity)
		}
		if f := s.NotionalFilter(); f != nil {
			cons.MinNotional = parseFloat(f.MinNotional)
		}
		t.mu.Lock()
		t.constraints[symbol] = cons
		t.quoteAssets[symbol] = s.QuoteAsset
		t.mu.Unlock()
		return cons, nil
	}

	return sizing.Constraints{}, &ExecError{
		Kind: ErrKindFatal,
		Op:   "exchange info",
		Err:  fmt.Errorf("symbol %s not listed", symbol),
	}
}

// PlaceOrder submits the intent. Limit orders go out immediate-or-cancel so
// an unfilled order never lingers on the book across cycles.
func (t *BinanceTrader) PlaceOrder(ctx context.Context, intent OrderIntent) (Fill, error) {
	clientID := intent.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	svc := t.client.NewCreateOrderService().
		Symbol(intent.Symbol).
		Side(binance.SideType(intent.Side)).
		Quantity(formatQuantity(intent.Quantity)).
		NewClientOrderID(clientID)

	switch intent.Type {
	case OrderTypeLimit:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeIOC).
			Price(strconv.FormatFloat(intent.LimitPrice, 'f', -1, 64))
	default:
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return Fill{}, classifyBinanceErr("place order", err)
	}

	executed := parseFloat(resp.ExecutedQuantity)
	if executed <= 0 {
		log.Printf("[%s] %s order %d reached venue but filled nothing (status %s)",
			intent.Symbol, intent.Side, resp.OrderID, resp.Status)
		return Fill{}, ErrNoFill
	}

	fill := Fill{
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
		Side:     intent.Side,
		Quantity: executed,
		Time:     time.UnixMilli(resp.TransactTime).UTC(),
	}

	// Average price and fee come from the per-trade fills.
	quoteQty := parseFloat(resp.CummulativeQuoteQuantity)
	if quoteQty > 0 {
		fill.Price = quoteQty / executed
	}
	quote := t.quoteAsset(intent.Symbol)
	for _, f := range resp.Fills {
		commission := parseFloat(f.Commission)
		switch {
		case f.CommissionAsset == quote:
			fill.Fee += commission
		case strings.HasPrefix(intent.Symbol, f.CommissionAsset):
			// Base-asset commission, convert at the trade price.
			fill.Fee += commission * parseFloat(f.Price)
		default:
			// Commission in a third asset (BNB discounts). Not convertible
			// without another price lookup; logged and excluded.
			log.Printf("[%s] commission %s %s ignored in fee tally",
				intent.Symbol, f.Commission, f.CommissionAsset)
		}
	}

	return fill, nil
}

func (t *BinanceTrader) quoteAsset(symbol string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.quoteAssets[symbol]; ok {
		return q
	}
	return "USDT"
}

// classifyBinanceErr maps Binance API error codes to the execution taxonomy.
func classifyBinanceErr(op string, err error) error {
	kind := ErrKindTransient

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2014, -2015, -1022:
			// Bad API key, key format, or signature: credentials are broken.
			kind = ErrKindFatal
		case -1121:
			// Invalid symbol.
			kind = ErrKindFatal
		case -2010, -1013, -1111:
			// Order rejected by balance or filter validation.
			kind = ErrKindRejected
		}
	}

	return &ExecError{Kind: kind, Op: op, Err: err}
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
