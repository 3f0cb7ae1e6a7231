package trader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"atrbot/atr"
	"atrbot/featureflag"
	"atrbot/journal"
	"atrbot/market"
	"atrbot/metrics"
	"atrbot/risk"
	"atrbot/sizing"
	"atrbot/store"
	"atrbot/strategy"
)

// AutoTraderConfig wires one symbol's trading loop.
type AutoTraderConfig struct {
	ID     string
	Symbol string

	Interval     string        // candle interval fed to the estimator
	PollInterval time.Duration // cycle cadence
	ATRWindow    int

	Strategy strategy.Config
	Sizing   sizing.Config
	Risk     risk.Parameters

	OrderType   OrderType
	SlippageBps float64 // limit price offset from the observed close

	// Live credentials; ignored in paper mode.
	APIKey    string
	SecretKey string

	Paper        bool
	PaperBalance float64
	PaperFeeBps  float64

	// TraderFactory overrides venue construction, used by tests.
	TraderFactory func(AutoTraderConfig) (Trader, error)
	// Fetcher overrides the market data source, used by tests.
	Fetcher market.Fetcher
}

func (c *AutoTraderConfig) applyDefaults() {
	if c.Interval == "" {
		c.Interval = "1m"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ATRWindow <= 0 {
		c.ATRWindow = 14
	}
	if c.OrderType == "" {
		c.OrderType = OrderTypeMarket
	}
	if c.PaperBalance <= 0 {
		c.PaperBalance = 10000
	}
}

// AutoTrader runs the poll/observe/decide/execute cycle for one symbol.
// Everything downstream of the signal is gated: risk first, then the order
// placement flag, then the sizer.
type AutoTrader struct {
	config  AutoTraderConfig
	symbol  string
	trader  Trader
	fetcher market.Fetcher

	estimator  *atr.Estimator
	riskEngine *risk.Engine
	flags      *featureflag.RuntimeFlags
	snapshots  store.Store
	journal    *journal.Journal

	consOnce sync.Once
	cons     sizing.Constraints
	consErr  error

	mu          sync.Mutex
	position    strategy.Position
	realizedPnL float64
	cumFees     float64
	lastPrice   float64
	lastSignal  string
	cycleCount  int64

	runMu     sync.Mutex
	isRunning bool
	stopCh    chan struct{}

	clock func() time.Time
}

// markPriceSink lets the loop push the observed price into simulators.
type markPriceSink interface {
	SetMarkPrice(symbol string, price float64)
}

// NewAutoTrader assembles the loop and restores persisted state. A corrupt
// snapshot is a fatal construction error: trading on unknown state is worse
// than not starting.
func NewAutoTrader(cfg AutoTraderConfig, snapshots store.Store, jrnl *journal.Journal, flags *featureflag.RuntimeFlags) (*AutoTrader, error) {
	cfg.applyDefaults()
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("auto trader %s: symbol is required", cfg.ID)
	}
	if flags == nil {
		flags = featureflag.NewRuntimeFlags(featureflag.DefaultState())
	}

	cfg.Symbol = market.Normalize(cfg.Symbol)

	venue, err := buildTrader(cfg)
	if err != nil {
		return nil, fmt.Errorf("auto trader %s: %w", cfg.ID, err)
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = market.NewBinanceFetcher(nil, cfg.Interval)
	}

	riskStore := risk.NewStore()
	at := &AutoTrader{
		config:     cfg,
		symbol:     cfg.Symbol,
		trader:     venue,
		fetcher:    fetcher,
		estimator:  atr.NewEstimator(cfg.ATRWindow),
		riskEngine: risk.NewEngine(cfg.Symbol, cfg.Risk, riskStore, flags),
		flags:      flags,
		snapshots:  snapshots,
		journal:    jrnl,
		position:   strategy.Position{Mode: strategy.ModeFlat},
		stopCh:     make(chan struct{}),
		clock:      func() time.Time { return time.Now().UTC() },
	}

	// Every risk-counter change reaches the snapshot store through this hook,
	// including day rollovers on cycles with no fill. The store invokes it
	// outside its state mutex, so reading the derived snapshot back is safe.
	riskStore.SetPersistFunc(func(_ string, _ risk.Snapshot) error {
		at.persistSnapshot(context.Background())
		return nil
	})

	if err := at.restore(context.Background()); err != nil {
		return nil, fmt.Errorf("auto trader %s: %w", cfg.ID, err)
	}
	return at, nil
}

func buildTrader(cfg AutoTraderConfig) (Trader, error) {
	if cfg.TraderFactory != nil {
		return cfg.TraderFactory(cfg)
	}
	if cfg.Paper {
		return NewPaperTrader(cfg.PaperBalance, cfg.PaperFeeBps, sizing.Constraints{}), nil
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("live trading requires API credentials (or --paper)")
	}
	return NewBinanceTrader(cfg.APIKey, cfg.SecretKey), nil
}

func (at *AutoTrader) restore(ctx context.Context) error {
	if at.snapshots == nil || !at.flags.PersistenceEnabled() {
		return nil
	}
	snap, err := at.snapshots.Load(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	if snap.Symbol != "" && snap.Symbol != at.symbol {
		return fmt.Errorf("snapshot is for %s, bot trades %s", snap.Symbol, at.symbol)
	}
	if err := snap.Position.Validate(); err != nil {
		return fmt.Errorf("restored position: %w", err)
	}

	at.mu.Lock()
	at.position = snap.Position
	at.realizedPnL = snap.RealizedPnL
	at.cumFees = snap.CumFees
	at.mu.Unlock()

	at.estimator = atr.Restore(snap.ATR, at.config.ATRWindow)
	at.riskEngine.Restore(snap.Risk)

	log.Printf("[%s] restored snapshot: mode=%s ref=%.8g trades_today=%d pnl=%.2f",
		at.symbol, snap.Position.Mode, snap.Position.ReferencePrice, snap.Risk.TradesToday, snap.RealizedPnL)
	return nil
}

// Run polls until the context is canceled or Stop is called. Cycle errors are
// transient by contract here: fatal conditions flip the order placement flag
// instead of stopping the loop, so monitoring continues.
func (at *AutoTrader) Run(ctx context.Context) error {
	at.runMu.Lock()
	if at.isRunning {
		at.runMu.Unlock()
		return fmt.Errorf("auto trader %s already running", at.config.ID)
	}
	at.isRunning = true
	at.stopCh = make(chan struct{})
	at.runMu.Unlock()

	defer func() {
		at.runMu.Lock()
		at.isRunning = false
		at.runMu.Unlock()
	}()

	log.Printf("[%s] trading loop started: interval=%s poll=%s window=%d k=%.2f",
		at.symbol, at.config.Interval, at.config.PollInterval, at.config.ATRWindow, at.config.Strategy.K)

	// Validate the symbol against exchange filters up front in live mode so a
	// bad symbol or bad keys surfaces immediately instead of on the first BUY.
	if !at.config.Paper {
		if _, err := at.constraints(ctx); err != nil {
			log.Printf("[%s] symbol validation failed: %v", at.symbol, err)
		}
	}

	ticker := time.NewTicker(at.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := at.Cycle(ctx); err != nil {
			log.Printf("[%s] cycle failed: %v", at.symbol, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-at.stopCh:
			return nil
		case <-ticker.C:
		}
	}
}

// Stop ends the loop after the in-flight cycle.
func (at *AutoTrader) Stop() {
	at.runMu.Lock()
	defer at.runMu.Unlock()
	if at.isRunning {
		close(at.stopCh)
		at.isRunning = false
	}
}

// Cycle executes one poll/observe/decide/execute pass.
func (at *AutoTrader) Cycle(ctx context.Context) error {
	start := at.clock()
	defer func() {
		metrics.ObserveCycleLatency(at.symbol, time.Since(start))
	}()

	sample, err := at.fetcher.Latest(ctx, at.symbol)
	if err != nil {
		metrics.IncDataFetchFailures(at.symbol)
		return fmt.Errorf("fetch %s: %w", at.symbol, err)
	}
	price := sample.Close

	if sink, ok := at.trader.(markPriceSink); ok {
		sink.SetMarkPrice(at.symbol, price)
	}

	at.mu.Lock()
	atrValue, atrOK := at.estimator.Observe(atr.Sample{
		High:  sample.High,
		Low:   sample.Low,
		Close: sample.Close,
	})
	at.cycleCount++
	at.lastPrice = price
	pos := at.position
	seeded := false
	if pos.ReferencePrice <= 0 {
		pos.ReferencePrice = price
		at.position = pos
		seeded = true
	}
	at.mu.Unlock()

	metrics.ObservePrice(at.symbol, price)
	if atrOK {
		metrics.ObserveATR(at.symbol, atrValue)
	}

	if seeded {
		log.Printf("[%s] reference price seeded at %.8g", at.symbol, price)
		at.persistSnapshot(ctx)
	}

	signal, reason := at.config.Strategy.Evaluate(pos, price, atrValue, atrOK)
	at.mu.Lock()
	at.lastSignal = signal.String()
	at.mu.Unlock()
	metrics.SetPositionLong(at.symbol, pos.Mode == strategy.ModeLong)

	if signal == strategy.Hold {
		return nil
	}
	log.Printf("[%s] signal %s: %s", at.symbol, signal, reason)

	now := at.clock()
	if decision := at.riskEngine.Authorize(now); !decision.Allowed {
		log.Printf("[%s] %s blocked by risk gate: %s", at.symbol, signal, decision.Reason)
		return nil
	}
	if !at.flags.OrderPlacementEnabled() {
		log.Printf("[%s] %s suppressed: order placement disabled", at.symbol, signal)
		return nil
	}

	intent, skip, err := at.buildIntent(ctx, signal, pos, price)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	fill, err := at.trader.PlaceOrder(ctx, intent)
	if errors.Is(err, ErrNoFill) {
		log.Printf("[%s] %s order missed, no fill", at.symbol, intent.Side)
		return nil
	}
	if err != nil {
		return at.handleOrderError(intent, err)
	}

	at.reconcile(fill)
	return nil
}

// buildIntent sizes the order and shapes it for the venue. skip=true means
// the cycle ends quietly without an order.
func (at *AutoTrader) buildIntent(ctx context.Context, signal strategy.Signal, pos strategy.Position, price float64) (OrderIntent, bool, error) {
	intent := OrderIntent{
		Symbol: at.symbol,
		Type:   at.config.OrderType,
	}

	switch signal {
	case strategy.Buy:
		cons, err := at.constraints(ctx)
		if err != nil {
			return OrderIntent{}, false, err
		}
		res, err := sizing.Size(at.config.Sizing, cons, price)
		if err != nil {
			return OrderIntent{}, false, fmt.Errorf("size order: %w", err)
		}
		if res.Skip {
			metrics.IncSizingSkips(at.symbol)
			log.Printf("[%s] BUY skipped by sizer: %s", at.symbol, res.Reason)
			return OrderIntent{}, true, nil
		}
		intent.Side = SideBuy
		intent.Quantity = res.Quantity
		// Limit prices cross the last observed price so the immediate-or-cancel
		// order can fill at once; the bps offset bounds slippage instead of
		// resting passively in the book.
		if intent.Type == OrderTypeLimit {
			intent.LimitPrice = price * (1 + at.config.SlippageBps/10000)
		}

	case strategy.Sell:
		if pos.Quantity <= 0 {
			return OrderIntent{}, true, nil
		}
		intent.Side = SideSell
		intent.Quantity = pos.Quantity
		if intent.Type == OrderTypeLimit {
			intent.LimitPrice = price * (1 - at.config.SlippageBps/10000)
		}
	}

	return intent, false, nil
}

// constraints loads the venue lot filters once. A fatal classification here
// (unknown symbol, bad keys) disables order placement permanently.
func (at *AutoTrader) constraints(ctx context.Context) (sizing.Constraints, error) {
	at.consOnce.Do(func() {
		at.cons, at.consErr = at.trader.Constraints(ctx, at.symbol)
	})
	if at.consErr != nil {
		if Classify(at.consErr) == ErrKindFatal {
			at.disableOrders(at.consErr)
		}
		return sizing.Constraints{}, at.consErr
	}
	return at.cons, nil
}

func (at *AutoTrader) handleOrderError(intent OrderIntent, err error) error {
	kind := Classify(err)
	metrics.IncOrderFailures(at.symbol, kind.String())

	switch kind {
	case ErrKindRejected:
		log.Printf("[%s] %s order rejected: %v", at.symbol, intent.Side, err)
		return nil
	case ErrKindFatal:
		at.disableOrders(err)
		return err
	default:
		return fmt.Errorf("place %s order: %w", intent.Side, err)
	}
}

func (at *AutoTrader) disableOrders(err error) {
	if at.flags.OrderPlacementEnabled() {
		at.flags.SetOrderPlacement(false)
		log.Printf("[%s] FATAL execution error, order placement disabled: %v", at.symbol, err)
	}
}

// reconcile folds a confirmed fill into position, PnL and risk state. Fills
// drive every transition; intents never do. A SELL fill smaller than the
// holding realizes only the sold fraction and leaves the position LONG with
// the remainder, so the next cycle can finish the exit.
func (at *AutoTrader) reconcile(fill Fill) {
	now := at.clock()
	var (
		realizedLoss float64
		jentry       *journal.Entry
	)

	at.mu.Lock()
	switch fill.Side {
	case SideBuy:
		at.position = strategy.ApplyBuy(at.position, fill.Price, fill.Quantity, fill.Fee)
		at.cumFees += fill.Fee
		log.Printf("[%s] BUY filled: qty=%.8g price=%.8g fee=%.4f",
			at.symbol, fill.Quantity, fill.Price, fill.Fee)

	case SideSell:
		entry := at.position
		soldFrac := 1.0
		if entry.Quantity > 0 && fill.Quantity < entry.Quantity {
			soldFrac = fill.Quantity / entry.Quantity
		}
		entryFee := entry.EntryFee * soldFrac
		pnl := (fill.Price*fill.Quantity - fill.Fee) - (entry.EntryPrice*fill.Quantity + entryFee)
		at.realizedPnL += pnl
		at.cumFees += fill.Fee
		at.position = strategy.ApplySell(at.position, fill.Price, fill.Quantity)
		if at.position.Mode == strategy.ModeLong {
			log.Printf("[%s] SELL partially filled: qty=%.8g of %.8g price=%.8g fee=%.4f pnl=%.4f remainder=%.8g",
				at.symbol, fill.Quantity, entry.Quantity, fill.Price, fill.Fee, pnl, at.position.Quantity)
		} else {
			log.Printf("[%s] SELL filled: qty=%.8g price=%.8g fee=%.4f pnl=%.4f total_pnl=%.4f",
				at.symbol, fill.Quantity, fill.Price, fill.Fee, pnl, at.realizedPnL)
		}

		metrics.ObserveRealizedPnL(at.symbol, at.realizedPnL)
		if loss := -pnl; loss > 0 {
			realizedLoss = loss
		}
		jentry = &journal.Entry{
			ClosedAt:      fill.Time,
			Symbol:        at.symbol,
			EntryPrice:    entry.EntryPrice,
			ExitPrice:     fill.Price,
			Quantity:      fill.Quantity,
			Fees:          entryFee + fill.Fee,
			RealizedPnL:   pnl,
			CumulativePnL: at.realizedPnL,
		}
	}
	at.mu.Unlock()

	if jentry != nil && at.journal != nil {
		if err := at.journal.Append(*jentry); err != nil {
			log.Printf("[%s] journal append failed: %v", at.symbol, err)
		}
	}
	if realizedLoss > 0 {
		at.riskEngine.RecordRealizedLoss(realizedLoss, now)
	}
	// RecordFill triggers the risk store's persistence hook, which saves the
	// full snapshot; no explicit save is needed here.
	at.riskEngine.RecordFill(now)
	metrics.IncTradesExecuted(at.symbol, string(fill.Side))
}

func (at *AutoTrader) persistSnapshot(ctx context.Context) {
	if at.snapshots == nil || !at.flags.PersistenceEnabled() {
		return
	}
	start := time.Now()
	rs := at.riskEngine.Snapshot()

	at.mu.Lock()
	snap := store.Snapshot{
		Symbol:      at.symbol,
		Position:    at.position,
		Risk:        rs,
		ATR:         at.estimator.State(),
		RealizedPnL: at.realizedPnL,
		CumFees:     at.cumFees,
		UpdatedAt:   at.clock(),
	}
	at.mu.Unlock()

	if err := at.snapshots.Save(ctx, snap); err != nil {
		metrics.IncSnapshotPersistFailures(at.symbol)
		log.Printf("[%s] snapshot save failed: %v", at.symbol, err)
		return
	}
	metrics.ObserveSnapshotPersistLatency(at.symbol, time.Since(start))
}

// Status reports the loop's current state for the HTTP API.
func (at *AutoTrader) Status() map[string]interface{} {
	at.mu.Lock()
	pos := at.position
	realized := at.realizedPnL
	fees := at.cumFees
	lastPrice := at.lastPrice
	lastSignal := at.lastSignal
	cycles := at.cycleCount
	atrValue, atrOK := at.estimator.Value()
	riskSnap := at.riskEngine.Snapshot()
	at.mu.Unlock()

	at.runMu.Lock()
	running := at.isRunning
	at.runMu.Unlock()

	return map[string]interface{}{
		"id":              at.config.ID,
		"symbol":          at.symbol,
		"running":         running,
		"mode":            string(pos.Mode),
		"reference_price": pos.ReferencePrice,
		"entry_price":     pos.EntryPrice,
		"quantity":        pos.Quantity,
		"atr":             atrValue,
		"atr_ready":       atrOK,
		"last_price":      lastPrice,
		"last_signal":     lastSignal,
		"cycles":          cycles,
		"realized_pnl":    realized,
		"cum_fees":        fees,
		"risk":            riskSnap,
		"flags":           at.flags.Snapshot(),
	}
}

// RiskEngine exposes the gate for the admin API.
func (at *AutoTrader) RiskEngine() *risk.Engine { return at.riskEngine }

// Symbol returns the normalized trading symbol.
func (at *AutoTrader) Symbol() string { return at.symbol }

// ID returns the configured bot identifier.
func (at *AutoTrader) ID() string { return at.config.ID }
