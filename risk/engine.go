package risk

import (
	"fmt"
	"sync/atomic"
	"time"

	"atrbot/featureflag"
	"atrbot/metrics"
)

// Engine is the veto layer in front of the strategy. It never produces
// signals; it only authorizes or denies them. Checks run in a fixed order and
// the first failure wins: cooldown, daily trade cap, daily loss kill-switch.
type Engine struct {
	symbol string
	store  *Store
	flags  *featureflag.RuntimeFlags
	params atomic.Value // Parameters
}

// NewEngine wires a risk gate for one symbol.
func NewEngine(symbol string, params Parameters, store *Store, flags *featureflag.RuntimeFlags) *Engine {
	if store == nil {
		store = NewStore()
	}
	if flags == nil {
		flags = featureflag.NewRuntimeFlags(featureflag.DefaultState())
	}

	e := &Engine{
		symbol: symbol,
		store:  store,
		flags:  flags,
	}
	e.params.Store(normalizeParameters(params))
	return e
}

func normalizeParameters(p Parameters) Parameters {
	if p.MaxTradesPerDay < 0 {
		p.MaxTradesPerDay = 0
	}
	if p.Cooldown < 0 {
		p.Cooldown = 0
	}
	if p.MaxDailyLossPct < 0 {
		p.MaxDailyLossPct = 0
	}
	return p
}

// Parameters returns the current guard rails.
func (e *Engine) Parameters() Parameters {
	return e.params.Load().(Parameters)
}

// UpdateParameters swaps the guard rails at runtime.
func (e *Engine) UpdateParameters(p Parameters) {
	e.params.Store(normalizeParameters(p))
}

// Authorize decides whether a proposed trade may proceed at the given cycle
// timestamp. Crossing a UTC day boundary resets the counters (and clears the
// kill-switch) before any check runs. With risk enforcement disabled via
// feature flag, every trade is allowed but counters still roll.
func (e *Engine) Authorize(now time.Time) Decision {
	if rolled := e.store.RollDay(e.symbol, now, e.flags); rolled {
		metrics.SetKillSwitchActive(e.symbol, false)
	}

	if !e.flags.RiskEnforcementEnabled() {
		return Decision{Allowed: true}
	}

	p := e.Parameters()
	snap := e.store.Snapshot(e.symbol, e.flags)

	if p.Cooldown > 0 && !snap.LastTradeAt.IsZero() && now.Sub(snap.LastTradeAt) < p.Cooldown {
		return e.deny(ReasonCooldown, fmt.Sprintf("in cooldown for %s", p.Cooldown-now.Sub(snap.LastTradeAt)))
	}

	if p.MaxTradesPerDay > 0 && snap.TradesToday >= p.MaxTradesPerDay {
		return e.deny(ReasonTradeCap, fmt.Sprintf("daily trade cap %d reached", p.MaxTradesPerDay))
	}

	if e.killSwitched(p, snap.RealizedLossToday) {
		metrics.SetKillSwitchActive(e.symbol, true)
		return e.deny(ReasonKillSwitch, fmt.Sprintf("daily loss %.2f >= %.2f%% of start equity", snap.RealizedLossToday, p.MaxDailyLossPct))
	}

	return Decision{Allowed: true}
}

func (e *Engine) deny(reason, detail string) Decision {
	metrics.IncRiskBlocks(e.symbol, reason)
	return Decision{Allowed: false, Reason: reason + ": " + detail}
}

func (e *Engine) killSwitched(p Parameters, lossToday float64) bool {
	if p.MaxDailyLossPct <= 0 || p.StartEquity <= 0 {
		return false
	}
	return lossToday/p.StartEquity*100 >= p.MaxDailyLossPct
}

// RecordFill registers a confirmed fill: trade count and cooldown anchor.
// Called for both BUY and SELL fills.
func (e *Engine) RecordFill(now time.Time) Snapshot {
	return e.store.RecordFill(e.symbol, now, e.flags)
}

// RecordRealizedLoss accumulates the losing part of a closed trade. Gains are
// ignored: the kill-switch tally only ever grows within a day.
func (e *Engine) RecordRealizedLoss(loss float64, now time.Time) float64 {
	total := e.store.AccumulateLoss(e.symbol, loss, now, e.flags)
	if e.killSwitched(e.Parameters(), total) {
		metrics.SetKillSwitchActive(e.symbol, true)
	}
	return total
}

// Restore seeds the gate from a persisted snapshot at startup.
func (e *Engine) Restore(snap Snapshot) {
	e.store.Restore(e.symbol, snap, e.flags)
}

// Snapshot exposes the latest risk state, with the kill-switch flag derived
// from the current parameters.
func (e *Engine) Snapshot() Snapshot {
	snap := e.store.Snapshot(e.symbol, e.flags)
	snap.KillSwitched = e.killSwitched(e.Parameters(), snap.RealizedLossToday)
	return snap
}
