package risk

import "time"

// Veto reasons reported by the gate. They double as metric labels.
const (
	ReasonCooldown   = "cooldown"
	ReasonTradeCap   = "trade_cap"
	ReasonKillSwitch = "kill_switch"
)

// Parameters defines the guard rails enforced by the risk gate.
type Parameters struct {
	MaxTradesPerDay int
	Cooldown        time.Duration
	MaxDailyLossPct float64 // percent of StartEquity, e.g. 3.0
	StartEquity     float64
}

// Decision captures the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Snapshot is a read-only view of the current risk state for a symbol. Day is
// the UTC calendar day the counters belong to, formatted 2006-01-02.
type Snapshot struct {
	TradesToday       int       `json:"trades_today"`
	RealizedLossToday float64   `json:"realized_loss_today"`
	LastTradeAt       time.Time `json:"last_trade_at"`
	Day               string    `json:"day"`
	KillSwitched      bool      `json:"kill_switched"`
}

// PersistFunc allows plugging persistence for risk state changes.
type PersistFunc func(symbol string, snapshot Snapshot) error
