package featureflag

import "sync/atomic"

// RuntimeFlags exposes feature toggles that can be flipped without restarting
// the process. Atomic primitives guarantee visibility across goroutines without
// requiring heavyweight locks.
type RuntimeFlags struct {
	orderPlacement  atomic.Bool
	riskEnforcement atomic.Bool
	mutexProtection atomic.Bool
	persistence     atomic.Bool
}

// State is a materialized snapshot of the current feature flag values.
type State struct {
	EnableOrderPlacement  bool `json:"enable_order_placement" yaml:"enable_order_placement"`
	EnableRiskEnforcement bool `json:"enable_risk_enforcement" yaml:"enable_risk_enforcement"`
	EnableMutexProtection bool `json:"enable_mutex_protection" yaml:"enable_mutex_protection"`
	EnablePersistence     bool `json:"enable_persistence" yaml:"enable_persistence"`
}

// Update represents a partial mutation to the runtime flags. Nil values mean
// "leave untouched" so callers can update a subset of flags.
type Update struct {
	EnableOrderPlacement  *bool `json:"enable_order_placement"`
	EnableRiskEnforcement *bool `json:"enable_risk_enforcement"`
	EnableMutexProtection *bool `json:"enable_mutex_protection"`
	EnablePersistence     *bool `json:"enable_persistence"`
}

// DefaultState is the flag set a fresh process starts with: everything on.
func DefaultState() State {
	return State{
		EnableOrderPlacement:  true,
		EnableRiskEnforcement: true,
		EnableMutexProtection: true,
		EnablePersistence:     true,
	}
}

// NewRuntimeFlags constructs a RuntimeFlags container initialized with the
// provided defaults.
func NewRuntimeFlags(initial State) *RuntimeFlags {
	flags := &RuntimeFlags{}
	flags.SetOrderPlacement(initial.EnableOrderPlacement)
	flags.SetRiskEnforcement(initial.EnableRiskEnforcement)
	flags.SetMutexProtection(initial.EnableMutexProtection)
	flags.SetPersistence(initial.EnablePersistence)
	return flags
}

// OrderPlacementEnabled reports whether the engine may submit orders. The loop
// clears this flag after a fatal execution error so the process degrades to
// monitoring-only operation instead of retrying doomed submissions.
func (f *RuntimeFlags) OrderPlacementEnabled() bool {
	if f == nil {
		return false
	}
	return f.orderPlacement.Load()
}

// SetOrderPlacement toggles order submission.
func (f *RuntimeFlags) SetOrderPlacement(enabled bool) {
	if f == nil {
		return
	}
	f.orderPlacement.Store(enabled)
}

// RiskEnforcementEnabled reports whether the risk gate may veto signals.
func (f *RuntimeFlags) RiskEnforcementEnabled() bool {
	if f == nil {
		return false
	}
	return f.riskEnforcement.Load()
}

// SetRiskEnforcement toggles risk gate enforcement.
func (f *RuntimeFlags) SetRiskEnforcement(enabled bool) {
	if f == nil {
		return
	}
	f.riskEnforcement.Store(enabled)
}

// MutexProtectionEnabled reports whether risk-state mutations should use the
// mutex guard to avoid data races.
func (f *RuntimeFlags) MutexProtectionEnabled() bool {
	if f == nil {
		return false
	}
	return f.mutexProtection.Load()
}

// SetMutexProtection toggles the risk-state mutex usage.
func (f *RuntimeFlags) SetMutexProtection(enabled bool) {
	if f == nil {
		return
	}
	f.mutexProtection.Store(enabled)
}

// PersistenceEnabled reports whether state snapshots should be persisted.
func (f *RuntimeFlags) PersistenceEnabled() bool {
	if f == nil {
		return false
	}
	return f.persistence.Load()
}

// SetPersistence toggles snapshot persistence.
func (f *RuntimeFlags) SetPersistence(enabled bool) {
	if f == nil {
		return
	}
	f.persistence.Store(enabled)
}

// Snapshot takes a consistent snapshot of all flags.
func (f *RuntimeFlags) Snapshot() State {
	if f == nil {
		return State{}
	}
	return State{
		EnableOrderPlacement:  f.OrderPlacementEnabled(),
		EnableRiskEnforcement: f.RiskEnforcementEnabled(),
		EnableMutexProtection: f.MutexProtectionEnabled(),
		EnablePersistence:     f.PersistenceEnabled(),
	}
}

// Apply atomically updates the flags according to the supplied patch and
// returns the resulting snapshot.
func (f *RuntimeFlags) Apply(update Update) State {
	if f == nil {
		return State{}
	}
	if update.EnableOrderPlacement != nil {
		f.SetOrderPlacement(*update.EnableOrderPlacement)
	}
	if update.EnableRiskEnforcement != nil {
		f.SetRiskEnforcement(*update.EnableRiskEnforcement)
	}
	if update.EnableMutexProtection != nil {
		f.SetMutexProtection(*update.EnableMutexProtection)
	}
	if update.EnablePersistence != nil {
		f.SetPersistence(*update.EnablePersistence)
	}
	return f.Snapshot()
}
