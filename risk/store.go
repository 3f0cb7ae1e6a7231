package risk

import (
	"sync"
	"sync/atomic"
	"time"

	"atrbot/featureflag"
)

// DayKey formats a timestamp as the UTC calendar-day marker used for counter
// resets.
func DayKey(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

type state struct {
	mu                sync.Mutex
	tradesToday       int
	realizedLossToday float64
	lastTradeAt       time.Time
	day               string
}

func (s *state) mutate(useMutex bool, fn func()) Snapshot {
	if useMutex {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	fn()
	return s.snapshotUnsafe()
}

func (s *state) view(useMutex bool) Snapshot {
	if useMutex {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return s.snapshotUnsafe()
}

func (s *state) snapshotUnsafe() Snapshot {
	return Snapshot{
		TradesToday:       s.tradesToday,
		RealizedLossToday: s.realizedLossToday,
		LastTradeAt:       s.lastTradeAt,
		Day:               s.day,
	}
}

// rollUnsafe resets the daily counters when ts has crossed into a new UTC
// calendar day. Returns true when a reset occurred.
func (s *state) rollUnsafe(ts time.Time) bool {
	key := DayKey(ts)
	if s.day == key {
		return false
	}
	s.day = key
	s.tradesToday = 0
	s.realizedLossToday = 0
	return true
}

// Store keeps in-memory risk state per symbol and notifies a persistence hook
// on every change. Each symbol's counters are independent; the zero day marker
// is lazily seeded from the first observed timestamp.
type Store struct {
	mu      sync.RWMutex
	states  map[string]*state
	persist atomic.Value // PersistFunc
}

// NewStore constructs an empty risk store.
func NewStore() *Store {
	s := &Store{states: make(map[string]*state)}
	s.persist.Store(PersistFunc(nil))
	return s
}

// SetPersistFunc installs a persistence hook that receives every new snapshot.
func (s *Store) SetPersistFunc(fn PersistFunc) {
	s.persist.Store(fn)
}

func (s *Store) ensureState(symbol string, now time.Time) *state {
	s.mu.RLock()
	st, ok := s.states[symbol]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.states[symbol]; ok {
		return st
	}
	st = &state{day: DayKey(now)}
	s.states[symbol] = st
	return st
}

func useMutex(flags *featureflag.RuntimeFlags) bool {
	if flags == nil {
		return true
	}
	return flags.MutexProtectionEnabled()
}

// RollDay resets the counters once the timestamp crosses a UTC day boundary.
// It returns true when a reset occurred.
func (s *Store) RollDay(symbol string, now time.Time, flags *featureflag.RuntimeFlags) bool {
	st := s.ensureState(symbol, now)
	rolled := false
	snapshot := st.mutate(useMutex(flags), func() {
		rolled = st.rollUnsafe(now)
	})

	if rolled {
		s.persistSnapshot(symbol, snapshot, flags)
	}
	return rolled
}

// RecordFill registers an authorized fill: the trade counter increments and
// the cooldown anchor moves to now.
func (s *Store) RecordFill(symbol string, now time.Time, flags *featureflag.RuntimeFlags) Snapshot {
	st := s.ensureState(symbol, now)
	snapshot := st.mutate(useMutex(flags), func() {
		st.rollUnsafe(now)
		st.tradesToday++
		st.lastTradeAt = now
	})

	s.persistSnapshot(symbol, snapshot, flags)
	return snapshot
}

// AccumulateLoss adds a realized loss to today's tally and returns the new
// total. Gains never reduce the tally: non-positive losses are ignored.
func (s *Store) AccumulateLoss(symbol string, loss float64, now time.Time, flags *featureflag.RuntimeFlags) float64 {
	st := s.ensureState(symbol, now)
	snapshot := st.mutate(useMutex(flags), func() {
		st.rollUnsafe(now)
		if loss > 0 {
			st.realizedLossToday += loss
		}
	})

	s.persistSnapshot(symbol, snapshot, flags)
	return snapshot.RealizedLossToday
}

// Restore seeds a symbol's counters from a persisted snapshot. Day rollover is
// intentionally not applied here; the first cycle's RollDay handles a snapshot
// from a previous day.
func (s *Store) Restore(symbol string, snap Snapshot, flags *featureflag.RuntimeFlags) {
	st := s.ensureState(symbol, time.Now())
	st.mutate(useMutex(flags), func() {
		st.tradesToday = snap.TradesToday
		st.realizedLossToday = snap.RealizedLossToday
		st.lastTradeAt = snap.LastTradeAt
		if snap.Day != "" {
			st.day = snap.Day
		}
	})
}

// Snapshot returns a copy of the current risk state.
func (s *Store) Snapshot(symbol string, flags *featureflag.RuntimeFlags) Snapshot {
	st := s.ensureState(symbol, time.Now())
	return st.view(useMutex(flags))
}

func (s *Store) persistSnapshot(symbol string, snapshot Snapshot, flags *featureflag.RuntimeFlags) {
	if flags != nil && !flags.PersistenceEnabled() {
		return
	}
	if fn, ok := s.persist.Load().(PersistFunc); ok && fn != nil {
		_ = fn(symbol, snapshot)
	}
}
