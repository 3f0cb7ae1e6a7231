package atr

// Sample is one observed price bar: the high, low and close of the most
// recent polling interval.
type Sample struct {
	High  float64
	Low   float64
	Close float64
}

// Estimator maintains a sliding window of true-range values and exposes their
// simple mean as the current ATR. It is a pure accumulator: no clock, no I/O,
// no error paths.
type Estimator struct {
	window    int
	trs       []float64
	prevClose float64
	seeded    bool
}

// State is the serializable view of an estimator, embedded into persisted
// snapshots so the warm-up window survives restarts.
type State struct {
	Window    int       `json:"window"`
	TRs       []float64 `json:"trs"`
	PrevClose float64   `json:"prev_close"`
	Seeded    bool      `json:"seeded"`
}

// NewEstimator builds an estimator over a window of n true-range samples.
// A non-positive n is clamped to 1.
func NewEstimator(n int) *Estimator {
	if n <= 0 {
		n = 1
	}
	return &Estimator{
		window: n,
		trs:    make([]float64, 0, n),
	}
}

// Restore rebuilds an estimator from persisted state. The stored window wins
// over n unless it is invalid. Excess buffered values are dropped oldest-first.
func Restore(st State, n int) *Estimator {
	window := st.Window
	if window <= 0 {
		window = n
	}
	e := NewEstimator(window)
	trs := st.TRs
	if len(trs) > e.window {
		trs = trs[len(trs)-e.window:]
	}
	e.trs = append(e.trs, trs...)
	e.prevClose = st.PrevClose
	e.seeded = st.Seeded
	return e
}

// Observe feeds one sample and returns the current ATR. ok is false until the
// window is full; callers must treat that as "hold, no volatility estimate".
func (e *Estimator) Observe(s Sample) (float64, bool) {
	tr := s.High - s.Low
	if e.seeded {
		if d := abs(s.High - e.prevClose); d > tr {
			tr = d
		}
		if d := abs(s.Low - e.prevClose); d > tr {
			tr = d
		}
	}
	e.prevClose = s.Close
	e.seeded = true

	if len(e.trs) == e.window {
		copy(e.trs, e.trs[1:])
		e.trs[len(e.trs)-1] = tr
	} else {
		e.trs = append(e.trs, tr)
	}

	return e.Value()
}

// Value returns the current ATR without consuming a sample.
func (e *Estimator) Value() (float64, bool) {
	if len(e.trs) < e.window {
		return 0, false
	}
	sum := 0.0
	for _, tr := range e.trs {
		sum += tr
	}
	return sum / float64(len(e.trs)), true
}

// Window returns the configured window length.
func (e *Estimator) Window() int { return e.window }

// State snapshots the estimator for persistence.
func (e *Estimator) State() State {
	trs := make([]float64, len(e.trs))
	copy(trs, e.trs)
	return State{
		Window:    e.window,
		TRs:       trs,
		PrevClose: e.prevClose,
		Seeded:    e.seeded,
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
