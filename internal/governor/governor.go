// Package governor enforces a rolling cost budget over admission.
//
// The ledger owns all budget state; nothing else in the system reads or
// writes the counters. Counter updates happen under the same lock as the
// admission verdict, so two concurrent events cannot both slip past a
// threshold crossing. Counters only ever grow within a window and are reset
// solely by window expiry.
package governor

import (
	"sync"
	"time"

	"github.com/vigilwear/vigil/pkg/types"
)

// Dimension is a budgeted cost dimension.
type Dimension string

const (
	// DimensionAlerts counts alert-path events per window
	DimensionAlerts Dimension = "alerts"

	// DimensionEvents counts admitted events per window
	DimensionEvents Dimension = "events"

	// DimensionBytes counts processed payload bytes per window
	DimensionBytes Dimension = "bytes"
)

// Zone is the budget pressure zone of a dimension.
type Zone int

const (
	// ZoneNormal means usage is below the soft threshold
	ZoneNormal Zone = iota

	// ZoneConstrained means usage is between the soft and hard thresholds;
	// ALERT-eligible events are downgraded to BATCH
	ZoneConstrained

	// ZoneExhausted means usage reached the hard threshold; events that
	// would use the dimension are shed
	ZoneExhausted
)

// String returns the zone name.
func (z Zone) String() string {
	switch z {
	case ZoneConstrained:
		return "constrained"
	case ZoneExhausted:
		return "exhausted"
	default:
		return "normal"
	}
}

// Outcome is the admission verdict.
type Outcome int

const (
	// Admitted means the event proceeds on its proposed path
	Admitted Outcome = iota

	// Downgraded means an ALERT-eligible event proceeds as BATCH-only
	Downgraded

	// Shed means the event is dropped, with the decision audited
	Shed
)

// Verdict is the result of an admission check.
type Verdict struct {
	// Outcome is the admission outcome
	Outcome Outcome

	// Path is the final path after any downgrade
	Path types.RoutePath

	// Reason is set for downgrades and sheds
	Reason string
}

// Config holds the per-dimension budgets.
type Config struct {
	// Window is the tumbling window the counters accumulate over
	Window time.Duration

	// SoftFraction is the fraction of a hard limit at which a dimension
	// becomes constrained
	SoftFraction float64

	// Limits maps each dimension to its hard limit per window
	Limits map[Dimension]int64
}

// Ledger tracks rolling counters against configured budget thresholds.
type Ledger struct {
	mu           sync.Mutex
	window       time.Duration
	softFraction float64
	limits       map[Dimension]int64
	counters     map[Dimension]int64
	windowStart  time.Time

	now func() time.Time // overridable for tests
}

// Snapshot is a point-in-time view of the ledger for audit and monitoring.
type Snapshot struct {
	WindowStart time.Time           `json:"window_start"`
	Counters    map[Dimension]int64 `json:"counters"`
	Limits      map[Dimension]int64 `json:"limits"`
	Zones       map[Dimension]Zone  `json:"zones"`
}

// NewLedger creates a ledger with the given budgets.
func NewLedger(cfg Config) *Ledger {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.SoftFraction <= 0 || cfg.SoftFraction >= 1 {
		cfg.SoftFraction = 0.8
	}

	limits := make(map[Dimension]int64, len(cfg.Limits))
	for d, l := range cfg.Limits {
		limits[d] = l
	}

	l := &Ledger{
		window:       cfg.Window,
		softFraction: cfg.SoftFraction,
		limits:       limits,
		counters:     make(map[Dimension]int64, len(limits)),
		now:          time.Now,
	}
	l.windowStart = l.now()
	return l
}

// Admit decides whether an event may proceed on its proposed path and, if so,
// consumes budget for it. The counter update and the verdict are atomic.
// hardSafety marks proposals that bypass the constrained-zone downgrade
// (it does not bypass shedding on an exhausted dimension).
//
// Shed events consume no budget: the sum of counter increments within a
// window equals the number of admitted events in that window.
func (l *Ledger) Admit(proposed types.RoutePath, sizeBytes int64, hardSafety bool) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeRoll()

	// Dimensions every admitted event uses.
	if l.zoneLocked(DimensionEvents) == ZoneExhausted || l.zoneLocked(DimensionBytes) == ZoneExhausted {
		return Verdict{Outcome: Shed, Path: types.PathDropped, Reason: types.ReasonBudgetExhausted}
	}

	path := proposed
	verdict := Verdict{Outcome: Admitted, Path: path}

	if proposed == types.PathAlert {
		switch l.zoneLocked(DimensionAlerts) {
		case ZoneExhausted:
			// The alert dimension is what this event would consume.
			return Verdict{Outcome: Shed, Path: types.PathDropped, Reason: types.ReasonBudgetExhausted}
		case ZoneConstrained:
			if !hardSafety {
				path = types.PathBatch
				verdict = Verdict{Outcome: Downgraded, Path: path, Reason: types.ReasonBudgetDowngrade}
			}
		}
	}

	l.counters[DimensionEvents]++
	l.counters[DimensionBytes] += sizeBytes
	if path == types.PathAlert {
		l.counters[DimensionAlerts]++
	}

	return verdict
}

// Zone returns the current pressure zone of a dimension.
func (l *Ledger) Zone(d Dimension) Zone {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeRoll()
	return l.zoneLocked(d)
}

// SnapshotNow returns a copy of the current ledger state.
func (l *Ledger) SnapshotNow() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeRoll()

	snap := Snapshot{
		WindowStart: l.windowStart,
		Counters:    make(map[Dimension]int64, len(l.counters)),
		Limits:      make(map[Dimension]int64, len(l.limits)),
		Zones:       make(map[Dimension]Zone, len(l.limits)),
	}
	for d := range l.limits {
		snap.Counters[d] = l.counters[d]
		snap.Limits[d] = l.limits[d]
		snap.Zones[d] = l.zoneLocked(d)
	}
	return snap
}

// maybeRoll resets the counters when the window has expired. Callers hold mu.
func (l *Ledger) maybeRoll() {
	now := l.now()
	if now.Sub(l.windowStart) >= l.window {
		l.counters = make(map[Dimension]int64, len(l.limits))
		l.windowStart = now
	}
}

// zoneLocked computes a dimension's zone. Callers hold mu.
func (l *Ledger) zoneLocked(d Dimension) Zone {
	limit, ok := l.limits[d]
	if !ok || limit <= 0 {
		return ZoneNormal
	}

	usage := l.counters[d]
	soft := int64(float64(limit) * l.softFraction)

	switch {
	case usage >= limit:
		return ZoneExhausted
	case usage >= soft:
		return ZoneConstrained
	default:
		return ZoneNormal
	}
}
