package governor

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/vigilwear/vigil/pkg/types"
)

func testLedger(alerts, events, bytes int64) *Ledger {
	return NewLedger(Config{
		Window:       time.Minute,
		SoftFraction: 0.8,
		Limits: map[Dimension]int64{
			DimensionAlerts: alerts,
			DimensionEvents: events,
			DimensionBytes:  bytes,
		},
	})
}

func TestAdmit_NormalZone(t *testing.T) {
	l := testLedger(10, 100, 1<<20)

	v := l.Admit(types.PathAlert, 100, false)
	if v.Outcome != Admitted || v.Path != types.PathAlert {
		t.Errorf("expected alert admitted, got %+v", v)
	}

	v = l.Admit(types.PathBatch, 100, false)
	if v.Outcome != Admitted || v.Path != types.PathBatch {
		t.Errorf("expected batch admitted, got %+v", v)
	}
}

func TestAdmit_ConstrainedDowngradesAlerts(t *testing.T) {
	l := testLedger(10, 1000, 1<<30)

	// Soft threshold for alerts is 8.
	for i := 0; i < 8; i++ {
		if v := l.Admit(types.PathAlert, 10, false); v.Outcome != Admitted {
			t.Fatalf("alert %d not admitted: %+v", i, v)
		}
	}
	if z := l.Zone(DimensionAlerts); z != ZoneConstrained {
		t.Fatalf("zone = %s, want constrained", z)
	}

	v := l.Admit(types.PathAlert, 10, false)
	if v.Outcome != Downgraded || v.Path != types.PathBatch {
		t.Errorf("expected downgrade to batch, got %+v", v)
	}
	if v.Reason != types.ReasonBudgetDowngrade {
		t.Errorf("reason = %s, want %s", v.Reason, types.ReasonBudgetDowngrade)
	}

	// Batch proposals pass through the constrained alert dimension untouched.
	if v := l.Admit(types.PathBatch, 10, false); v.Outcome != Admitted {
		t.Errorf("batch should be unaffected by alert pressure: %+v", v)
	}
}

func TestAdmit_HardSafetyBypassesDowngrade(t *testing.T) {
	l := testLedger(10, 1000, 1<<30)

	for i := 0; i < 8; i++ {
		l.Admit(types.PathAlert, 10, false)
	}

	v := l.Admit(types.PathAlert, 10, true)
	if v.Outcome != Admitted || v.Path != types.PathAlert {
		t.Errorf("hard safety should keep the alert path in constrained zone, got %+v", v)
	}
}

func TestAdmit_ExhaustedShedsAlerts(t *testing.T) {
	l := testLedger(2, 1000, 1<<30)

	// Soft threshold is 1, so the second alert already downgrades; use hard
	// safety to push the counter to the limit.
	l.Admit(types.PathAlert, 10, true)
	l.Admit(types.PathAlert, 10, true)

	if z := l.Zone(DimensionAlerts); z != ZoneExhausted {
		t.Fatalf("zone = %s, want exhausted", z)
	}

	// Hard safety does not bypass an exhausted dimension.
	v := l.Admit(types.PathAlert, 10, true)
	if v.Outcome != Shed || v.Path != types.PathDropped {
		t.Errorf("expected shed, got %+v", v)
	}
	if v.Reason != types.ReasonBudgetExhausted {
		t.Errorf("reason = %s, want %s", v.Reason, types.ReasonBudgetExhausted)
	}
}

func TestAdmit_ExhaustedEventsShedsEverything(t *testing.T) {
	l := testLedger(100, 3, 1<<30)

	for i := 0; i < 3; i++ {
		l.Admit(types.PathBatch, 10, false)
	}

	v := l.Admit(types.PathBatch, 10, false)
	if v.Outcome != Shed {
		t.Errorf("expected shed after events exhausted, got %+v", v)
	}
	v = l.Admit(types.PathAlert, 10, true)
	if v.Outcome != Shed {
		t.Errorf("alerts must shed too when the event dimension is exhausted, got %+v", v)
	}
}

func TestAdmit_ShedConsumesNoBudget(t *testing.T) {
	l := testLedger(100, 2, 1<<30)

	l.Admit(types.PathBatch, 10, false)
	l.Admit(types.PathBatch, 10, false)

	before := l.SnapshotNow()
	for i := 0; i < 5; i++ {
		if v := l.Admit(types.PathBatch, 10, false); v.Outcome != Shed {
			t.Fatalf("expected shed, got %+v", v)
		}
	}
	after := l.SnapshotNow()

	for _, d := range []Dimension{DimensionAlerts, DimensionEvents, DimensionBytes} {
		if before.Counters[d] != after.Counters[d] {
			t.Errorf("%s counter moved on shed: %d -> %d", d, before.Counters[d], after.Counters[d])
		}
	}
}

func TestWindowRoll(t *testing.T) {
	l := testLedger(100, 3, 1<<30)

	current := time.Unix(1000, 0)
	l.now = func() time.Time { return current }
	l.windowStart = current

	for i := 0; i < 3; i++ {
		l.Admit(types.PathBatch, 10, false)
	}
	if v := l.Admit(types.PathBatch, 10, false); v.Outcome != Shed {
		t.Fatalf("expected shed before roll, got %+v", v)
	}

	current = current.Add(61 * time.Second)

	if v := l.Admit(types.PathBatch, 10, false); v.Outcome != Admitted {
		t.Errorf("expected admission after window roll, got %+v", v)
	}
	snap := l.SnapshotNow()
	if snap.Counters[DimensionEvents] != 1 {
		t.Errorf("counters not reset on roll: %d", snap.Counters[DimensionEvents])
	}
}

// Conservation: in any admission sequence within one window, the events
// counter equals the number of non-shed verdicts.
func TestProperty_CounterConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("events counter equals admitted count", prop.ForAll(
		func(proposals []bool, sizes []int) bool {
			l := testLedger(50, 100, 1<<20)

			admitted := int64(0)
			for i, isAlert := range proposals {
				size := 64
				if i < len(sizes) {
					size = sizes[i]%1024 + 1
				}
				path := types.PathBatch
				if isAlert {
					path = types.PathAlert
				}
				v := l.Admit(path, int64(size), false)
				if v.Outcome != Shed {
					admitted++
				}
			}

			return l.SnapshotNow().Counters[DimensionEvents] == admitted
		},
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(gen.IntRange(1, 4096)),
	))

	properties.TestingRun(t)
}

func TestZone_UnlimitedDimension(t *testing.T) {
	l := NewLedger(Config{Window: time.Minute, SoftFraction: 0.8, Limits: map[Dimension]int64{}})

	for i := 0; i < 1000; i++ {
		if v := l.Admit(types.PathAlert, 1<<20, false); v.Outcome != Admitted {
			t.Fatalf("unlimited ledger should always admit, got %+v", v)
		}
	}
	if z := l.Zone(DimensionEvents); z != ZoneNormal {
		t.Errorf("unlimited dimension zone = %s, want normal", z)
	}
}
