package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/vigilwear/vigil/pkg/types"
)

func key(device string, seq uint64) types.DedupKey {
	return types.DedupKey{DeviceID: device, SequenceNo: seq, SchemaVersion: 1}
}

func TestCheckRecord(t *testing.T) {
	c := NewChecker(Config{Window: time.Hour})

	k := key("watch-1", 42)

	if res := c.Check(k); res.Duplicate {
		t.Fatal("fresh key should not be a duplicate")
	}

	c.Record(k, "decision-1")

	res := c.Check(k)
	if !res.Duplicate {
		t.Fatal("recorded key should be a duplicate")
	}
	if res.DecisionID != "decision-1" {
		t.Errorf("decision id = %s, want decision-1", res.DecisionID)
	}
}

func TestCheck_Idempotent(t *testing.T) {
	c := NewChecker(Config{Window: time.Hour})

	k := key("watch-1", 7)
	c.Record(k, "decision-7")

	first := c.Check(k)
	for i := 0; i < 10; i++ {
		if got := c.Check(k); got != first {
			t.Fatalf("check result changed on call %d: %+v vs %+v", i, got, first)
		}
	}
}

func TestRecord_KeepsOriginalDecision(t *testing.T) {
	c := NewChecker(Config{Window: time.Hour})

	k := key("watch-1", 1)
	c.Record(k, "first")
	c.Record(k, "second")

	if res := c.Check(k); res.DecisionID != "first" {
		t.Errorf("decision id = %s, want first (re-record must not replace)", res.DecisionID)
	}
}

func TestKeyComponentsAreDistinct(t *testing.T) {
	c := NewChecker(Config{Window: time.Hour})

	c.Record(key("watch-1", 1), "d1")

	if c.Check(key("watch-2", 1)).Duplicate {
		t.Error("different device must not collide")
	}
	if c.Check(key("watch-1", 2)).Duplicate {
		t.Error("different sequence must not collide")
	}
	other := types.DedupKey{DeviceID: "watch-1", SequenceNo: 1, SchemaVersion: 2}
	if c.Check(other).Duplicate {
		t.Error("different schema version must not collide")
	}
}

func TestExpiry(t *testing.T) {
	c := NewChecker(Config{Window: time.Hour})

	current := time.Unix(1000, 0)
	c.now = func() time.Time { return current }

	k := key("watch-1", 5)
	c.Record(k, "d5")

	current = current.Add(59 * time.Minute)
	if !c.Check(k).Duplicate {
		t.Fatal("key should survive within the window")
	}

	current = current.Add(2 * time.Minute)
	if c.Check(k).Duplicate {
		t.Fatal("expired key should not be a duplicate")
	}

	// After expiry the key can be recorded under a fresh decision.
	c.Record(k, "d5-retry")
	if res := c.Check(k); !res.Duplicate || res.DecisionID != "d5-retry" {
		t.Errorf("post-expiry record not visible: %+v", res)
	}
}

func TestSweep(t *testing.T) {
	c := NewChecker(Config{Window: time.Hour})

	current := time.Unix(1000, 0)
	c.now = func() time.Time { return current }

	for i := uint64(0); i < 100; i++ {
		c.Record(key(fmt.Sprintf("watch-%d", i%10), i), fmt.Sprintf("d%d", i))
	}
	if c.Len() != 100 {
		t.Fatalf("len = %d, want 100", c.Len())
	}

	current = current.Add(30 * time.Minute)
	for i := uint64(100); i < 150; i++ {
		c.Record(key("late", i), fmt.Sprintf("d%d", i))
	}

	current = current.Add(45 * time.Minute)
	c.Sweep()

	if c.Len() != 50 {
		t.Errorf("len after sweep = %d, want 50 survivors", c.Len())
	}
	if !c.Check(key("late", 120)).Duplicate {
		t.Error("unexpired key evicted by sweep")
	}
	if c.Check(key("watch-3", 3)).Duplicate {
		t.Error("expired key survived sweep")
	}
}

func TestLen(t *testing.T) {
	c := NewChecker(Config{Window: time.Hour, Shards: 4})

	for i := uint64(0); i < 37; i++ {
		c.Record(key("watch", i), fmt.Sprintf("d%d", i))
	}
	if c.Len() != 37 {
		t.Errorf("len = %d, want 37", c.Len())
	}
}
