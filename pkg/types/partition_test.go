package types

import (
	"testing"
	"time"
)

func TestNewPartitionKey(t *testing.T) {
	ts := time.Date(2026, 1, 15, 23, 59, 59, 0, time.UTC)
	k := NewPartitionKey(ts, "watch-1")

	if k.Date != "20260115" {
		t.Errorf("date = %s, want 20260115", k.Date)
	}
	if k.Prefix() != "20260115/watch-1" {
		t.Errorf("prefix = %s", k.Prefix())
	}
	if got := k.ObjectPath(LayerRaw, 42); got != "raw/20260115/watch-1/42" {
		t.Errorf("object path = %s", got)
	}
}

func TestNewPartitionKey_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 02:00 on Jan 16 in UTC+9 is still Jan 15 in UTC.
	local := time.Date(2026, 1, 16, 2, 0, 0, 0, loc)

	k := NewPartitionKey(local, "watch-1")
	if k.Date != "20260115" {
		t.Errorf("date = %s, want the UTC date 20260115", k.Date)
	}
}
