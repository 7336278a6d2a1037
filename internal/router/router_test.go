package router

import (
	"testing"

	"github.com/vigilwear/vigil/pkg/types"
)

func testRouter() *Router {
	return New(Config{
		AlertScore:    0.85,
		OverrideScore: 0.90,
		OverrideFlags: []string{"sos_button", "device_failing"},
	})
}

func event(score float64, healthy bool, flags ...string) *types.SensorEvent {
	return &types.SensorEvent{
		DeviceID:      "watch-1",
		SequenceNo:    1,
		SchemaVersion: 1,
		Payload: types.Payload{
			FallScore:     score,
			DeviceHealthy: healthy,
			Flags:         flags,
		},
	}
}

func TestClassify(t *testing.T) {
	r := testRouter()

	tests := []struct {
		name       string
		event      *types.SensorEvent
		path       types.RoutePath
		reason     string
		hardSafety bool
	}{
		{"below threshold", event(0.2, true), types.PathBatch, types.ReasonBelowThreshold, false},
		{"at alert threshold", event(0.85, true), types.PathAlert, types.ReasonFallScore, false},
		{"just below alert threshold", event(0.8499, true), types.PathBatch, types.ReasonBelowThreshold, false},
		{"at override threshold", event(0.90, true), types.PathAlert, types.ReasonFallScore, true},
		{"above override threshold", event(0.99, true), types.PathAlert, types.ReasonFallScore, true},
		{"unhealthy device low score", event(0.1, false), types.PathAlert, types.ReasonDeviceHealth, false},
		{"sos flag low score", event(0.0, true, "sos_button"), types.PathAlert, types.ReasonSafetyOverride, true},
		{"device failing flag", event(0.0, true, "device_failing"), types.PathAlert, types.ReasonSafetyOverride, true},
		{"unknown flag", event(0.0, true, "stride_change"), types.PathBatch, types.ReasonBelowThreshold, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Classify(tc.event)
			if got.Path != tc.path {
				t.Errorf("path = %s, want %s", got.Path, tc.path)
			}
			if got.Reason != tc.reason {
				t.Errorf("reason = %s, want %s", got.Reason, tc.reason)
			}
			if got.HardSafety != tc.hardSafety {
				t.Errorf("hardSafety = %v, want %v", got.HardSafety, tc.hardSafety)
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	r := testRouter()
	e := event(0.87, true, "stride_change")

	first := r.Classify(e)
	for i := 0; i < 100; i++ {
		if got := r.Classify(e); got != first {
			t.Fatalf("classification changed on call %d: %+v vs %+v", i, got, first)
		}
	}
}

func TestSeverity(t *testing.T) {
	r := testRouter()

	tests := []struct {
		name  string
		event *types.SensorEvent
		want  types.AlertSeverity
	}{
		{"alert-range score", event(0.86, true), types.SeverityWarning},
		{"unhealthy device", event(0.1, false), types.SeverityWarning},
		{"override score", event(0.95, true), types.SeverityCritical},
		{"sos flag", event(0.1, true, "sos_button"), types.SeverityCritical},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.Severity(tc.event); got != tc.want {
				t.Errorf("severity = %s, want %s", got, tc.want)
			}
		})
	}
}
