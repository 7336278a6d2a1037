// Package router classifies admitted events as requiring immediate alerting
// or batch-only handling.
//
// Classification is pure and deterministic: the same event always yields the
// same proposal. Budget-driven downgrades are applied atomically by the cost
// governor using the HardSafety marker computed here, so the override check
// and the counter update cannot interleave with another event's admission.
package router

import (
	"github.com/vigilwear/vigil/pkg/types"
)

// Classification is the router's proposal for an event.
type Classification struct {
	// Path is the proposed route before budget admission
	Path types.RoutePath

	// Reason is the machine-readable reason for the proposal
	Reason string

	// HardSafety marks signals configured to bypass the constrained-zone
	// downgrade
	HardSafety bool
}

// Config holds classification thresholds.
type Config struct {
	// AlertScore is the fall-likelihood score at or above which an event is
	// ALERT-eligible
	AlertScore float64

	// OverrideScore is the score at or above which the downgrade is bypassed
	OverrideScore float64

	// OverrideFlags lists payload flags that bypass the downgrade
	OverrideFlags []string
}

// Router classifies events against configured safety thresholds.
type Router struct {
	alertScore    float64
	overrideScore float64
	overrideFlags map[string]struct{}
}

// New creates a router with the given thresholds.
func New(cfg Config) *Router {
	flags := make(map[string]struct{}, len(cfg.OverrideFlags))
	for _, f := range cfg.OverrideFlags {
		flags[f] = struct{}{}
	}
	return &Router{
		alertScore:    cfg.AlertScore,
		overrideScore: cfg.OverrideScore,
		overrideFlags: flags,
	}
}

// Classify proposes a path for an event the governor has not shed.
func (r *Router) Classify(e *types.SensorEvent) Classification {
	hardSafety := e.Payload.FallScore >= r.overrideScore || r.hasOverrideFlag(e.Payload)

	switch {
	case r.hasOverrideFlag(e.Payload):
		return Classification{Path: types.PathAlert, Reason: types.ReasonSafetyOverride, HardSafety: true}
	case e.Payload.FallScore >= r.alertScore:
		return Classification{Path: types.PathAlert, Reason: types.ReasonFallScore, HardSafety: hardSafety}
	case !e.Payload.DeviceHealthy:
		return Classification{Path: types.PathAlert, Reason: types.ReasonDeviceHealth, HardSafety: hardSafety}
	default:
		return Classification{Path: types.PathBatch, Reason: types.ReasonBelowThreshold, HardSafety: false}
	}
}

// Severity grades an alert: hard-safety signals are critical, the rest warn.
func (r *Router) Severity(e *types.SensorEvent) types.AlertSeverity {
	if e.Payload.FallScore >= r.overrideScore || r.hasOverrideFlag(e.Payload) {
		return types.SeverityCritical
	}
	return types.SeverityWarning
}

func (r *Router) hasOverrideFlag(p types.Payload) bool {
	for _, f := range p.Flags {
		if _, ok := r.overrideFlags[f]; ok {
			return true
		}
	}
	return false
}
