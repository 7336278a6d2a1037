package types

import "time"

// RoutePath is the chosen handling path for an event.
type RoutePath string

const (
	// PathAlert routes the event to the time-critical notification sink
	PathAlert RoutePath = "ALERT"

	// PathBatch routes the event to partitioned batch storage only
	PathBatch RoutePath = "BATCH"

	// PathDropped records a deliberate shed; no dispatch or write follows
	PathDropped RoutePath = "DROPPED"
)

// Reason codes recorded on routing decisions.
const (
	ReasonFallScore      = "FALL_SCORE_ABOVE_THRESHOLD"
	ReasonDeviceHealth   = "DEVICE_HEALTH_DEGRADED"
	ReasonSafetyOverride = "HARD_SAFETY_OVERRIDE"
	ReasonBelowThreshold = "SIGNAL_BELOW_THRESHOLD"
	ReasonBudgetDowngrade = "BUDGET_CONSTRAINED_DOWNGRADE"
	ReasonBudgetExhausted = "BUDGET_EXHAUSTED"
)

// RoutingDecision is the immutable audit record written exactly once per
// accepted event.
type RoutingDecision struct {
	// DecisionID uniquely identifies the decision
	DecisionID string `json:"decision_id"`

	// Key is the event identity tuple the decision was made for
	Key DedupKey `json:"key"`

	// Path is the chosen route: ALERT, BATCH, or DROPPED
	Path RoutePath `json:"path"`

	// Reason is the machine-readable reason code for the chosen path
	Reason string `json:"reason"`

	// State is the terminal state the event reached (ACKED or FAILED)
	State EventState `json:"state"`

	// DecidedAt is when the decision was recorded
	DecidedAt time.Time `json:"decided_at"`
}

// EventState tracks an event through the admission state machine.
type EventState string

const (
	StateReceived     EventState = "RECEIVED"
	StateValidated    EventState = "VALIDATED"
	StateDedupChecked EventState = "DEDUP_CHECKED"
	StateAdmitted     EventState = "ADMITTED"
	StateShed         EventState = "SHED"
	StateRouted       EventState = "ROUTED"
	StateDispatched   EventState = "DISPATCHED"
	StateWritten      EventState = "WRITTEN"
	StateAcked        EventState = "ACKED"
	StateFailed       EventState = "FAILED"
)

// Terminal reports whether the state ends the event's lifecycle. Shed events
// are terminal as recorded: the deliberate drop is their complete handling.
func (s EventState) Terminal() bool {
	return s == StateAcked || s == StateFailed || s == StateShed
}

// AlertSeverity grades outbound alerts.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is the outbound push contract for the notification sink.
type Alert struct {
	EventID   string        `json:"eventId"`
	DeviceID  string        `json:"deviceId"`
	Severity  AlertSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
}
