// Package types provides core data types for the Vigil ingestion core.
package types

import (
	"fmt"
	"time"
)

// SensorEvent represents a single accepted wearable telemetry event.
// Immutable once accepted; Raw retains the original wire bytes for audit.
type SensorEvent struct {
	// DeviceID identifies the wearable device that produced the event
	DeviceID string `json:"device_id"`

	// Timestamp is the wall-clock time the device recorded the event
	Timestamp time.Time `json:"timestamp"`

	// SequenceNo is the monotonically increasing per-device sequence number
	SequenceNo uint64 `json:"sequence_no"`

	// SchemaVersion tags the payload schema this event was produced under
	SchemaVersion int `json:"schema_version"`

	// Payload contains the typed motion-sensor samples and derived signals
	Payload Payload `json:"payload"`

	// Raw is the unmodified envelope as received, retained for the raw layer
	Raw []byte `json:"-"`
}

// Payload holds the motion-sensor content of an event.
type Payload struct {
	// FallScore is the on-device fall-likelihood score in [0, 1]
	FallScore float64 `json:"fall_score"`

	// DeviceHealthy is false when the device reports imminent failure
	DeviceHealthy bool `json:"device_healthy"`

	// Flags carries discrete safety conditions (e.g. "sos_button")
	Flags []string `json:"flags,omitempty"`

	// Samples are the raw accelerometer/gyroscope readings
	Samples []MotionSample `json:"samples,omitempty"`

	// Fields holds schema-versioned extension fields beyond the fixed set
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// MotionSample is a single inertial reading.
type MotionSample struct {
	// OffsetMillis is the sample offset from the event timestamp
	OffsetMillis int64 `json:"offset_ms"`

	// Ax, Ay, Az are accelerometer readings in g
	Ax float64 `json:"ax"`
	Ay float64 `json:"ay"`
	Az float64 `json:"az"`

	// Gx, Gy, Gz are gyroscope readings in deg/s
	Gx float64 `json:"gx,omitempty"`
	Gy float64 `json:"gy,omitempty"`
	Gz float64 `json:"gz,omitempty"`
}

// HasFlag reports whether the payload carries the given safety flag.
func (p Payload) HasFlag(flag string) bool {
	for _, f := range p.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// DedupKey returns the composite identity tuple used for duplicate detection.
func (e *SensorEvent) DedupKey() DedupKey {
	return DedupKey{
		DeviceID:      e.DeviceID,
		SequenceNo:    e.SequenceNo,
		SchemaVersion: e.SchemaVersion,
	}
}

// DedupKey is the identity tuple (device, sequence, schema version).
// Re-observation of the same key within the retention window is a duplicate,
// not a new event.
type DedupKey struct {
	DeviceID      string `json:"device_id"`
	SequenceNo    uint64 `json:"sequence_no"`
	SchemaVersion int    `json:"schema_version"`
}

// String renders the key in its canonical device/seq@version form.
func (k DedupKey) String() string {
	return fmt.Sprintf("%s/%d@v%d", k.DeviceID, k.SequenceNo, k.SchemaVersion)
}

// DeviceState tracks the last accepted position of a device's stream.
// Mutated only by the receiver path on each accepted event.
type DeviceState struct {
	// DeviceID identifies the device
	DeviceID string `json:"device_id"`

	// LastSeen is the timestamp of the most recent accepted event
	LastSeen time.Time `json:"last_seen"`

	// LastSequenceNo is the highest accepted sequence number
	LastSequenceNo uint64 `json:"last_sequence_no"`

	// LastSchemaVersion is the most recent accepted schema version
	LastSchemaVersion int `json:"last_schema_version"`

	// Online indicates whether the device is currently reporting
	Online bool `json:"online"`
}
