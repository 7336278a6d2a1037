package types

import (
	"fmt"
	"time"
)

// PartitionKey is the deterministic bucket identifier used to place an event
// in batch storage. Derived from (event date, device ID); stable for the
// lifetime of the event.
type PartitionKey struct {
	// Date is the event date in YYYYMMDD (UTC)
	Date string `json:"date"`

	// DeviceID is the device identifier
	DeviceID string `json:"device_id"`
}

// NewPartitionKey derives the partition key for an event timestamp and device.
func NewPartitionKey(ts time.Time, deviceID string) PartitionKey {
	return PartitionKey{
		Date:     ts.UTC().Format("20060102"),
		DeviceID: deviceID,
	}
}

// Prefix returns the storage path prefix {date}/{deviceID} for the partition.
func (k PartitionKey) Prefix() string {
	return k.Date + "/" + k.DeviceID
}

// ObjectPath returns the full object path {layer}/{date}/{deviceID}/{sequenceNo}.
func (k PartitionKey) ObjectPath(layer string, sequenceNo uint64) string {
	return fmt.Sprintf("%s/%s/%d", layer, k.Prefix(), sequenceNo)
}

// Storage layers an event passes through. Only the raw layer write is
// synchronous with the routing decision; later layers are promoted
// asynchronously.
const (
	LayerRaw       = "raw"
	LayerValidated = "validated"
	LayerFeature   = "feature"
)
