package receiver

import (
	"encoding/json"
	"time"

	verrors "github.com/vigilwear/vigil/internal/errors"
	"github.com/vigilwear/vigil/pkg/types"
)

// envelope is the camelCase wire form devices send.
type envelope struct {
	DeviceID      string          `json:"deviceId"`
	Timestamp     time.Time       `json:"timestamp"`
	SequenceNo    uint64          `json:"sequenceNo"`
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
}

type wirePayload struct {
	FallScore     float64      `json:"fallScore"`
	DeviceHealthy bool         `json:"deviceHealthy"`
	Flags         []string     `json:"flags"`
	Samples       []wireSample `json:"samples"`
}

type wireSample struct {
	OffsetMillis int64   `json:"offsetMs"`
	Ax           float64 `json:"ax"`
	Ay           float64 `json:"ay"`
	Az           float64 `json:"az"`
	Gx           float64 `json:"gx"`
	Gy           float64 `json:"gy"`
	Gz           float64 `json:"gz"`
}

// fixedPayloadFields are the payload keys with dedicated struct fields;
// everything else is an extension field subject to schema evolution.
var fixedPayloadFields = map[string]struct{}{
	"fallScore":     {},
	"deviceHealthy": {},
	"flags":         {},
	"samples":       {},
}

// ParseEnvelope decodes a wire envelope into a SensorEvent, retaining the
// original bytes for the raw storage layer.
func ParseEnvelope(raw []byte) (*types.SensorEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, verrors.Wrap(verrors.ErrCategoryValidation, verrors.CodeInvalidEnvelope,
			"malformed envelope", err)
	}
	if len(env.Payload) == 0 {
		return nil, verrors.NewValidationError(verrors.CodeInvalidEnvelope, "payload is required")
	}

	var wp wirePayload
	if err := json.Unmarshal(env.Payload, &wp); err != nil {
		return nil, verrors.Wrap(verrors.ErrCategoryValidation, verrors.CodeInvalidEnvelope,
			"malformed payload", err)
	}

	extensions, err := extensionFields(env.Payload)
	if err != nil {
		return nil, err
	}

	samples := make([]types.MotionSample, len(wp.Samples))
	for i, s := range wp.Samples {
		samples[i] = types.MotionSample{
			OffsetMillis: s.OffsetMillis,
			Ax:           s.Ax, Ay: s.Ay, Az: s.Az,
			Gx: s.Gx, Gy: s.Gy, Gz: s.Gz,
		}
	}

	return &types.SensorEvent{
		DeviceID:      env.DeviceID,
		Timestamp:     env.Timestamp,
		SequenceNo:    env.SequenceNo,
		SchemaVersion: env.SchemaVersion,
		Payload: types.Payload{
			FallScore:     wp.FallScore,
			DeviceHealthy: wp.DeviceHealthy,
			Flags:         wp.Flags,
			Samples:       samples,
			Fields:        extensions,
		},
		Raw: raw,
	}, nil
}

// extensionFields decodes the payload keys beyond the fixed set.
func extensionFields(payload json.RawMessage) (map[string]interface{}, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(payload, &all); err != nil {
		return nil, verrors.Wrap(verrors.ErrCategoryValidation, verrors.CodeInvalidEnvelope,
			"payload must be a JSON object", err)
	}

	var extensions map[string]interface{}
	for name, value := range all {
		if _, fixed := fixedPayloadFields[name]; fixed {
			continue
		}
		if extensions == nil {
			extensions = make(map[string]interface{})
		}
		var decoded interface{}
		if err := json.Unmarshal(value, &decoded); err != nil {
			return nil, verrors.Wrap(verrors.ErrCategoryValidation, verrors.CodeInvalidEnvelope,
				"malformed payload field "+name, err)
		}
		extensions[name] = decoded
	}
	return extensions, nil
}
