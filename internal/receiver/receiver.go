// Package receiver orchestrates event admission: envelope validation, schema
// checks, duplicate suppression, budget admission, routing, and the side
// effects the chosen path requires.
//
// The receiver owns the ordering guarantees of the pipeline. A decision is
// recorded before any side effect runs, duplicates short-circuit to the prior
// decision without re-running side effects, and shed events are audited but
// never dispatched or written.
package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigilwear/vigil/internal/audit"
	"github.com/vigilwear/vigil/internal/batch"
	"github.com/vigilwear/vigil/internal/dedup"
	"github.com/vigilwear/vigil/internal/dispatch"
	verrors "github.com/vigilwear/vigil/internal/errors"
	"github.com/vigilwear/vigil/internal/governor"
	"github.com/vigilwear/vigil/internal/notify"
	"github.com/vigilwear/vigil/internal/router"
	"github.com/vigilwear/vigil/internal/schema"
	"github.com/vigilwear/vigil/pkg/types"
)

// maxFutureSkew bounds how far ahead of server time a device clock may run.
// Wearables buffer offline, so arbitrarily old timestamps are acceptable.
const maxFutureSkew = time.Hour

// Receipt is the outcome of processing one event.
type Receipt struct {
	// Decision is the recorded routing decision (prior decision for duplicates)
	Decision *types.RoutingDecision

	// Duplicate is true when the event matched a previously recorded decision
	Duplicate bool

	// Evolved is true when a new schema version was auto-registered
	Evolved bool
}

// Receiver runs the admission pipeline.
type Receiver struct {
	registry   *schema.Registry
	dedup      *dedup.Checker
	ledger     *governor.Ledger
	router     *router.Router
	store      *audit.Store
	dispatcher *dispatch.Dispatcher
	writer     *batch.Writer
	notifier   *notify.Notifier
	log        *zap.Logger

	now func() time.Time // overridable for tests
}

// New wires the admission pipeline together.
func New(
	registry *schema.Registry,
	dedupChecker *dedup.Checker,
	ledger *governor.Ledger,
	rt *router.Router,
	store *audit.Store,
	dispatcher *dispatch.Dispatcher,
	writer *batch.Writer,
	notifier *notify.Notifier,
	log *zap.Logger,
) *Receiver {
	return &Receiver{
		registry:   registry,
		dedup:      dedupChecker,
		ledger:     ledger,
		router:     rt,
		store:      store,
		dispatcher: dispatcher,
		writer:     writer,
		notifier:   notifier,
		log:        log,
		now:        time.Now,
	}
}

// Ingest parses a wire envelope and runs it through the admission pipeline.
func (r *Receiver) Ingest(ctx context.Context, raw []byte) (*Receipt, error) {
	event, err := ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return r.Process(ctx, event)
}

// Process runs a parsed event through the full pipeline.
func (r *Receiver) Process(ctx context.Context, e *types.SensorEvent) (*Receipt, error) {
	if err := r.validate(e); err != nil {
		return nil, err
	}

	evolved, err := r.checkSchema(ctx, e)
	if err != nil {
		return nil, err
	}

	key := e.DedupKey()

	// Fast path: the in-memory window remembers the key.
	if res := r.dedup.Check(key); res.Duplicate {
		prior, err := r.store.GetDecision(ctx, res.DecisionID)
		if err != nil {
			return nil, verrors.NewStorageError(verrors.CodeReadFailed,
				fmt.Sprintf("failed to load prior decision for %s", key), err)
		}
		if prior != nil {
			r.log.Debug("duplicate event suppressed",
				zap.String("key", key.String()),
				zap.String("decision_id", prior.DecisionID))
			return &Receipt{Decision: prior, Duplicate: true, Evolved: evolved}, nil
		}
		// The membership window outlived the audit row lookup; fall through
		// and let the unique index arbitrate.
	}

	cls := r.router.Classify(e)
	verdict := r.ledger.Admit(cls.Path, int64(len(e.Raw)), cls.HardSafety)

	decision := &types.RoutingDecision{
		DecisionID: uuid.NewString(),
		Key:        key,
		Path:       verdict.Path,
		Reason:     cls.Reason,
		State:      types.StateRouted,
		DecidedAt:  r.now(),
	}
	if verdict.Outcome != governor.Admitted {
		decision.Reason = verdict.Reason
	}
	if verdict.Outcome == governor.Shed {
		decision.State = types.StateShed
	}

	// The unique index on the composite key is the authority for races the
	// in-memory check missed: exactly one insert wins.
	recorded, inserted, err := r.store.RecordDecision(ctx, decision)
	if err != nil {
		return nil, err
	}
	r.dedup.Record(key, recorded.DecisionID)
	if !inserted {
		r.log.Debug("concurrent duplicate lost decision race",
			zap.String("key", key.String()),
			zap.String("decision_id", recorded.DecisionID))
		return &Receipt{Decision: recorded, Duplicate: true, Evolved: evolved}, nil
	}

	if verdict.Outcome == governor.Shed {
		r.log.Warn("event shed by cost governor",
			zap.String("key", key.String()),
			zap.String("reason", recorded.Reason))
		r.notifier.Publish(notify.Escalation{
			Kind:       notify.BudgetShed,
			DeviceID:   e.DeviceID,
			DecisionID: recorded.DecisionID,
			Detail:     recorded.Reason,
		})
		return &Receipt{Decision: recorded, Evolved: evolved}, nil
	}

	if err := r.updateDeviceState(ctx, e); err != nil {
		// Stream-position tracking is advisory; admission proceeds.
		r.log.Warn("failed to update device state",
			zap.String("device_id", e.DeviceID), zap.Error(err))
	}

	return r.complete(ctx, e, recorded, evolved)
}

// complete runs the admitted event's side effects and closes the decision.
// Every admitted event is durably written; ALERT-path events are additionally
// dispatched, with the batch write serving as the fallback record when
// delivery fails terminally.
func (r *Receiver) complete(ctx context.Context, e *types.SensorEvent, d *types.RoutingDecision, evolved bool) (*Receipt, error) {
	if _, err := r.writer.AppendRaw(ctx, e); err != nil {
		if terr := r.store.MarkTerminal(ctx, d.DecisionID, types.StateFailed); terr != nil {
			r.log.Error("failed to mark decision failed",
				zap.String("decision_id", d.DecisionID), zap.Error(terr))
		}
		d.State = types.StateFailed
		r.notifier.Publish(notify.Escalation{
			Kind:       notify.WriteFailed,
			DeviceID:   e.DeviceID,
			DecisionID: d.DecisionID,
			Detail:     err.Error(),
		})
		return &Receipt{Decision: d, Evolved: evolved}, err
	}

	if d.Path == types.PathAlert {
		alert := types.Alert{
			EventID:   d.DecisionID,
			DeviceID:  e.DeviceID,
			Severity:  r.router.Severity(e),
			Timestamp: e.Timestamp,
		}
		if err := r.dispatcher.Dispatch(ctx, alert); err != nil {
			// The raw write above is the durable fallback; the dispatcher has
			// already escalated, so the event is recorded as failed delivery
			// rather than lost.
			r.log.Error("alert delivery failed, batch write is the record",
				zap.String("decision_id", d.DecisionID), zap.Error(err))
			if terr := r.store.MarkTerminal(ctx, d.DecisionID, types.StateFailed); terr != nil {
				r.log.Error("failed to mark decision failed",
					zap.String("decision_id", d.DecisionID), zap.Error(terr))
			}
			d.State = types.StateFailed
			return &Receipt{Decision: d, Evolved: evolved}, nil
		}
	}

	if err := r.store.MarkTerminal(ctx, d.DecisionID, types.StateAcked); err != nil {
		r.log.Error("failed to mark decision acked",
			zap.String("decision_id", d.DecisionID), zap.Error(err))
	}
	d.State = types.StateAcked

	return &Receipt{Decision: d, Evolved: evolved}, nil
}

// validate applies structural envelope checks that need no device history.
func (r *Receiver) validate(e *types.SensorEvent) error {
	if e.DeviceID == "" {
		return verrors.NewValidationError(verrors.CodeEmptyDeviceID, "device id is required")
	}
	if e.Timestamp.IsZero() {
		return verrors.NewValidationError(verrors.CodeBadTimestamp, "timestamp is required")
	}
	if e.Timestamp.After(r.now().Add(maxFutureSkew)) {
		return verrors.NewValidationError(verrors.CodeBadTimestamp,
			fmt.Sprintf("timestamp %s is too far in the future", e.Timestamp.Format(time.RFC3339)))
	}
	if e.Payload.FallScore < 0 || e.Payload.FallScore > 1 {
		return verrors.NewValidationError(verrors.CodeInvalidEnvelope,
			fmt.Sprintf("fall score %g outside [0, 1]", e.Payload.FallScore))
	}
	return nil
}

// checkSchema validates the event's declared version against the registry.
func (r *Receiver) checkSchema(ctx context.Context, e *types.SensorEvent) (bool, error) {
	outcome, err := r.registry.Validate(ctx, e.DeviceID, e.SchemaVersion, deriveFields(e.Payload))
	if err != nil {
		r.notifier.Publish(notify.Escalation{
			Kind:     notify.SchemaRejected,
			DeviceID: e.DeviceID,
			Detail:   err.Error(),
		})
		return false, err
	}
	if outcome == schema.OutcomeEvolve {
		r.log.Info("schema version registered",
			zap.String("device_id", e.DeviceID),
			zap.Int("version", e.SchemaVersion))
		return true, nil
	}
	return false, nil
}

// updateDeviceState records the device's latest accepted stream position.
func (r *Receiver) updateDeviceState(ctx context.Context, e *types.SensorEvent) error {
	return r.store.UpsertDeviceState(ctx, types.DeviceState{
		DeviceID:          e.DeviceID,
		LastSeen:          e.Timestamp,
		LastSequenceNo:    e.SequenceNo,
		LastSchemaVersion: e.SchemaVersion,
		Online:            e.Payload.DeviceHealthy,
	})
}

// deriveFields extracts the schema field set an event's payload exhibits.
// The fixed payload fields are always declared so their absence in a later
// event is not mistaken for a schema change; extension fields are declared
// per the payload that carries them.
func deriveFields(p types.Payload) []types.FieldDef {
	fields := []types.FieldDef{
		{Name: "fallScore", Type: "number", Required: true},
		{Name: "deviceHealthy", Type: "bool", Required: true},
		{Name: "flags", Type: "array"},
		{Name: "samples", Type: "array"},
	}

	names := make([]string, 0, len(p.Fields))
	for name := range p.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fields = append(fields, types.FieldDef{
			Name: name,
			Type: jsonTypeOf(p.Fields[name]),
		})
	}
	return fields
}

// jsonTypeOf maps a decoded JSON value to its schema type name.
func jsonTypeOf(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, json.Number:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "null"
	}
}
