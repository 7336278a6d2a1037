// Package schema provides the per-device payload schema registry.
//
// The registry is append-only: versions are registered, never deleted or
// rewritten. It is queried on every event and mutated only when a device
// first appears or evolves its schema, so reads are served from an in-memory
// cache under a read lock and writes take the exclusive lock.
package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	verrors "github.com/vigilwear/vigil/internal/errors"
	"github.com/vigilwear/vigil/pkg/types"
)

// Outcome is the result of validating an event's schema version.
type Outcome int

const (
	// OutcomeAccept means the version is known and the fields conform
	OutcomeAccept Outcome = iota

	// OutcomeEvolve means a new compatible version was auto-registered
	OutcomeEvolve

	// OutcomeReject means the version is regressive or incompatible
	OutcomeReject
)

// CompatibilityMode controls how new versions are treated.
type CompatibilityMode string

const (
	// ModeAdditive auto-registers strict-superset evolutions
	ModeAdditive CompatibilityMode = "additive"

	// ModeStrict rejects any version not already registered
	ModeStrict CompatibilityMode = "strict"
)

// Registry tracks known payload schema versions per device.
type Registry struct {
	db   *sql.DB
	mode CompatibilityMode

	mu    sync.RWMutex
	cache map[string][]types.SchemaDefinition // deviceID → definitions ordered by version
}

// NewRegistry opens (or creates) the registry database at the given path.
func NewRegistry(path string, mode CompatibilityMode) (*Registry, error) {
	if mode != ModeAdditive && mode != ModeStrict {
		return nil, fmt.Errorf("schema: invalid compatibility mode %q", mode)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("schema: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS device_schemas (
			device_id     TEXT NOT NULL,
			version       INTEGER NOT NULL,
			fields_json   TEXT NOT NULL,
			compatibility TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			PRIMARY KEY (device_id, version)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema: failed to create tables: %w", err)
	}

	r := &Registry{
		db:    db,
		mode:  mode,
		cache: make(map[string][]types.SchemaDefinition),
	}

	if err := r.loadAll(); err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

// loadAll warms the cache from the store.
func (r *Registry) loadAll() error {
	rows, err := r.db.Query(
		`SELECT device_id, version, fields_json, compatibility
		 FROM device_schemas ORDER BY device_id, version ASC`)
	if err != nil {
		return fmt.Errorf("schema: failed to load registry: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			deviceID   string
			def        types.SchemaDefinition
			fieldsJSON string
			compat     string
		)
		if err := rows.Scan(&deviceID, &def.Version, &fieldsJSON, &compat); err != nil {
			return fmt.Errorf("schema: failed to scan definition: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &def.Fields); err != nil {
			return fmt.Errorf("schema: corrupt fields for %s v%d: %w", deviceID, def.Version, err)
		}
		def.Compatibility = types.CompatibilityClass(compat)
		r.cache[deviceID] = append(r.cache[deviceID], def)
	}
	return rows.Err()
}

// Validate checks an event's schema version for a device.
//
// A known version is checked field-by-field against the stored definition.
// A new version that only adds fields over the latest known version is
// auto-registered as a backward-compatible evolution (additive mode). A
// version lower than the device's latest, or one that removes or retypes
// fields, is rejected with a SchemaConflict; the event is never coerced.
func (r *Registry) Validate(ctx context.Context, deviceID string, version int, fields []types.FieldDef) (Outcome, error) {
	if version <= 0 {
		return OutcomeReject, verrors.NewSchemaConflict(
			fmt.Sprintf("schema version must be positive, got %d", version))
	}

	r.mu.RLock()
	defs := r.cache[deviceID]
	r.mu.RUnlock()

	if known := findVersion(defs, version); known != nil {
		if version < latestVersion(defs) {
			// An old version resurfacing is a regression even though it was
			// once valid; the device already moved past it.
			return OutcomeReject, verrors.New(verrors.ErrCategorySchema, verrors.CodeSchemaRegression,
				fmt.Sprintf("device %s regressed from v%d to v%d", deviceID, latestVersion(defs), version))
		}
		if err := checkFields(*known, fields); err != nil {
			return OutcomeReject, err
		}
		return OutcomeAccept, nil
	}

	if len(defs) == 0 {
		// First contact with this device: register the version as-is.
		if err := r.register(ctx, deviceID, types.SchemaDefinition{
			Version:       version,
			Fields:        fields,
			Compatibility: types.CompatInitial,
		}); err != nil {
			return OutcomeReject, err
		}
		return OutcomeEvolve, nil
	}

	latest := defs[len(defs)-1]
	if version < latest.Version {
		return OutcomeReject, verrors.New(verrors.ErrCategorySchema, verrors.CodeSchemaRegression,
			fmt.Sprintf("device %s regressed from v%d to v%d", deviceID, latest.Version, version))
	}

	if r.mode == ModeStrict {
		return OutcomeReject, verrors.New(verrors.ErrCategorySchema, verrors.CodeUnknownSchema,
			fmt.Sprintf("device %s sent unregistered v%d in strict mode", deviceID, version))
	}

	candidate := types.SchemaDefinition{
		Version:       version,
		Fields:        fields,
		Compatibility: types.CompatBackward,
	}
	if !candidate.IsSupersetOf(latest) {
		return OutcomeReject, verrors.NewSchemaConflict(
			fmt.Sprintf("device %s v%d removes or retypes fields of v%d", deviceID, version, latest.Version))
	}

	if err := r.register(ctx, deviceID, candidate); err != nil {
		return OutcomeReject, err
	}
	return OutcomeEvolve, nil
}

// LatestVersion returns the highest registered version for a device, or 0.
func (r *Registry) LatestVersion(deviceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return latestVersion(r.cache[deviceID])
}

// Definitions returns the registered definitions for a device in version order.
func (r *Registry) Definitions(deviceID string) []types.SchemaDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := r.cache[deviceID]
	out := make([]types.SchemaDefinition, len(defs))
	copy(out, defs)
	return out
}

// register appends a definition to the store and cache.
func (r *Registry) register(ctx context.Context, deviceID string, def types.SchemaDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the write lock: a concurrent event for the same device
	// may have registered the version first.
	if existing := findVersion(r.cache[deviceID], def.Version); existing != nil {
		return nil
	}

	fieldsJSON, err := json.Marshal(def.Fields)
	if err != nil {
		return verrors.NewInternalError("schema: failed to marshal fields", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO device_schemas (device_id, version, fields_json, compatibility, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		deviceID, def.Version, string(fieldsJSON), string(def.Compatibility), time.Now().Unix())
	if err != nil {
		return verrors.NewStorageError(verrors.CodeWriteFailed,
			fmt.Sprintf("schema: failed to register %s v%d", deviceID, def.Version), err)
	}

	r.cache[deviceID] = append(r.cache[deviceID], def)
	return nil
}

// Close closes the registry database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// checkFields validates event fields against a stored definition: every
// required field must be present with a matching type, and no stored field
// may be retyped.
func checkFields(def types.SchemaDefinition, fields []types.FieldDef) error {
	provided := make(map[string]types.FieldDef, len(fields))
	for _, f := range fields {
		provided[f.Name] = f
	}

	for _, want := range def.Fields {
		got, ok := provided[want.Name]
		if !ok {
			if want.Required {
				return verrors.NewSchemaConflict(
					fmt.Sprintf("required field %q missing for v%d", want.Name, def.Version))
			}
			continue
		}
		if got.Type != want.Type {
			return verrors.NewSchemaConflict(
				fmt.Sprintf("field %q retyped from %s to %s", want.Name, want.Type, got.Type))
		}
	}

	known := def.FieldMap()
	for _, f := range fields {
		if _, ok := known[f.Name]; !ok {
			return verrors.NewSchemaConflict(
				fmt.Sprintf("field %q not declared in v%d", f.Name, def.Version))
		}
	}

	return nil
}

func findVersion(defs []types.SchemaDefinition, version int) *types.SchemaDefinition {
	for i := range defs {
		if defs[i].Version == version {
			return &defs[i]
		}
	}
	return nil
}

func latestVersion(defs []types.SchemaDefinition) int {
	if len(defs) == 0 {
		return 0
	}
	return defs[len(defs)-1].Version
}
