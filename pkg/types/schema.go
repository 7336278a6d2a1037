package types

// SchemaDefinition describes one registered payload schema version for a
// device. The registry is append-only: definitions are never deleted, only
// extended by higher versions.
type SchemaDefinition struct {
	// Version is the schema version number
	Version int `json:"version"`

	// Fields defines the payload fields present at this version
	Fields []FieldDef `json:"fields"`

	// Compatibility classifies the definition relative to its predecessor
	Compatibility CompatibilityClass `json:"compatibility"`
}

// FieldDef defines a single payload field.
type FieldDef struct {
	// Name is the field name
	Name string `json:"name"`

	// Type is the field type: string, number, bool, object, array
	Type string `json:"type"`

	// Required indicates whether the field must be present
	Required bool `json:"required"`
}

// CompatibilityClass classifies a schema version against the prior one.
type CompatibilityClass string

const (
	// CompatInitial marks the first version registered for a device
	CompatInitial CompatibilityClass = "initial"

	// CompatBackward marks a backward-compatible superset (additive fields only)
	CompatBackward CompatibilityClass = "backward"

	// CompatBreaking marks a version that removes or retypes fields; never
	// auto-registered
	CompatBreaking CompatibilityClass = "breaking"
)

// FieldNames returns the names of all fields in definition order.
func (d SchemaDefinition) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

// FieldMap returns the fields indexed by name.
func (d SchemaDefinition) FieldMap() map[string]FieldDef {
	m := make(map[string]FieldDef, len(d.Fields))
	for _, f := range d.Fields {
		m[f.Name] = f
	}
	return m
}

// IsSupersetOf reports whether d contains every field of prior with an
// identical type, i.e. d only adds fields relative to prior.
func (d SchemaDefinition) IsSupersetOf(prior SchemaDefinition) bool {
	fields := d.FieldMap()
	for _, pf := range prior.Fields {
		f, ok := fields[pf.Name]
		if !ok || f.Type != pf.Type {
			return false
		}
	}
	return true
}
