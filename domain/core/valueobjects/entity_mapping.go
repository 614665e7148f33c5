package valueobjects

import cerrors "github.com/chronos-store/chronos/pkg/errors"

// EntityMapping describes one embedded-entity property of a main record:
// where the embedded objects live in the payload, which collection they are
// stored in, and the payload field that links each extracted entity back to
// the main record's id.
type EntityMapping struct {
	Property    string
	Collection  string
	KeyProperty string
}

// Validate checks the mapping shape
func (m EntityMapping) Validate() error {
	if m.Property == "" {
		return cerrors.NewValidation("entity mapping property is required")
	}
	if m.Collection == "" {
		return cerrors.NewValidation("entity mapping collection is required")
	}
	if m.KeyProperty == "" {
		return cerrors.NewValidation("entity mapping keyProperty is required")
	}
	return nil
}
