// Package commands holds the write-side operations. Each command validates
// its own shape; the handler maps it onto the write saga.
package commands

import (
	"time"

	"github.com/chronos-store/chronos/domain/core/valueobjects"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// CreateItem creates a new item with a fresh id. The lineage fields
// optionally link the item to the record it was spawned from and to its
// origin record in an external system.
type CreateItem struct {
	Context valueobjects.RouteContext
	Payload map[string]interface{}
	Actor   string
	Reason  string

	// FunctionID is recorded in the envelope's functionIds as provenance
	FunctionID string

	ParentID         string
	ParentCollection string
	OriginID         string
	OriginCollection string
	OriginSystem     string
}

// Validate checks the command shape
func (c CreateItem) Validate() error {
	if c.Payload == nil {
		return cerrors.NewValidation("payload is required")
	}
	return c.Context.Validate()
}

// UpdateItem writes a new version with the supplied top-level keys replacing
// the stored ones; unsupplied keys carry over.
type UpdateItem struct {
	Context valueobjects.RouteContext
	ID      valueobjects.ItemID
	Payload map[string]interface{}

	// ExpectedOV optionally pins the update to a known head version
	ExpectedOV *int64
	Actor      string
	Reason     string
}

// Validate checks the command shape
func (c UpdateItem) Validate() error {
	if c.ID.IsZero() {
		return cerrors.NewValidation("item id is required")
	}
	if c.Payload == nil {
		return cerrors.NewValidation("payload is required")
	}
	return c.Context.Validate()
}

// DeleteItem tombstones an item (or removes it when logical delete is off)
type DeleteItem struct {
	Context valueobjects.RouteContext
	ID      valueobjects.ItemID

	// ExpectedOV optionally pins the delete to a known head version
	ExpectedOV *int64
	Actor      string
	Reason     string
}

// Validate checks the command shape
func (c DeleteItem) Validate() error {
	if c.ID.IsZero() {
		return cerrors.NewValidation("item id is required")
	}
	return c.Context.Validate()
}

// EnrichItem deep-merges an enrichment into the current payload. Enrichment
// accepts a record or an array of records applied in order.
type EnrichItem struct {
	Context    valueobjects.RouteContext
	ID         valueobjects.ItemID
	Enrichment interface{}
	Actor      string
	Reason     string

	// FunctionID is recorded in the envelope's functionIds as provenance
	FunctionID string
}

// Validate checks the command shape
func (c EnrichItem) Validate() error {
	if c.ID.IsZero() {
		return cerrors.NewValidation("item id is required")
	}
	if c.Enrichment == nil {
		return cerrors.NewValidation("enrichment is required")
	}
	return c.Context.Validate()
}

// SmartInsert creates or merges depending on whether an item matching the
// unique keys already exists.
type SmartInsert struct {
	Context    valueobjects.RouteContext
	Payload    map[string]interface{}
	UniqueKeys []string
	Actor      string
	Reason     string

	// FunctionID is recorded in the envelope's functionIds as provenance
	FunctionID string
}

// Validate checks the command shape
func (c SmartInsert) Validate() error {
	if c.Payload == nil {
		return cerrors.NewValidation("payload is required")
	}
	if len(c.UniqueKeys) == 0 {
		return cerrors.NewValidation("smartInsert requires a non-empty uniqueKeys set")
	}
	return c.Context.Validate()
}

// RestoreItem writes a historical version's payload back as a new version.
// Exactly one of OV or AsOf selects the source version.
type RestoreItem struct {
	Context valueobjects.RouteContext
	ID      valueobjects.ItemID
	OV      *int64
	AsOf    *time.Time
	Actor   string
	Reason  string
}

// Validate checks the command shape
func (c RestoreItem) Validate() error {
	if c.ID.IsZero() {
		return cerrors.NewValidation("item id is required")
	}
	if (c.OV == nil) == (c.AsOf == nil) {
		return cerrors.NewValidation("restore requires exactly one of ov or asOf")
	}
	return c.Context.Validate()
}

// RestoreCollection rolls every item of a collection back to its state at a
// rollback point, as new versions. Exactly one of CV or AsOf selects the
// point: a cv pins the state right after that collection write committed.
type RestoreCollection struct {
	Context valueobjects.RouteContext
	CV      *int64
	AsOf    *time.Time
	Actor   string
	Reason  string
}

// Validate checks the command shape
func (c RestoreCollection) Validate() error {
	if (c.CV == nil) == (c.AsOf == nil) {
		return cerrors.NewValidation("restoreCollection requires exactly one of cv or asOf")
	}
	if c.AsOf != nil && c.AsOf.IsZero() {
		return cerrors.NewValidation("asOf must not be zero")
	}
	return c.Context.Validate()
}

// InsertWithEntities creates a main item from a record carrying embedded
// entity objects. Each mapping's property is extracted from the payload and
// stored as separate items in the mapping's collection, linked back to the
// main item through the key property and the lineage envelope fields.
type InsertWithEntities struct {
	Context  valueobjects.RouteContext
	Payload  map[string]interface{}
	Mappings []valueobjects.EntityMapping
	Actor    string
	Reason   string
}

// Validate checks the command shape
func (c InsertWithEntities) Validate() error {
	if c.Payload == nil {
		return cerrors.NewValidation("payload is required")
	}
	if len(c.Mappings) == 0 {
		return cerrors.NewValidation("mappings must not be empty")
	}
	for _, m := range c.Mappings {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return c.Context.Validate()
}
