// Package queries holds the read-side operations: point reads with time
// travel, filtered listing, version history and the tiered fetch.
package queries

import (
	"time"

	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/domain/filter"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// GetItem reads one item: latest by default, a pinned version with OV, or
// the state at a past instant with At.
type GetItem struct {
	Context valueobjects.RouteContext
	ID      valueobjects.ItemID

	OV *int64
	At *time.Time

	// IncludeMeta keeps the system envelope and attaches version metadata
	IncludeMeta bool

	// IncludeDeleted serves tombstoned items instead of reporting not-found
	IncludeDeleted bool

	// Projection optionally narrows the returned payload to these dot-paths
	Projection []string

	// PresignTTL attaches a presigned payload download URL when positive
	PresignTTL time.Duration
}

// Validate checks the query shape
func (q GetItem) Validate() error {
	if q.ID.IsZero() {
		return cerrors.NewValidation("item id is required")
	}
	if q.OV != nil && q.At != nil {
		return cerrors.NewValidation("ov and at are mutually exclusive")
	}
	return q.Context.Validate()
}

// QueryItems lists items matching an indexed-metadata filter, latest state by
// default or as of a past instant with At.
type QueryItems struct {
	Context valueobjects.RouteContext
	Filter  filter.Meta

	Limit int32
	Token string

	At             *time.Time
	IncludeDeleted bool
	IncludeMeta    bool
}

// Validate checks the query shape
func (q QueryItems) Validate() error {
	return q.Context.Validate()
}

// ListVersions returns an item's version history, newest first
type ListVersions struct {
	Context valueobjects.RouteContext
	ID      valueobjects.ItemID
	Limit   int
}

// Validate checks the query shape
func (q ListVersions) Validate() error {
	if q.ID.IsZero() {
		return cerrors.NewValidation("item id is required")
	}
	return q.Context.Validate()
}

// TieredGet fetches the first (or merged) item matching a filter across the
// tenant, domain and generic tiers.
type TieredGet struct {
	Context valueobjects.RouteContext
	Filter  filter.Meta

	// Merge combines all tiers instead of returning the most specific hit;
	// more specific tiers override less specific ones.
	Merge bool
}

// Validate checks the query shape
func (q TieredGet) Validate() error {
	if len(q.Filter) == 0 {
		return cerrors.NewValidation("filter is required")
	}
	if q.Context.DatabaseType.IsFlat() {
		return cerrors.NewValidation("tiered fetch requires a tiered database type")
	}
	return q.Context.Validate()
}

// GetWithEntities reads an item together with the entities extracted from it
// at insert time, re-embedding each mapping's entities under its property.
type GetWithEntities struct {
	Context     valueobjects.RouteContext
	ID          valueobjects.ItemID
	Mappings    []valueobjects.EntityMapping
	IncludeMeta bool
}

// Validate checks the query shape
func (q GetWithEntities) Validate() error {
	if q.ID.IsZero() {
		return cerrors.NewValidation("item id is required")
	}
	if len(q.Mappings) == 0 {
		return cerrors.NewValidation("mappings must not be empty")
	}
	for _, m := range q.Mappings {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return q.Context.Validate()
}
