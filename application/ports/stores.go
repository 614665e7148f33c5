package ports

import (
	"context"
	"time"

	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/domain/filter"
)

// Transaction is an adapter-defined write-set handle. Adapters without
// transaction support return a nil Transaction from Begin and the saga
// degrades to ordered writes guarded by the head CAS.
type Transaction interface{}

// PageRequest is an opaque-token page request
type PageRequest struct {
	Limit int32
	Token string
}

// HeadPage is one page of head rows
type HeadPage struct {
	Heads     []*entities.Head
	NextToken string
}

// DocumentStore is the index-store port. Implementations keep three rows per
// collection: head rows, version rows and one counter row.
type DocumentStore interface {
	// SupportsTransactions probes whether Begin/Commit group writes atomically
	SupportsTransactions() bool

	// Begin starts a transaction; nil Transaction means unsupported
	Begin(ctx context.Context) (Transaction, error)

	// Commit applies a transaction's write set atomically
	Commit(ctx context.Context, tx Transaction) error

	// Abort discards a transaction's write set
	Abort(tx Transaction)

	// EnsureIndexes prepares a collection's tables/indexes, once per collection
	EnsureIndexes(ctx context.Context, collection string) error

	// IncrementCounter bumps the collection counter and returns the new cv
	IncrementCounter(ctx context.Context, collection string) (int64, error)

	// InsertVersion appends a version row
	InsertVersion(ctx context.Context, collection string, v *entities.Version, tx Transaction) error

	// UpdateHeadCAS writes the head row guarded by the optimistic lock:
	// expectedPrevOV is the ov the stored head must currently have, or -1
	// when the head must not exist yet. A guard miss surfaces as an
	// OptimisticLock error.
	UpdateHeadCAS(ctx context.Context, collection string, head *entities.Head, expectedPrevOV int64, tx Transaction) error

	// DeleteHead removes a head row (hard delete only)
	DeleteHead(ctx context.Context, collection string, id valueobjects.ItemID) error

	// FindHead returns the head row, or nil when the item does not exist
	FindHead(ctx context.Context, collection string, id valueobjects.ItemID) (*entities.Head, error)

	// FindVersionByOv returns the version row with the exact ov, or nil
	FindVersionByOv(ctx context.Context, collection string, id valueobjects.ItemID, ov int64) (*entities.Version, error)

	// FindVersionAsOf returns the latest version with at <= t, highest ov
	// breaking timestamp ties, or nil when the item has no version yet
	FindVersionAsOf(ctx context.Context, collection string, id valueobjects.ItemID, t time.Time) (*entities.Version, error)

	// FindVersionByCv returns the version row carrying the exact collection
	// version, or nil. cv values are unique within a collection.
	FindVersionByCv(ctx context.Context, collection string, cv int64) (*entities.Version, error)

	// ListVersions returns version rows for an item, newest first
	ListVersions(ctx context.Context, collection string, id valueobjects.ItemID, limit int) ([]*entities.Version, error)

	// QueryHeads filters head rows by indexed metadata with deterministic
	// paging (cv ASC, id ASC)
	QueryHeads(ctx context.Context, collection string, f filter.Meta, page PageRequest, includeDeleted bool) (*HeadPage, error)

	// QueryVersionCandidatesAsOf returns the distinct item ids having at
	// least one version with at <= t whose metadata matches the filter
	QueryVersionCandidatesAsOf(ctx context.Context, collection string, f filter.Meta, at time.Time) ([]valueobjects.ItemID, error)

	// PruneVersions removes version rows older than before or beyond
	// keepPerItem, whichever bound is stricter, and reports how many went
	PruneVersions(ctx context.Context, collection string, before time.Time, keepPerItem int) (int, error)
}

// PutResult reports the size and content hash of a stored object
type PutResult struct {
	Size   int64
	SHA256 string
}

// ObjectStore is the immutable payload store port
type ObjectStore interface {
	PutJSON(ctx context.Context, bucket, key string, obj interface{}) (*PutResult, error)
	PutBytes(ctx context.Context, bucket, key string, b []byte, contentType string) (*PutResult, error)
	GetJSON(ctx context.Context, bucket, key string, out interface{}) error
	Del(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string, limit int) ([]string, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Cache is an optional read-through cache for head payload bytes
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// FallbackStore is the durable retry queue port. The queue collection is the
// only shared-write resource across worker instances; leases keep concurrent
// workers from double-executing.
type FallbackStore interface {
	Enqueue(ctx context.Context, op *entities.FallbackOp) error

	// Lease claims up to max due ops for owner until now+ttl, ordered by
	// nextAttemptAt
	Lease(ctx context.Context, now time.Time, max int, owner string, ttl time.Duration) ([]*entities.FallbackOp, error)

	// Complete deletes a successfully re-executed op
	Complete(ctx context.Context, requestID string) error

	// Fail persists the op's attempt count, next attempt time and last error
	// and clears its lease
	Fail(ctx context.Context, op *entities.FallbackOp) error

	// DeadLetter moves an exhausted op to the dead-letter collection
	DeadLetter(ctx context.Context, op *entities.FallbackOp) error

	// Release clears every lease held by owner so other workers can pick the
	// ops up
	Release(ctx context.Context, owner string) error

	// Get returns a queued op by request id, or nil
	Get(ctx context.Context, requestID string) (*entities.FallbackOp, error)
}

// CounterScope keys analytics totals
type CounterScope struct {
	DBName     string `json:"dbName"`
	Collection string `json:"collection"`
	TenantID   string `json:"tenantId,omitempty"`
}

// TotalsDelta is a debounced batch of counter increments
type TotalsDelta struct {
	Created int64            `json:"created,omitempty"`
	Updated int64            `json:"updated,omitempty"`
	Deleted int64            `json:"deleted,omitempty"`
	Rules   map[string]int64 `json:"rules,omitempty"`
}

// UniqueDelta maps rule -> property -> value -> occurrence delta
type UniqueDelta map[string]map[string]map[string]int64

// CounterBatch is one debounce window's worth of analytics updates
type CounterBatch struct {
	Scope  CounterScope
	Totals TotalsDelta
	Unique UniqueDelta
}

// CounterTotals is the stored totals row for a scope
type CounterTotals struct {
	Scope   CounterScope     `json:"scope"`
	Created int64            `json:"created"`
	Updated int64            `json:"updated"`
	Deleted int64            `json:"deleted"`
	Rules   map[string]int64 `json:"rules,omitempty"`
}

// UniqueRow is one distinct-value row of a countUnique rule
type UniqueRow struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// CounterStore persists analytics counters. Counters are advisory: loss of a
// single debounce window on crash is acceptable.
type CounterStore interface {
	Apply(ctx context.Context, batch *CounterBatch) error
	GetTotals(ctx context.Context, scope CounterScope) (*CounterTotals, error)
	GetUnique(ctx context.Context, scope CounterScope, ruleName, property string) ([]UniqueRow, error)
}
