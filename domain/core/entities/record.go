package entities

import (
	"encoding/json"
	"time"

	"github.com/chronos-store/chronos/domain/core/valueobjects"
)

// OpKind is the operation recorded on a version row
type OpKind string

const (
	OpCreate  OpKind = "CREATE"
	OpUpdate  OpKind = "UPDATE"
	OpDelete  OpKind = "DELETE"
	OpRestore OpKind = "RESTORE"
)

// Head is the single current-state index row for an item. It is mutated on
// every successful write under an optimistic lock on OV.
type Head struct {
	ID          valueobjects.ItemID    `json:"id"`
	OV          int64                  `json:"ov"`
	CV          int64                  `json:"cv"`
	JSONBucket  string                 `json:"jsonBucket"`
	JSONKey     string                 `json:"jsonKey"`
	MetaIndexed map[string]interface{} `json:"metaIndexed"`
	Size        int64                  `json:"size"`
	SHA256      string                 `json:"sha256"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	DeletedAt   *time.Time             `json:"deletedAt,omitempty"`

	// FullShadow is the optional inline copy of the payload used to serve dev
	// reads. ShadowOV tells whether it is fresh: the shadow is only served
	// when ShadowOV == OV.
	FullShadow json.RawMessage `json:"fullShadow,omitempty"`
	ShadowOV   int64           `json:"shadowOv,omitempty"`
}

// ShadowFresh reports whether the inline shadow matches the current version
func (h *Head) ShadowFresh() bool {
	return len(h.FullShadow) > 0 && h.ShadowOV == h.OV
}

// Deleted reports whether the head carries a logical delete tombstone
func (h *Head) Deleted() bool {
	return h.DeletedAt != nil
}

// Version is an append-only history row for a single (item, ov) pair.
// Version rows may be pruned by retention; the payload objects they point to
// are not.
type Version struct {
	ID          string                 `json:"id"`
	ItemID      valueobjects.ItemID    `json:"itemId"`
	OV          int64                  `json:"ov"`
	CV          int64                  `json:"cv"`
	Op          OpKind                 `json:"op"`
	At          time.Time              `json:"at"`
	JSONBucket  string                 `json:"jsonBucket"`
	JSONKey     string                 `json:"jsonKey"`
	MetaIndexed map[string]interface{} `json:"metaIndexed"`
	Size        int64                  `json:"size"`
	SHA256      string                 `json:"sha256"`
	PrevOV      *int64                 `json:"prevOv,omitempty"`
	Actor       string                 `json:"actor,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
}

// BlobRef is the reference object an externalized base64 field is replaced
// with inside the payload.
type BlobRef struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	SHA256      string `json:"sha256"`
}

// FallbackOp is a durable retry row for a write whose commit failed with a
// retriable error. Rows are deleted on success and moved to the dead-letter
// collection after maxAttempts.
type FallbackOp struct {
	RequestID     string                    `json:"requestId"`
	Kind          string                    `json:"opKind"`
	Context       valueobjects.RouteContext `json:"context"`
	Payload       json.RawMessage           `json:"payload"`
	AttemptCount  int                       `json:"attemptCount"`
	NextAttemptAt time.Time                 `json:"nextAttemptAt"`
	LastError     string                    `json:"lastError,omitempty"`
	CreatedAt     time.Time                 `json:"createdAt"`

	// Lease fields let concurrent workers share the queue safely.
	LeaseOwner string     `json:"leaseOwner,omitempty"`
	LeaseUntil *time.Time `json:"leaseUntil,omitempty"`
}
