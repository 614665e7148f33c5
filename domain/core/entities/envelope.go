package entities

import "time"

// System envelope states. A payload is born new-not-synched; the write saga
// stamps it synced on the version it persists, so anything read back from
// the stores carries synced.
const (
	StateNewNotSynced = "new-not-synched"
	StateSynced       = "synced"
)

// SystemKey is the payload key carrying the system envelope
const SystemKey = "_system"

// SystemEnvelope is the internal envelope every payload carries
type SystemEnvelope struct {
	InsertedAt       time.Time  `json:"insertedAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	Deleted          bool       `json:"deleted"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
	FunctionIDs      []string   `json:"functionIds,omitempty"`
	ParentID         string     `json:"parentId,omitempty"`
	ParentCollection string     `json:"parentCollection,omitempty"`
	OriginID         string     `json:"originId,omitempty"`
	OriginCollection string     `json:"originCollection,omitempty"`
	OriginSystem     string     `json:"originSystem,omitempty"`
	State            string     `json:"state"`
}

// NewEnvelope creates the envelope for a freshly created payload
func NewEnvelope(now time.Time) SystemEnvelope {
	return SystemEnvelope{
		InsertedAt: now,
		UpdatedAt:  now,
		State:      StateNewNotSynced,
	}
}

// ApplyTo writes the envelope into a payload map under SystemKey
func (e SystemEnvelope) ApplyTo(payload map[string]interface{}) {
	sys := map[string]interface{}{
		"insertedAt": e.InsertedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":  e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"deleted":    e.Deleted,
		"state":      e.State,
	}
	if e.DeletedAt != nil {
		sys["deletedAt"] = e.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(e.FunctionIDs) > 0 {
		ids := make([]interface{}, len(e.FunctionIDs))
		for i, id := range e.FunctionIDs {
			ids[i] = id
		}
		sys["functionIds"] = ids
	}
	if e.ParentID != "" {
		sys["parentId"] = e.ParentID
		sys["parentCollection"] = e.ParentCollection
	}
	if e.OriginID != "" {
		sys["originId"] = e.OriginID
		sys["originCollection"] = e.OriginCollection
		if e.OriginSystem != "" {
			sys["originSystem"] = e.OriginSystem
		}
	}
	payload[SystemKey] = sys
}

// EnvelopeFrom reads the envelope out of a payload map. Missing or malformed
// fields fall back to zero values so historical payloads stay readable.
func EnvelopeFrom(payload map[string]interface{}) SystemEnvelope {
	var e SystemEnvelope
	sys, ok := payload[SystemKey].(map[string]interface{})
	if !ok {
		return e
	}
	e.InsertedAt = parseTime(sys["insertedAt"])
	e.UpdatedAt = parseTime(sys["updatedAt"])
	if d, ok := sys["deleted"].(bool); ok {
		e.Deleted = d
	}
	if s, ok := sys["deletedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			e.DeletedAt = &t
		}
	}
	if ids, ok := sys["functionIds"].([]interface{}); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				e.FunctionIDs = append(e.FunctionIDs, s)
			}
		}
	}
	e.ParentID, _ = sys["parentId"].(string)
	e.ParentCollection, _ = sys["parentCollection"].(string)
	e.OriginID, _ = sys["originId"].(string)
	e.OriginCollection, _ = sys["originCollection"].(string)
	e.OriginSystem, _ = sys["originSystem"].(string)
	e.State, _ = sys["state"].(string)
	return e
}

// StripSystem returns a shallow copy of the payload without the envelope
func StripSystem(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == SystemKey {
			continue
		}
		out[k] = v
	}
	return out
}

func parseTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
