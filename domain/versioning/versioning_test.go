package versioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-store/chronos/domain/core/entities"
)

func TestPayloadKeys(t *testing.T) {
	assert.Equal(t, "users/abc123/v7/item.json", PayloadKey("users", "abc123", 7))
	assert.Equal(t, "users/abc123/v7/avatar/blob.png", BlobKey("users", "abc123", 7, "avatar", "png"))
	assert.Equal(t, "abc123-v7", VersionRowID("abc123", 7))
}

func TestEncodePayload_Deterministic(t *testing.T) {
	payload := map[string]interface{}{"b": 2, "a": 1}

	b1, h1, err := EncodePayload(payload)
	require.NoError(t, err)
	b2, h2, err := EncodePayload(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)

	assert.Equal(t, b1, b2, "map key order never changes the encoding")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.Equal(t, HashBytes(b1), h1)
}

func TestEncodePayload_RejectsUnencodable(t *testing.T) {
	_, _, err := EncodePayload(map[string]interface{}{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestProjectIndexed(t *testing.T) {
	payload := map[string]interface{}{
		"name": "alice",
		"profile": map[string]interface{}{
			"city": "berlin",
		},
		"ignored": "x",
	}

	out := ProjectIndexed(payload, []string{"name", "profile.city", "missing"})

	assert.Equal(t, map[string]interface{}{
		"name":         "alice",
		"profile.city": "berlin",
	}, out)
}

func TestProjectIndexed_CopiesValues(t *testing.T) {
	payload := map[string]interface{}{
		"tags": []interface{}{"a"},
	}

	out := ProjectIndexed(payload, []string{"tags"})
	out["tags"].([]interface{})[0] = "changed"

	assert.Equal(t, "a", payload["tags"].([]interface{})[0])
}

func TestAutoIndexTopLevel(t *testing.T) {
	payload := map[string]interface{}{
		"name":  "alice",
		"score": 42,
		"nested": map[string]interface{}{
			"k": "v",
		},
		"list":             []interface{}{1},
		entities.SystemKey: map[string]interface{}{"state": "synced"},
	}

	out := AutoIndexTopLevel(payload)

	assert.Equal(t, map[string]interface{}{
		"name":  "alice",
		"score": 42,
	}, out, "composites and the system envelope stay out of the index")
}

func TestPrepareRestore_ClearsTombstone(t *testing.T) {
	payload := map[string]interface{}{
		"name": "alice",
		entities.SystemKey: map[string]interface{}{
			"deleted":   true,
			"deletedAt": "2026-02-01T00:00:00Z",
			"state":     "synced",
		},
	}

	out := PrepareRestore(payload)

	sys := out[entities.SystemKey].(map[string]interface{})
	assert.Equal(t, false, sys["deleted"])
	assert.NotContains(t, sys, "deletedAt")
	assert.Equal(t, "synced", sys["state"])

	// Source payload is untouched
	origSys := payload[entities.SystemKey].(map[string]interface{})
	assert.Equal(t, true, origSys["deleted"])
}

func TestPrepareRestore_NoEnvelope(t *testing.T) {
	out := PrepareRestore(map[string]interface{}{"name": "bob"})

	assert.Equal(t, map[string]interface{}{"name": "bob"}, out)
}
