// Package versioning holds the ov/cv rules shared by the write path and the
// read path: payload key layout, indexed-meta projection, payload hashing and
// restore semantics.
package versioning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/filter"
	"github.com/chronos-store/chronos/domain/merge"
)

// PayloadKey is the object-store key of the immutable payload for an
// (item, ov) pair: <collection>/<idHex>/v<ov>/item.json
func PayloadKey(collection, idHex string, ov int64) string {
	return fmt.Sprintf("%s/%s/v%d/item.json", collection, idHex, ov)
}

// BlobKey is the object-store key of an externalized property blob:
// <collection>/<idHex>/v<ov>/<property>/blob.<ext>
func BlobKey(collection, idHex string, ov int64, property, ext string) string {
	return fmt.Sprintf("%s/%s/v%d/%s/blob.%s", collection, idHex, ov, property, ext)
}

// VersionRowID is the synthetic id of a version row
func VersionRowID(idHex string, ov int64) string {
	return fmt.Sprintf("%s-v%d", idHex, ov)
}

// EncodePayload marshals a payload to its canonical bytes and returns the
// bytes together with their SHA-256. Go's JSON encoder writes map keys in
// sorted order, so repeated encodes of the same payload are byte-identical.
func EncodePayload(payload map[string]interface{}) ([]byte, string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return b, HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 of a byte slice
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ProjectIndexed derives the flat indexed-meta map from a payload using the
// collection's indexed prop paths. The projection is deterministic: it is the
// only input the query engine filters on.
func ProjectIndexed(payload map[string]interface{}, indexedProps []string) map[string]interface{} {
	out := make(map[string]interface{}, len(indexedProps))
	for _, path := range indexedProps {
		if v, ok := filter.Lookup(payload, path); ok {
			out[path] = merge.Copy(v)
		}
	}
	return out
}

// AutoIndexTopLevel projects every top-level field except the system
// envelope. Used for unknown collections under the auto-index policy.
func AutoIndexTopLevel(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == entities.SystemKey {
			continue
		}
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			// Composite values stay out of the index
		default:
			out[k] = v
		}
	}
	return out
}

// PrepareRestore returns a copy of a historical payload ready to be written
// as a new RESTORE version: the delete tombstone is cleared so restoring from
// a tombstoned version resurrects the item.
func PrepareRestore(payload map[string]interface{}) map[string]interface{} {
	out, _ := merge.Copy(payload).(map[string]interface{})
	if out == nil {
		out = map[string]interface{}{}
	}
	if sys, ok := out[entities.SystemKey].(map[string]interface{}); ok {
		sys["deleted"] = false
		delete(sys, "deletedAt")
	}
	return out
}
