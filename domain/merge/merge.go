// Package merge implements the deep merge + array union used by enrich,
// smart-insert hits and the multi-tier fetch merge mode.
package merge

import (
	"github.com/chronos-store/chronos/domain/filter"
)

// Records merges source into target and returns the merged value. Inputs are
// never mutated. Rules:
//
//   - nil source returns target unchanged
//   - nil target returns a deep copy of source
//   - maps merge key-wise; keys only present in target are preserved
//   - arrays produce an order-preserving union: target items first, then new
//     source items. Primitives dedupe by equality; objects dedupe by their
//     "id"/"_id" identity key and matching elements are merged recursively
//   - any other type mismatch resolves in favor of source
func Records(target, source interface{}) interface{} {
	if source == nil {
		return target
	}
	if target == nil {
		return Copy(source)
	}

	srcMap, srcIsMap := source.(map[string]interface{})
	tgtMap, tgtIsMap := target.(map[string]interface{})
	if srcIsMap && tgtIsMap {
		return mergeMaps(tgtMap, srcMap)
	}

	srcArr, srcIsArr := source.([]interface{})
	tgtArr, tgtIsArr := target.([]interface{})
	if srcIsArr && tgtIsArr {
		return unionArrays(tgtArr, srcArr)
	}

	return Copy(source)
}

// Maps merges two payload maps, preserving target key order semantics
func Maps(target, source map[string]interface{}) map[string]interface{} {
	return mergeMaps(target, source)
}

func mergeMaps(target, source map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(target)+len(source))
	for k, v := range target {
		out[k] = Copy(v)
	}
	for k, sv := range source {
		if tv, ok := out[k]; ok {
			out[k] = Records(tv, sv)
		} else {
			out[k] = Copy(sv)
		}
	}
	return out
}

func unionArrays(target, source []interface{}) []interface{} {
	out := make([]interface{}, 0, len(target)+len(source))
	for _, v := range target {
		out = append(out, Copy(v))
	}
	for _, sv := range source {
		if id, ok := identityKey(sv); ok {
			merged := false
			for i, tv := range out {
				if tid, ok := identityKey(tv); ok && filter.Equal(tid, id) {
					out[i] = Records(tv, sv)
					merged = true
					break
				}
			}
			if !merged {
				out = append(out, Copy(sv))
			}
			continue
		}
		dup := false
		for _, tv := range out {
			if filter.Equal(tv, sv) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, Copy(sv))
		}
	}
	return out
}

// identityKey returns the id or _id of an object array element
func identityKey(v interface{}) (interface{}, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	if id, ok := m["id"]; ok {
		return id, true
	}
	if id, ok := m["_id"]; ok {
		return id, true
	}
	return nil, false
}

// Copy deep-copies a JSON-ish value
func Copy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = Copy(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = Copy(e)
		}
		return out
	default:
		return v
	}
}
