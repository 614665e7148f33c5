package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDoc() map[string]interface{} {
	return map[string]interface{}{
		"status": "active",
		"score":  float64(42),
		"profile": map[string]interface{}{
			"city":      "berlin",
			"createdAt": "2026-03-01T10:00:00Z",
		},
	}
}

func TestMatches_Equality(t *testing.T) {
	doc := testDoc()

	assert.True(t, Matches(doc, Meta{"status": "active"}))
	assert.False(t, Matches(doc, Meta{"status": "archived"}))
	assert.True(t, Matches(doc, Meta{"profile.city": "berlin"}), "dot-paths reach nested fields")
	assert.False(t, Matches(doc, Meta{"profile.missing": "x"}))
}

func TestMatches_EmptyFilterMatchesAll(t *testing.T) {
	assert.True(t, Matches(testDoc(), Meta{}))
	assert.True(t, Matches(testDoc(), nil))
}

func TestMatches_NumericCrossType(t *testing.T) {
	// Stored values come back as float64 after a JSON round-trip; callers
	// filter with plain ints.
	doc := testDoc()

	assert.True(t, Matches(doc, Meta{"score": 42}))
	assert.True(t, Matches(doc, Meta{"score": int64(42)}))
	assert.True(t, Matches(doc, Meta{"score": json.Number("42")}))
	assert.False(t, Matches(doc, Meta{"score": 41}))
}

func TestMatches_In(t *testing.T) {
	doc := testDoc()

	assert.True(t, Matches(doc, Meta{"status": map[string]interface{}{OpIn: []interface{}{"active", "archived"}}}))
	assert.True(t, Matches(doc, Meta{"status": map[string]interface{}{OpIn: []string{"active"}}}))
	assert.False(t, Matches(doc, Meta{"status": map[string]interface{}{OpIn: []interface{}{"archived"}}}))
	assert.False(t, Matches(doc, Meta{"missing": map[string]interface{}{OpIn: []interface{}{"x"}}}))
}

func TestMatches_Range(t *testing.T) {
	doc := testDoc()

	assert.True(t, Matches(doc, Meta{"score": map[string]interface{}{OpGte: 42}}))
	assert.True(t, Matches(doc, Meta{"score": map[string]interface{}{OpGte: 10, OpLte: 50}}))
	assert.False(t, Matches(doc, Meta{"score": map[string]interface{}{OpGte: 43}}))
	assert.False(t, Matches(doc, Meta{"score": map[string]interface{}{OpLte: 41}}))
}

func TestMatches_RangeOnStringsIsLexicographic(t *testing.T) {
	doc := testDoc()

	assert.True(t, Matches(doc, Meta{"profile.createdAt": map[string]interface{}{OpGte: "2026-01-01T00:00:00Z"}}))
	assert.False(t, Matches(doc, Meta{"profile.createdAt": map[string]interface{}{OpGte: "2026-04-01T00:00:00Z"}}))
}

func TestMatches_RangeTypeMismatchNeverMatches(t *testing.T) {
	assert.False(t, Matches(testDoc(), Meta{"status": map[string]interface{}{OpGte: 5}}))
}

func TestMatches_Exists(t *testing.T) {
	doc := testDoc()

	assert.True(t, Matches(doc, Meta{"status": map[string]interface{}{OpExists: true}}))
	assert.True(t, Matches(doc, Meta{"missing": map[string]interface{}{OpExists: false}}))
	assert.False(t, Matches(doc, Meta{"missing": map[string]interface{}{OpExists: true}}))
	assert.False(t, Matches(doc, Meta{"status": map[string]interface{}{OpExists: false}}))
}

func TestMatches_PlainNestedMapIsEqualityNotOperator(t *testing.T) {
	doc := map[string]interface{}{
		"attrs": map[string]interface{}{"color": "red"},
	}

	assert.True(t, Matches(doc, Meta{"attrs": map[string]interface{}{"color": "red"}}))
	assert.False(t, Matches(doc, Meta{"attrs": map[string]interface{}{"color": "blue"}}))
}

func TestLookup(t *testing.T) {
	doc := testDoc()

	v, ok := Lookup(doc, "profile.city")
	require.True(t, ok)
	assert.Equal(t, "berlin", v)

	_, ok = Lookup(doc, "profile.city.deeper")
	assert.False(t, ok, "descending into a non-map fails")

	_, ok = Lookup(doc, "absent")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	indexed := func(path string) bool { return path == "status" || path == "score" }

	assert.NoError(t, Validate(Meta{"status": "active"}, indexed))
	assert.NoError(t, Validate(Meta{"score": map[string]interface{}{OpGte: 1, OpLte: 2}}, indexed))
	assert.NoError(t, Validate(Meta{"status": "x"}, nil), "nil isIndexed allows every field")

	err := Validate(Meta{"nickname": "x"}, indexed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not indexed")

	err = Validate(Meta{"status": map[string]interface{}{"$regex": ".*"}}, indexed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported operator")

	err = Validate(Meta{"$or": []interface{}{}}, indexed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top-level operator")
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(int(5), float64(5)))
	assert.True(t, Equal(json.Number("5"), int64(5)))
	assert.False(t, Equal(5, "5"), "numbers never equal strings")
	assert.True(t, Equal("a", "a"))
	assert.True(t, Equal(
		map[string]interface{}{"k": "v"},
		map[string]interface{}{"k": "v"},
	))
}
