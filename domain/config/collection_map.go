// Package config holds the domain-level configuration values: per-collection
// maps, analytics rules and retention bounds. These are pure values supplied
// at init and never mutated afterwards.
package config

import (
	"strings"

	"github.com/chronos-store/chronos/domain/core/entities"
)

// Base64Prop describes one payload field to externalize
type Base64Prop struct {
	ContentType string `yaml:"contentType" json:"contentType"`

	// PreferredText stores the blob with a .txt extension when the decoded
	// bytes are valid in Charset (defaults to utf-8).
	PreferredText bool   `yaml:"preferredText" json:"preferredText"`
	Charset       string `yaml:"charset,omitempty" json:"charset,omitempty"`
}

// Validation lists the indexed fields a payload must carry
type Validation struct {
	RequiredIndexed []string `yaml:"requiredIndexed" json:"requiredIndexed"`
}

// CollectionMap is the per-collection indexing and externalization spec.
// MetaIndexed projection and query validation both derive from IndexedProps;
// it is the only source the query engine may filter on.
type CollectionMap struct {
	IndexedProps []string              `yaml:"indexedProps" json:"indexedProps"`
	Base64Props  map[string]Base64Prop `yaml:"base64Props,omitempty" json:"base64Props,omitempty"`
	Validation   Validation            `yaml:"validation,omitempty" json:"validation,omitempty"`
}

// IsIndexed reports whether a dot-path is covered by IndexedProps. A filter
// on "a.b" is allowed when "a.b" itself or a prefix of it is indexed.
func (m CollectionMap) IsIndexed(path string) bool {
	for _, p := range m.IndexedProps {
		if p == path || strings.HasPrefix(path, p+".") {
			return true
		}
	}
	return false
}

// UnknownCollectionPolicy decides what happens when no CollectionMap exists
// for a collection.
type UnknownCollectionPolicy string

const (
	// UnknownAutoIndex indexes every top-level payload field
	UnknownAutoIndex UnknownCollectionPolicy = "autoIndex"
	// UnknownReject fails the operation with a validation error
	UnknownReject UnknownCollectionPolicy = "reject"
)

// RuleScope selects the document an analytics predicate evaluates against
type RuleScope string

const (
	ScopeMeta    RuleScope = "meta"
	ScopePayload RuleScope = "payload"
)

// CounterRule is a named analytics rule. When the op kind matches On and the
// predicate holds, counters[Name] is incremented; CountUnique additionally
// maintains one row per distinct value of each listed property.
type CounterRule struct {
	Name  string            `yaml:"name" json:"name"`
	On    []entities.OpKind `yaml:"on" json:"on"`
	Scope RuleScope         `yaml:"scope" json:"scope"`

	// When is a structured predicate in the metadata filter syntax.
	When map[string]interface{} `yaml:"when,omitempty" json:"when,omitempty"`

	// WhenExpr is an optional CEL expression over the variable `doc`; when
	// set it takes precedence over When.
	WhenExpr string `yaml:"whenExpr,omitempty" json:"whenExpr,omitempty"`

	CountUnique []string `yaml:"countUnique,omitempty" json:"countUnique,omitempty"`
}

// AppliesTo reports whether the rule fires for an op kind
func (r CounterRule) AppliesTo(op entities.OpKind) bool {
	if len(r.On) == 0 {
		return true
	}
	for _, o := range r.On {
		if o == op {
			return true
		}
	}
	return false
}

// Retention bounds version-row history per collection. Zero values disable
// the corresponding bound. Payload objects are never removed by retention.
type Retention struct {
	Days       int `yaml:"days,omitempty" json:"days,omitempty"`
	MaxPerItem int `yaml:"maxPerItem,omitempty" json:"maxPerItem,omitempty"`
}

// DevShadow controls the inline payload copy on head rows
type DevShadow struct {
	Enabled  bool  `yaml:"enabled" json:"enabled"`
	MaxBytes int64 `yaml:"maxBytes,omitempty" json:"maxBytes,omitempty"`
}
