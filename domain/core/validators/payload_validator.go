package validators

import (
	"strings"

	domaincfg "github.com/chronos-store/chronos/domain/config"
	"github.com/chronos-store/chronos/domain/filter"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// PayloadValidator enforces the collection-level validation rules before any
// write reaches the saga.
type PayloadValidator struct {
	colMap domaincfg.CollectionMap
}

// NewPayloadValidator creates a validator for one collection map
func NewPayloadValidator(colMap domaincfg.CollectionMap) *PayloadValidator {
	return &PayloadValidator{colMap: colMap}
}

// ValidateRequired checks the payload carries every required indexed field
func (v *PayloadValidator) ValidateRequired(payload map[string]interface{}) error {
	var missing []string
	for _, path := range v.colMap.Validation.RequiredIndexed {
		if _, ok := filter.Lookup(payload, path); !ok {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return cerrors.NewValidationf("missing required indexed fields: %s", strings.Join(missing, ", ")).
			WithDetails(map[string]interface{}{"missing": missing})
	}
	return nil
}

// ValidateUniqueKeys checks every smart-insert unique key is indexed
func (v *PayloadValidator) ValidateUniqueKeys(uniqueKeys []string) error {
	if len(uniqueKeys) == 0 {
		return cerrors.NewValidation("smartInsert requires a non-empty uniqueKeys set")
	}
	for _, k := range uniqueKeys {
		if !v.colMap.IsIndexed(k) {
			return cerrors.NewValidationf("uniqueKey %q is not in the collection's indexedProps", k)
		}
	}
	return nil
}

// ValidateEnrichment checks an enrichment payload is a map or a non-empty
// array of maps.
func ValidateEnrichment(enrichment interface{}) ([]map[string]interface{}, error) {
	switch e := enrichment.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{e}, nil
	case []map[string]interface{}:
		if len(e) == 0 {
			return nil, cerrors.NewValidation("enrichment array must not be empty")
		}
		return e, nil
	case []interface{}:
		if len(e) == 0 {
			return nil, cerrors.NewValidation("enrichment array must not be empty")
		}
		out := make([]map[string]interface{}, 0, len(e))
		for _, el := range e {
			m, ok := el.(map[string]interface{})
			if !ok {
				return nil, cerrors.NewValidation("enrichment array elements must be records")
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, cerrors.NewValidation("enrichment must be a record or an array of records")
	}
}
