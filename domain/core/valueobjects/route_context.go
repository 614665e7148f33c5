package valueobjects

import "errors"

// DatabaseType selects one of the typed backend trees in the routing config
type DatabaseType string

const (
	DatabaseTypeMetadata   DatabaseType = "metadata"
	DatabaseTypeKnowledge  DatabaseType = "knowledge"
	DatabaseTypeRuntime    DatabaseType = "runtime"
	DatabaseTypeLogs       DatabaseType = "logs"
	DatabaseTypeMessaging  DatabaseType = "messaging"
	DatabaseTypeIdentities DatabaseType = "identities"
)

// IsFlat reports whether the type has a single configured entry instead of
// the generic/domain/tenant tiers.
func (t DatabaseType) IsFlat() bool {
	switch t {
	case DatabaseTypeLogs, DatabaseTypeMessaging, DatabaseTypeIdentities:
		return true
	}
	return false
}

// Tier selects the tenancy tier inside a tiered database type
type Tier string

const (
	TierGeneric Tier = "generic"
	TierDomain  Tier = "domain"
	TierTenant  Tier = "tenant"
)

// RouteContext identifies where a logical item lives. The same context always
// resolves to the same backend pair.
type RouteContext struct {
	DatabaseType DatabaseType `json:"databaseType"`
	Tier         Tier         `json:"tier,omitempty"`
	TenantID     string       `json:"tenantId,omitempty"`
	Domain       string       `json:"domain,omitempty"`
	DBName       string       `json:"dbName"`
	Collection   string       `json:"collection"`

	// ObjectID participates in the routing key only when the configured key
	// template names it.
	ObjectID string `json:"objectId,omitempty"`
}

// Validate checks the context carries everything resolution needs
func (c RouteContext) Validate() error {
	if c.DatabaseType == "" {
		return errors.New("databaseType is required")
	}
	if c.DBName == "" {
		return errors.New("dbName is required")
	}
	if c.Collection == "" {
		return errors.New("collection is required")
	}
	if c.DatabaseType.IsFlat() {
		return nil
	}
	switch c.Tier {
	case TierGeneric:
	case TierDomain:
		if c.Domain == "" {
			return errors.New("domain is required for tier=domain")
		}
	case TierTenant:
		if c.TenantID == "" {
			return errors.New("tenantId is required for tier=tenant")
		}
	default:
		return errors.New("tier must be generic, domain or tenant")
	}
	return nil
}

// WithCollection returns a copy of the context bound to another collection.
// Used by entity mappings and the system queue collections.
func (c RouteContext) WithCollection(collection string) RouteContext {
	c.Collection = collection
	return c
}
