// Package routing maps a RouteContext to a concrete backend pair. Resolution
// is a pure function of the config snapshot and the context; the only I/O is
// the lazy connection open performed by the pool.
package routing

import (
	"context"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/infrastructure/config"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// Route is the resolved backend pair for one context
type Route struct {
	DocStore    ports.DocumentStore
	ObjectStore ports.ObjectStore
	Bucket      string
	DBName      string
}

// Router resolves contexts against the configured database trees
type Router struct {
	cfg    *config.Config
	pool   *Pool
	logger *zap.Logger
}

// NewRouter creates a router over a config snapshot and connection pool
func NewRouter(cfg *config.Config, pool *Pool, logger *zap.Logger) *Router {
	return &Router{cfg: cfg, pool: pool, logger: logger}
}

// Resolve maps a context to its backend pair. The same context always lands
// on the same pair; rendezvous hashing keeps candidate churn to 1/N of keys.
func (r *Router) Resolve(ctx context.Context, rc valueobjects.RouteContext) (*Route, error) {
	if err := rc.Validate(); err != nil {
		return nil, cerrors.NewValidation(err.Error())
	}

	entry, err := r.selectEntry(rc)
	if err != nil {
		return nil, err
	}

	dbRef, spaceRef, bucket := entry.DBConnRef, entry.SpaceConnRef, entry.Bucket
	if len(entry.Candidates) > 0 {
		cand := r.pickCandidate(entry.Candidates, rc)
		dbRef, spaceRef, bucket = cand.DBConnRef, cand.SpaceConnRef, cand.Bucket
	}

	docStore, err := r.pool.DocStore(ctx, dbRef)
	if err != nil {
		return nil, err
	}
	objStore, err := r.pool.ObjectStore(ctx, spaceRef)
	if err != nil {
		return nil, err
	}

	dbName := entry.DBName
	if dbName == "" {
		dbName = rc.DBName
	}

	return &Route{
		DocStore:    docStore,
		ObjectStore: objStore,
		Bucket:      bucket,
		DBName:      dbName,
	}, nil
}

// ContentBucket returns the blob bucket of a context's space connection,
// falling back to the routed bucket when none is configured.
func (r *Router) ContentBucket(rc valueobjects.RouteContext, routed *Route) string {
	entry, err := r.selectEntry(rc)
	if err != nil {
		return routed.Bucket
	}
	if conn, ok := r.cfg.SpacesConnections[entry.SpaceConnRef]; ok && conn.ContentBucket != "" {
		return conn.ContentBucket
	}
	return routed.Bucket
}

// selectEntry applies the tier precedence rules: tenant, then domain, then
// generic; flat types have a single entry.
func (r *Router) selectEntry(rc valueobjects.RouteContext) (*config.DatabaseEntry, error) {
	tree, ok := r.cfg.Databases[rc.DatabaseType]
	if !ok {
		return nil, cerrors.NewRouteNotFound("no databases configured for type " + string(rc.DatabaseType))
	}

	if rc.DatabaseType.IsFlat() {
		if tree.Database == nil {
			return nil, cerrors.NewRouteNotFound("no database entry for flat type " + string(rc.DatabaseType))
		}
		return tree.Database, nil
	}

	if rc.Tier == valueobjects.TierTenant {
		for i := range tree.TenantDatabases {
			if tree.TenantDatabases[i].TenantID == rc.TenantID {
				return &tree.TenantDatabases[i], nil
			}
		}
		return nil, cerrors.NewRouteNotFound("no tenant database for tenant " + rc.TenantID)
	}
	if rc.Tier == valueobjects.TierDomain {
		for i := range tree.Domains {
			if tree.Domains[i].Domain == rc.Domain {
				return &tree.Domains[i], nil
			}
		}
		return nil, cerrors.NewRouteNotFound("no domain database for domain " + rc.Domain)
	}
	if tree.GenericDatabase == nil {
		return nil, cerrors.NewRouteNotFound("no generic database for type " + string(rc.DatabaseType))
	}
	return tree.GenericDatabase, nil
}

// pickCandidate selects among equivalent candidates by highest-random-weight
// hashing over the rendered routing key. Adding or removing a candidate only
// relocates the keys whose top candidate changed.
func (r *Router) pickCandidate(candidates []config.CandidateRef, rc valueobjects.RouteContext) *config.CandidateRef {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	rdv := rendezvous.New(ids, xxhash.Sum64String)
	winner := rdv.Lookup(RoutingKey(r.cfg.Routing.ChooseKey, rc))
	for i := range candidates {
		if candidates[i].ID == winner {
			return &candidates[i]
		}
	}
	return &candidates[0]
}

// RoutingKey renders the chooseKey template against a context. Field tokens
// (tenantId, domain, dbName, collection, objectId) are replaced with their
// values; separators pass through verbatim.
func RoutingKey(template string, rc valueobjects.RouteContext) string {
	replacer := strings.NewReplacer(
		"tenantId", rc.TenantID,
		"objectId", rc.ObjectID,
		"dbName", rc.DBName,
		"collection", rc.Collection,
		"domain", rc.Domain,
	)
	return replacer.Replace(template)
}
