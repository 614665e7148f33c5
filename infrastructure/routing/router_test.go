package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/infrastructure/config"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
dbConnections:
  main:
    kind: memory
  tenantdb:
    kind: memory
spacesConnections:
  content:
    kind: memory
databases:
  metadata:
    genericDatabase:
      dbConnRef: main
      spaceConnRef: content
      bucket: generic-bucket
    domains:
      - domain: healthcare
        dbConnRef: main
        spaceConnRef: content
        bucket: healthcare-bucket
    tenantDatabases:
      - tenantId: acme
        dbConnRef: tenantdb
        spaceConnRef: content
        bucket: acme-bucket
        dbName: acme-fixed
  logs:
    database:
      dbConnRef: main
      spaceConnRef: content
      bucket: logs-bucket
`))
	require.NoError(t, err)
	return cfg
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	cfg := testConfig(t)
	return NewRouter(cfg, NewPool(cfg, zap.NewNop()), zap.NewNop())
}

func TestResolve_TierPrecedence(t *testing.T) {
	router := newTestRouter(t)
	ctx := context.Background()

	generic, err := router.Resolve(ctx, valueobjects.RouteContext{
		DatabaseType: valueobjects.DatabaseTypeMetadata,
		Tier:         valueobjects.TierGeneric,
		DBName:       "appdb",
		Collection:   "users",
	})
	require.NoError(t, err)
	assert.Equal(t, "generic-bucket", generic.Bucket)
	assert.Equal(t, "appdb", generic.DBName, "entry without dbName inherits the context's")

	domain, err := router.Resolve(ctx, valueobjects.RouteContext{
		DatabaseType: valueobjects.DatabaseTypeMetadata,
		Tier:         valueobjects.TierDomain,
		Domain:       "healthcare",
		DBName:       "appdb",
		Collection:   "users",
	})
	require.NoError(t, err)
	assert.Equal(t, "healthcare-bucket", domain.Bucket)

	tenant, err := router.Resolve(ctx, valueobjects.RouteContext{
		DatabaseType: valueobjects.DatabaseTypeMetadata,
		Tier:         valueobjects.TierTenant,
		TenantID:     "acme",
		DBName:       "appdb",
		Collection:   "users",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme-bucket", tenant.Bucket)
	assert.Equal(t, "acme-fixed", tenant.DBName, "entry dbName overrides the context's")
}

func TestResolve_FlatType(t *testing.T) {
	router := newTestRouter(t)

	route, err := router.Resolve(context.Background(), valueobjects.RouteContext{
		DatabaseType: valueobjects.DatabaseTypeLogs,
		DBName:       "logs",
		Collection:   "entries",
	})

	require.NoError(t, err)
	assert.Equal(t, "logs-bucket", route.Bucket)
}

func TestResolve_UnknownTargets(t *testing.T) {
	router := newTestRouter(t)
	ctx := context.Background()

	_, err := router.Resolve(ctx, valueobjects.RouteContext{
		DatabaseType: valueobjects.DatabaseTypeRuntime,
		Tier:         valueobjects.TierGeneric,
		DBName:       "appdb",
		Collection:   "users",
	})
	assert.True(t, cerrors.IsNotFound(err), "unconfigured type is a route-not-found")

	_, err = router.Resolve(ctx, valueobjects.RouteContext{
		DatabaseType: valueobjects.DatabaseTypeMetadata,
		Tier:         valueobjects.TierTenant,
		TenantID:     "nosuch",
		DBName:       "appdb",
		Collection:   "users",
	})
	assert.True(t, cerrors.IsNotFound(err))
}

func TestResolve_InvalidContext(t *testing.T) {
	router := newTestRouter(t)

	_, err := router.Resolve(context.Background(), valueobjects.RouteContext{
		DatabaseType: valueobjects.DatabaseTypeMetadata,
		Tier:         valueobjects.TierTenant,
		DBName:       "appdb",
		Collection:   "users",
	})

	assert.True(t, cerrors.IsValidation(err), "tenant tier without tenantId is invalid")
}

func TestResolve_SameContextSameStore(t *testing.T) {
	router := newTestRouter(t)
	ctx := context.Background()
	rc := valueobjects.RouteContext{
		DatabaseType: valueobjects.DatabaseTypeMetadata,
		Tier:         valueobjects.TierGeneric,
		DBName:       "appdb",
		Collection:   "users",
	}

	a, err := router.Resolve(ctx, rc)
	require.NoError(t, err)
	b, err := router.Resolve(ctx, rc)
	require.NoError(t, err)

	assert.Same(t, a.DocStore, b.DocStore, "the pool hands out one store per connection ref")
}

func TestRoutingKey(t *testing.T) {
	rc := valueobjects.RouteContext{
		TenantID:   "acme",
		DBName:     "appdb",
		Collection: "users",
		ObjectID:   "42",
	}

	assert.Equal(t, "acme|appdb|users", RoutingKey("tenantId|dbName|collection", rc))
	assert.Equal(t, "acme|appdb|users:42", RoutingKey("tenantId|dbName|collection:objectId", rc))
}

func TestPickCandidate_StableAndDistributed(t *testing.T) {
	// Arrange
	router := newTestRouter(t)
	candidates := []config.CandidateRef{
		{ID: "c1", DBConnRef: "main", SpaceConnRef: "content", Bucket: "b1"},
		{ID: "c2", DBConnRef: "main", SpaceConnRef: "content", Bucket: "b2"},
		{ID: "c3", DBConnRef: "main", SpaceConnRef: "content", Bucket: "b3"},
	}

	seen := map[string]bool{}
	for i := 0; i < 26; i++ {
		rc := valueobjects.RouteContext{
			TenantID:   "tenant",
			DBName:     "appdb",
			Collection: "users-" + string(rune('a'+i)),
		}

		// Act: same key twice must land on the same candidate
		first := router.pickCandidate(candidates, rc)
		second := router.pickCandidate(candidates, rc)

		// Assert
		require.Equal(t, first.ID, second.ID)
		seen[first.ID] = true
	}
	assert.Greater(t, len(seen), 1, "keys spread over more than one candidate")
}
