package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/queries"
	"github.com/chronos-store/chronos/application/sagas"
	"github.com/chronos-store/chronos/application/services"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/domain/filter"
	"github.com/chronos-store/chronos/infrastructure/config"
	"github.com/chronos-store/chronos/infrastructure/routing"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

const readTestYAML = `
dbConnections:
  main:
    kind: memory
  domaindb:
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
      - domain: retail
        dbConnRef: domaindb
        spaceConnRef: content
        bucket: domain-bucket
    tenantDatabases:
      - tenantId: acme
        dbConnRef: tenantdb
        spaceConnRef: content
        bucket: tenant-bucket
collectionMaps:
  users:
    indexedProps: ["email", "status"]
  settings:
    indexedProps: ["key"]
`

type readEnv struct {
	handler *ReadHandler
	saga    *sagas.WriteSaga
}

func newReadEnv(t *testing.T) *readEnv {
	t.Helper()
	cfg, err := config.Parse([]byte(readTestYAML))
	require.NoError(t, err)

	logger := zap.NewNop()
	pool := routing.NewPool(cfg, logger)
	router := routing.NewRouter(cfg, pool, logger)
	saga := sagas.NewWriteSaga(cfg, router, services.NewExternalizer(logger), nil, nil, nil, logger)

	return &readEnv{
		handler: NewReadHandler(cfg, router, nil, logger),
		saga:    saga,
	}
}

func genericContext(collection string) valueobjects.RouteContext {
	return valueobjects.RouteContext{
		DatabaseType: valueobjects.DatabaseTypeMetadata,
		Tier:         valueobjects.TierGeneric,
		DBName:       "appdb",
		Collection:   collection,
	}
}

func (e *readEnv) mustWrite(t *testing.T, req *sagas.WriteRequest) *sagas.WriteResult {
	t.Helper()
	res, err := e.saga.Run(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestReadHandler_GetLatest(t *testing.T) {
	env := newReadEnv(t)
	ctx := context.Background()
	rc := genericContext("users")

	created := env.mustWrite(t, &sagas.WriteRequest{
		Context: rc,
		Op:      entities.OpCreate,
		Payload: map[string]interface{}{"email": "a@example.com", "status": "new"},
	})

	item, err := env.handler.GetItem(ctx, queries.GetItem{Context: rc, ID: created.ID})

	require.NoError(t, err)
	assert.Equal(t, created.ID, item.ID)
	assert.Equal(t, int64(0), item.OV)
	assert.Equal(t, "a@example.com", item.Payload["email"])
	assert.NotContains(t, item.Payload, entities.SystemKey, "envelope is stripped by default")
	assert.Nil(t, item.Meta)
}

func TestReadHandler_GetMissing(t *testing.T) {
	env := newReadEnv(t)

	_, err := env.handler.GetItem(context.Background(), queries.GetItem{
		Context: genericContext("users"),
		ID:      valueobjects.NewItemID(),
	})

	assert.True(t, cerrors.IsNotFound(err))
}

func TestReadHandler_GetByOV(t *testing.T) {
	env := newReadEnv(t)
	ctx := context.Background()
	rc := genericContext("users")

	created := env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpCreate,
		Payload: map[string]interface{}{"email": "v1@example.com"},
	})
	env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpUpdate, ID: &created.ID,
		Payload: map[string]interface{}{"email": "v2@example.com"},
	})

	ov := int64(0)
	item, err := env.handler.GetItem(ctx, queries.GetItem{Context: rc, ID: created.ID, OV: &ov, IncludeMeta: true})

	require.NoError(t, err)
	assert.Equal(t, int64(0), item.OV)
	assert.Equal(t, "v1@example.com", item.Payload["email"])
	require.NotNil(t, item.Meta)
	assert.Equal(t, entities.OpCreate, item.Meta.Op)

	missing := int64(9)
	_, err = env.handler.GetItem(ctx, queries.GetItem{Context: rc, ID: created.ID, OV: &missing})
	assert.True(t, cerrors.IsNotFound(err))
}

func TestReadHandler_GetAsOf(t *testing.T) {
	env := newReadEnv(t)
	ctx := context.Background()
	rc := genericContext("users")

	created := env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpCreate,
		Payload: map[string]interface{}{"email": "v1@example.com"},
	})
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpUpdate, ID: &created.ID,
		Payload: map[string]interface{}{"email": "v2@example.com"},
	})

	item, err := env.handler.GetItem(ctx, queries.GetItem{Context: rc, ID: created.ID, At: &cutoff})

	require.NoError(t, err)
	assert.Equal(t, int64(0), item.OV)
	assert.Equal(t, "v1@example.com", item.Payload["email"])

	// Before the item existed there is nothing to read
	before := created.Head.CreatedAt.Add(-time.Hour)
	_, err = env.handler.GetItem(ctx, queries.GetItem{Context: rc, ID: created.ID, At: &before})
	assert.True(t, cerrors.IsNotFound(err))
}

func TestReadHandler_DeletedVisibility(t *testing.T) {
	env := newReadEnv(t)
	ctx := context.Background()
	rc := genericContext("users")

	created := env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpCreate,
		Payload: map[string]interface{}{"email": "a@example.com"},
	})
	env.mustWrite(t, &sagas.WriteRequest{Context: rc, Op: entities.OpDelete, ID: &created.ID})

	_, err := env.handler.GetItem(ctx, queries.GetItem{Context: rc, ID: created.ID})
	assert.True(t, cerrors.IsNotFound(err), "tombstoned items read as missing by default")

	item, err := env.handler.GetItem(ctx, queries.GetItem{Context: rc, ID: created.ID, IncludeDeleted: true, IncludeMeta: true})
	require.NoError(t, err)
	require.NotNil(t, item.Meta)
	assert.True(t, item.Meta.Deleted)

	// History before the delete stays readable without includeDeleted
	ov := int64(0)
	_, err = env.handler.GetItem(ctx, queries.GetItem{Context: rc, ID: created.ID, OV: &ov})
	assert.NoError(t, err)
}

func TestReadHandler_Projection(t *testing.T) {
	env := newReadEnv(t)
	rc := genericContext("users")

	created := env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpCreate,
		Payload: map[string]interface{}{
			"email": "a@example.com",
			"profile": map[string]interface{}{
				"city": "berlin",
				"zip":  "10115",
			},
		},
	})

	item, err := env.handler.GetItem(context.Background(), queries.GetItem{
		Context:    rc,
		ID:         created.ID,
		Projection: []string{"email", "profile.city"},
	})

	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"email": "a@example.com",
		"profile": map[string]interface{}{
			"city": "berlin",
		},
	}, item.Payload)
}

func TestReadHandler_QueryPaging(t *testing.T) {
	env := newReadEnv(t)
	ctx := context.Background()
	rc := genericContext("users")

	for i := 0; i < 5; i++ {
		env.mustWrite(t, &sagas.WriteRequest{
			Context: rc, Op: entities.OpCreate,
			Payload: map[string]interface{}{"email": "a@example.com", "status": "active"},
		})
	}
	env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpCreate,
		Payload: map[string]interface{}{"email": "b@example.com", "status": "inactive"},
	})

	var items []*Item
	token := ""
	pages := 0
	for {
		page, err := env.handler.Query(ctx, queries.QueryItems{
			Context: rc,
			Filter:  filter.Meta{"status": "active"},
			Limit:   2,
			Token:   token,
		})
		require.NoError(t, err)
		items = append(items, page.Items...)
		pages++
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	assert.Len(t, items, 5)
	assert.GreaterOrEqual(t, pages, 3)
	for i := 1; i < len(items); i++ {
		assert.Less(t, items[i-1].CV, items[i].CV, "pages walk cv ascending")
	}
}

func TestReadHandler_QueryRejectsUnindexedFilter(t *testing.T) {
	env := newReadEnv(t)

	_, err := env.handler.Query(context.Background(), queries.QueryItems{
		Context: genericContext("users"),
		Filter:  filter.Meta{"nickname": "al"},
	})

	assert.True(t, cerrors.IsValidation(err))
}

func TestReadHandler_QueryAsOf(t *testing.T) {
	env := newReadEnv(t)
	ctx := context.Background()
	rc := genericContext("users")

	a := env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpCreate,
		Payload: map[string]interface{}{"email": "a@example.com", "status": "active"},
	})
	env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpCreate,
		Payload: map[string]interface{}{"email": "b@example.com", "status": "inactive"},
	})

	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)

	env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpUpdate, ID: &a.ID,
		Payload: map[string]interface{}{"email": "a@example.com", "status": "inactive"},
	})

	page, err := env.handler.Query(ctx, queries.QueryItems{
		Context: rc,
		Filter:  filter.Meta{"status": "active"},
		At:      &cutoff,
	})

	require.NoError(t, err)
	require.Len(t, page.Items, 1, "the state at the cutoff decides, not the latest state")
	assert.Equal(t, a.ID, page.Items[0].ID)
	assert.Equal(t, int64(0), page.Items[0].OV)
}

func TestReadHandler_ListVersions(t *testing.T) {
	env := newReadEnv(t)
	rc := genericContext("users")

	created := env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpCreate,
		Payload: map[string]interface{}{"email": "v1@example.com"},
	})
	env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpUpdate, ID: &created.ID,
		Payload: map[string]interface{}{"email": "v2@example.com"},
	})

	versions, err := env.handler.ListVersions(context.Background(), queries.ListVersions{
		Context: rc,
		ID:      created.ID,
	})

	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(1), versions[0].OV, "newest first")
	assert.Equal(t, int64(0), versions[1].OV)
}

func TestReadHandler_TieredGetFirstHit(t *testing.T) {
	env := newReadEnv(t)
	ctx := context.Background()

	base := valueobjects.RouteContext{
		DatabaseType: valueobjects.DatabaseTypeMetadata,
		Tier:         valueobjects.TierGeneric,
		TenantID:     "acme",
		Domain:       "retail",
		DBName:       "appdb",
		Collection:   "settings",
	}

	generic := base
	generic.Tier = valueobjects.TierGeneric
	env.mustWrite(t, &sagas.WriteRequest{
		Context: generic, Op: entities.OpCreate,
		Payload: map[string]interface{}{"key": "theme", "value": "generic-default", "footer": "shared"},
	})

	tenant := base
	tenant.Tier = valueobjects.TierTenant
	env.mustWrite(t, &sagas.WriteRequest{
		Context: tenant, Op: entities.OpCreate,
		Payload: map[string]interface{}{"key": "theme", "value": "acme-dark"},
	})

	item, err := env.handler.TieredGet(ctx, queries.TieredGet{
		Context: base,
		Filter:  filter.Meta{"key": "theme"},
	})
	require.NoError(t, err)
	assert.Equal(t, "acme-dark", item.Payload["value"], "most specific tier wins")

	// Without a tenant hit the walk falls through to generic
	other := base
	other.TenantID = ""
	item, err = env.handler.TieredGet(ctx, queries.TieredGet{
		Context: other,
		Filter:  filter.Meta{"key": "theme"},
	})
	require.NoError(t, err)
	assert.Equal(t, "generic-default", item.Payload["value"])
}

func TestReadHandler_TieredGetMerge(t *testing.T) {
	env := newReadEnv(t)

	base := valueobjects.RouteContext{
		DatabaseType: valueobjects.DatabaseTypeMetadata,
		Tier:         valueobjects.TierGeneric,
		TenantID:     "acme",
		Domain:       "retail",
		DBName:       "appdb",
		Collection:   "settings",
	}

	generic := base
	generic.Tier = valueobjects.TierGeneric
	env.mustWrite(t, &sagas.WriteRequest{
		Context: generic, Op: entities.OpCreate,
		Payload: map[string]interface{}{"key": "theme", "value": "generic-default", "footer": "shared"},
	})

	tenant := base
	tenant.Tier = valueobjects.TierTenant
	env.mustWrite(t, &sagas.WriteRequest{
		Context: tenant, Op: entities.OpCreate,
		Payload: map[string]interface{}{"key": "theme", "value": "acme-dark"},
	})

	item, err := env.handler.TieredGet(context.Background(), queries.TieredGet{
		Context: base,
		Filter:  filter.Meta{"key": "theme"},
		Merge:   true,
	})

	require.NoError(t, err)
	assert.Equal(t, "acme-dark", item.Payload["value"], "specific tiers override")
	assert.Equal(t, "shared", item.Payload["footer"], "generic-only fields survive the overlay")
}

func TestReadHandler_TieredGetNoMatch(t *testing.T) {
	env := newReadEnv(t)

	base := valueobjects.RouteContext{
		DatabaseType: valueobjects.DatabaseTypeMetadata,
		Tier:         valueobjects.TierGeneric,
		DBName:       "appdb",
		Collection:   "settings",
	}

	_, err := env.handler.TieredGet(context.Background(), queries.TieredGet{
		Context: base,
		Filter:  filter.Meta{"key": "absent"},
	})

	assert.True(t, cerrors.IsNotFound(err))
}

func TestReadHandler_GetWithEntities(t *testing.T) {
	env := newReadEnv(t)
	ctx := context.Background()
	rc := genericContext("users")

	main := env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpCreate,
		Payload: map[string]interface{}{"email": "parent@example.com"},
	})
	for i := 0; i < 2; i++ {
		env.mustWrite(t, &sagas.WriteRequest{
			Context:          rc.WithCollection("notes"),
			Op:               entities.OpCreate,
			Payload:          map[string]interface{}{"text": "note"},
			ParentID:         main.ID.Hex(),
			ParentCollection: "users",
		})
	}
	// Unrelated item in the same collection stays out
	env.mustWrite(t, &sagas.WriteRequest{
		Context: rc.WithCollection("notes"),
		Op:      entities.OpCreate,
		Payload: map[string]interface{}{"text": "loose"},
	})

	item, groups, err := env.handler.GetWithEntities(ctx, queries.GetWithEntities{
		Context: rc,
		ID:      main.ID,
		Mappings: []valueobjects.EntityMapping{
			{Property: "notes", Collection: "notes", KeyProperty: "userId"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, main.ID, item.ID)
	require.Len(t, groups, 1)
	assert.Equal(t, "notes", groups[0].Property)
	assert.Equal(t, "notes", groups[0].Collection)
	assert.Len(t, groups[0].Items, 2)

	// The entities come back embedded under the mapping's property
	embedded, ok := item.Payload["notes"].([]interface{})
	require.True(t, ok, "two matches embed as an array")
	assert.Len(t, embedded, 2)
}

func TestReadHandler_GetWithEntitiesSingleMatchEmbedsObject(t *testing.T) {
	env := newReadEnv(t)
	ctx := context.Background()
	rc := genericContext("users")

	main := env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpCreate,
		Payload: map[string]interface{}{"email": "parent@example.com"},
	})
	env.mustWrite(t, &sagas.WriteRequest{
		Context:          rc.WithCollection("notes"),
		Op:               entities.OpCreate,
		Payload:          map[string]interface{}{"text": "only"},
		ParentID:         main.ID.Hex(),
		ParentCollection: "users",
	})

	item, groups, err := env.handler.GetWithEntities(ctx, queries.GetWithEntities{
		Context: rc,
		ID:      main.ID,
		Mappings: []valueobjects.EntityMapping{
			{Property: "notes", Collection: "notes", KeyProperty: "userId"},
		},
	})

	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Items, 1)
	embedded, ok := item.Payload["notes"].(map[string]interface{})
	require.True(t, ok, "a single match embeds as an object, not a one-element array")
	assert.Equal(t, "only", embedded["text"])
}

func TestReadHandler_MetaCarriesIndexedProjection(t *testing.T) {
	env := newReadEnv(t)
	ctx := context.Background()
	rc := genericContext("users")

	created := env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpCreate,
		Payload: map[string]interface{}{"email": "a@example.com", "status": "new", "secret": "hidden"},
	})

	item, err := env.handler.GetItem(ctx, queries.GetItem{Context: rc, ID: created.ID, IncludeMeta: true})

	require.NoError(t, err)
	require.NotNil(t, item.Meta)
	assert.Equal(t, "a@example.com", item.Meta.MetaIndexed["email"])
	assert.Equal(t, "new", item.Meta.MetaIndexed["status"])
	assert.NotContains(t, item.Meta.MetaIndexed, "secret")

	// Historical reads carry the projection of that version
	env.mustWrite(t, &sagas.WriteRequest{
		Context: rc, Op: entities.OpUpdate, ID: &created.ID,
		Payload: map[string]interface{}{"email": "a@example.com", "status": "active"},
	})
	ov := int64(0)
	old, err := env.handler.GetItem(ctx, queries.GetItem{Context: rc, ID: created.ID, OV: &ov, IncludeMeta: true})
	require.NoError(t, err)
	require.NotNil(t, old.Meta)
	assert.Equal(t, "new", old.Meta.MetaIndexed["status"])
}
