package chronos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/infrastructure/config"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
	"github.com/chronos-store/chronos/pkg/extensions"
)

const clientTestYAML = `
environment: development
logLevel: error
dbConnections:
  main:
    kind: memory
spacesConnections:
  content:
    kind: memory
databases:
  metadata:
    genericDatabase:
      dbConnRef: main
      spaceConnRef: content
      bucket: chronos-test
collectionMaps:
  users:
    indexedProps: ["email", "status"]
analytics:
  enabled: true
fallback:
  enabled: true
`

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg, err := config.Parse([]byte(clientTestYAML))
	require.NoError(t, err)

	client, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Shutdown(ctx)
	})
	return client
}

func usersContext() RouteContext {
	return RouteContext{
		DatabaseType: valueobjects.DatabaseTypeMetadata,
		Tier:         valueobjects.TierGeneric,
		DBName:       "appdb",
		Collection:   "users",
	}
}

func TestClient_InsertGetRoundTrip(t *testing.T) {
	client := newTestClient(t)
	users := client.With(usersContext())
	ctx := context.Background()

	res, err := users.Insert(ctx, map[string]interface{}{
		"email":  "ada@example.com",
		"status": "active",
	}, WriteOptions{Actor: "test-suite"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.OV, "creates start at ov 0")
	assert.Equal(t, int64(1), res.CV)

	item, err := users.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", item.Payload["email"])
	assert.Nil(t, item.Meta, "meta only ships when asked for")
}

func TestClient_UpdateAndTimeTravel(t *testing.T) {
	client := newTestClient(t)
	users := client.With(usersContext())
	ctx := context.Background()

	res, err := users.Insert(ctx, map[string]interface{}{"email": "ada@example.com", "status": "active"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	beforeUpdate := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)

	updated, err := users.Update(ctx, res.ID, map[string]interface{}{"email": "ada@example.com", "status": "suspended"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.OV)

	// Pinned read
	v1, err := users.Get(ctx, res.ID, GetOptions{OV: &res.OV})
	require.NoError(t, err)
	assert.Equal(t, "active", v1.Payload["status"])

	// As-of read lands on the pre-update state
	asOf, err := users.Get(ctx, res.ID, GetOptions{At: &beforeUpdate})
	require.NoError(t, err)
	assert.Equal(t, "active", asOf.Payload["status"])

	history, err := users.ListVersions(ctx, res.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].OV, "history is newest first")
}

func TestClient_QueryAndDelete(t *testing.T) {
	client := newTestClient(t)
	users := client.With(usersContext())
	ctx := context.Background()

	a, err := users.Insert(ctx, map[string]interface{}{"email": "a@example.com", "status": "active"})
	require.NoError(t, err)
	_, err = users.Insert(ctx, map[string]interface{}{"email": "b@example.com", "status": "inactive"})
	require.NoError(t, err)

	page, err := users.Query(ctx, Filter{"status": "active"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, a.ID, page.Items[0].ID)

	_, err = users.Delete(ctx, a.ID)
	require.NoError(t, err)

	_, err = users.Get(ctx, a.ID)
	assert.True(t, cerrors.IsNotFound(err), "deleted items read as gone by default")

	page, err = users.Query(ctx, Filter{"status": "active"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestClient_RestoreAfterDelete(t *testing.T) {
	client := newTestClient(t)
	users := client.With(usersContext())
	ctx := context.Background()

	res, err := users.Insert(ctx, map[string]interface{}{"email": "ada@example.com", "status": "active"})
	require.NoError(t, err)
	_, err = users.Delete(ctx, res.ID)
	require.NoError(t, err)

	restored, err := users.Restore(ctx, res.ID, RestoreOptions{OV: &res.OV, Actor: "test-suite"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), restored.OV)

	item, err := users.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", item.Payload["status"])
}

func TestClient_Totals(t *testing.T) {
	client := newTestClient(t)
	users := client.With(usersContext())
	ctx := context.Background()

	res, err := users.Insert(ctx, map[string]interface{}{"email": "a@example.com"})
	require.NoError(t, err)
	_, err = users.Update(ctx, res.ID, map[string]interface{}{"email": "a2@example.com"})
	require.NoError(t, err)

	totals, err := users.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Created)
	assert.Equal(t, int64(1), totals.Updated)
}

func TestClient_HooksVetoWrites(t *testing.T) {
	client := newTestClient(t)
	users := client.With(usersContext())
	ctx := context.Background()

	client.Hooks().Register(extensions.HookBeforeWrite, func(ctx context.Context, ev *extensions.WriteEvent) error {
		if ev.Payload["email"] == "robot@example.com" {
			return cerrors.NewValidation("robots are not welcome")
		}
		return nil
	})

	_, err := users.Insert(ctx, map[string]interface{}{"email": "robot@example.com"})
	require.Error(t, err)
	assert.True(t, cerrors.IsValidation(err))

	_, err = users.Insert(ctx, map[string]interface{}{"email": "human@example.com"})
	assert.NoError(t, err)
}

func TestClient_CollectionRebind(t *testing.T) {
	client := newTestClient(t)
	users := client.With(usersContext())

	orders := users.Collection("orders")

	assert.Equal(t, "orders", orders.Context().Collection)
	assert.Equal(t, "users", users.Context().Collection, "the original binding is untouched")
}

func TestClient_Health(t *testing.T) {
	client := newTestClient(t)

	assert.NoError(t, client.Health(context.Background()))
}

func TestClient_NilConfigRejected(t *testing.T) {
	_, err := New(context.Background(), nil)

	require.Error(t, err)
	assert.True(t, cerrors.IsValidation(err))
}
