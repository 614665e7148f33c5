package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domaincfg "github.com/chronos-store/chronos/domain/config"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

const minimalYAML = `
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
      bucket: content-bucket
  logs:
    database:
      dbConnRef: main
      spaceConnRef: content
      bucket: logs-bucket
`

func TestParse_MinimalWithDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, domaincfg.UnknownAutoIndex, cfg.UnknownCollections)
	assert.Equal(t, "xxhash", cfg.Routing.HashAlgo)
	assert.Equal(t, "tenantId|dbName|collection", cfg.Routing.ChooseKey)
	assert.Equal(t, 30*time.Second, cfg.OpTimeout.Std())
	assert.Equal(t, 10, cfg.Fallback.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Fallback.BaseDelay.Std())
	assert.Equal(t, 5*time.Minute, cfg.Fallback.MaxDelay.Std())
	assert.Equal(t, 5*time.Second, cfg.Fallback.PollInterval.Std())
	assert.Equal(t, 50, cfg.Fallback.BatchSize)
	assert.Equal(t, time.Minute, cfg.Fallback.LeaseTTL.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Analytics.DebounceWindow.Std())
	assert.Equal(t, time.Hour, cfg.Retention.Interval.Std())
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL.Std())
	assert.Equal(t, "memory", cfg.Cache.Kind)
	assert.True(t, cfg.Versioning.Enabled, "versioning defaults on")
	assert.True(t, cfg.LogicalDelete.Enabled, "logical delete defaults on")
	assert.True(t, cfg.Transactions.AutoDetect)
}

func TestParse_EnvTokens(t *testing.T) {
	t.Setenv("CHRONOS_TEST_REGION", "eu-central-1")

	yaml := `
dbConnections:
  main:
    kind: dynamodb
    region: ${ENV:CHRONOS_TEST_REGION}
spacesConnections:
  content:
    kind: memory
databases:
  metadata:
    genericDatabase:
      dbConnRef: main
      spaceConnRef: content
      bucket: b
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", cfg.DBConnections["main"].Region)
}

func TestParse_UnresolvedEnvTokenFails(t *testing.T) {
	yaml := `
dbConnections:
  main:
    kind: dynamodb
    region: ${ENV:CHRONOS_DEFINITELY_UNSET_VAR}
spacesConnections:
  content:
    kind: memory
databases:
  metadata:
    genericDatabase:
      dbConnRef: main
      spaceConnRef: content
      bucket: b
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHRONOS_DEFINITELY_UNSET_VAR")
}

func TestParse_DanglingConnRefFails(t *testing.T) {
	yaml := `
dbConnections:
  main:
    kind: memory
spacesConnections:
  content:
    kind: memory
databases:
  metadata:
    genericDatabase:
      dbConnRef: nosuch
      spaceConnRef: content
      bucket: b
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.True(t, cerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "nosuch")
}

func TestParse_FlatTypeRequiresSingleDatabase(t *testing.T) {
	yaml := `
dbConnections:
  main:
    kind: memory
spacesConnections:
  content:
    kind: memory
databases:
  logs:
    genericDatabase:
      dbConnRef: main
      spaceConnRef: content
      bucket: b
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single database entry")
}

func TestParse_InvalidKindRejected(t *testing.T) {
	yaml := `
dbConnections:
  main:
    kind: mongodb
spacesConnections:
  content:
    kind: memory
databases:
  metadata:
    genericDatabase:
      dbConnRef: main
      spaceConnRef: content
      bucket: b
`
	_, err := Parse([]byte(yaml))
	assert.Error(t, err)
}

func TestParse_InvalidDuration(t *testing.T) {
	yaml := minimalYAML + `
opTimeout: soon
`
	_, err := Parse([]byte(yaml))
	assert.Error(t, err)
}

func TestCollectionMapFor(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + `
collectionMaps:
  users:
    indexedProps: ["email", "profile.city"]
`))
	require.NoError(t, err)

	m, ok := cfg.CollectionMapFor("users")
	require.True(t, ok)
	assert.Equal(t, []string{"email", "profile.city"}, m.IndexedProps)

	// Auto-index policy accepts unknown collections with an empty map
	m, ok = cfg.CollectionMapFor("unknown")
	assert.True(t, ok)
	assert.Empty(t, m.IndexedProps)

	cfg.UnknownCollections = domaincfg.UnknownReject
	_, ok = cfg.CollectionMapFor("unknown")
	assert.False(t, ok)
}

func TestSystemConnRef_Deterministic(t *testing.T) {
	cfg, err := Parse([]byte(`
dbConnections:
  zeta:
    kind: memory
  alpha:
    kind: memory
spacesConnections:
  content:
    kind: memory
databases:
  metadata:
    genericDatabase:
      dbConnRef: alpha
      spaceConnRef: content
      bucket: b
`))
	require.NoError(t, err)
	assert.Equal(t, "alpha", cfg.SystemConnRef())
}

func TestRetentionFor(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + `
retention:
  enabled: true
  default:
    days: 30
  collections:
    audit:
      days: 365
      maxPerItem: 100
`))
	require.NoError(t, err)

	assert.Equal(t, 365, cfg.RetentionFor("audit").Days)
	assert.Equal(t, 100, cfg.RetentionFor("audit").MaxPerItem)
	assert.Equal(t, 30, cfg.RetentionFor("anything").Days)
}

func TestSpaceConnection_StringMasksSecrets(t *testing.T) {
	s := SpaceConnection{Kind: "s3", AccessKey: "AKIA123", SecretKey: "topsecret"}

	out := s.String()

	assert.NotContains(t, out, "AKIA123")
	assert.NotContains(t, out, "topsecret")
}
