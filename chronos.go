// Package chronos is a versioned persistence layer over a document index
// store and an immutable object store. Every write becomes a new immutable
// version; reads serve the latest state, a pinned version or the state at
// any past instant.
package chronos

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/commands"
	cmdhandlers "github.com/chronos-store/chronos/application/commands/handlers"
	"github.com/chronos-store/chronos/application/ports"
	"github.com/chronos-store/chronos/application/queries"
	qryhandlers "github.com/chronos-store/chronos/application/queries/handlers"
	"github.com/chronos-store/chronos/application/sagas"
	"github.com/chronos-store/chronos/application/services"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/domain/filter"
	"github.com/chronos-store/chronos/infrastructure/analytics"
	"github.com/chronos-store/chronos/infrastructure/cache"
	"github.com/chronos-store/chronos/infrastructure/config"
	"github.com/chronos-store/chronos/infrastructure/fallback"
	"github.com/chronos-store/chronos/infrastructure/retention"
	"github.com/chronos-store/chronos/infrastructure/routing"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
	"github.com/chronos-store/chronos/pkg/extensions"
)

// Re-exported domain types so callers need only this package
type (
	RouteContext = valueobjects.RouteContext
	DatabaseType = valueobjects.DatabaseType
	Tier         = valueobjects.Tier
	ItemID       = valueobjects.ItemID
	Filter       = filter.Meta
	WriteResult  = sagas.WriteResult
	Item          = qryhandlers.Item
	ItemPage      = qryhandlers.ItemPage
	EntityGroup   = qryhandlers.EntityGroup
	EntityResult  = cmdhandlers.EntityResult
	EntityMapping = valueobjects.EntityMapping
	Version       = entities.Version
)

// NewItemID mints a fresh item id
func NewItemID() ItemID { return valueobjects.NewItemID() }

// ParseItemID parses a 24-char hex item id
func ParseItemID(hex string) (ItemID, error) { return valueobjects.ParseItemID(hex) }

// Client is the library entry point. Construct one per process with New and
// bind it to contexts with With.
type Client struct {
	cfg    *config.Config
	logger *zap.Logger

	pool      *routing.Pool
	router    *routing.Router
	saga      *sagas.WriteSaga
	writes    *cmdhandlers.WriteHandler
	reads     *qryhandlers.ReadHandler
	analytics *analytics.Engine
	worker    *fallback.Worker
	pruner    *retention.Pruner
	cache     ports.Cache
	redis     *cache.Redis
	hooks     *extensions.HookManager
}

// New constructs a client from a validated config and starts the background
// loops the config enables.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, cerrors.NewValidation("config is required")
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, cerrors.NewInternal("creating logger failed").WithCause(err)
	}

	c := &Client{cfg: cfg, logger: logger}
	c.pool = routing.NewPool(cfg, logger)
	c.router = routing.NewRouter(cfg, c.pool, logger)

	if cfg.Cache.Enabled {
		switch cfg.Cache.Kind {
		case "redis":
			r, err := cache.NewRedis(ctx, cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB, logger)
			if err != nil {
				return nil, err
			}
			c.redis = r
			c.cache = r
		default:
			c.cache = cache.NewMemory(0)
		}
	}

	var recorder sagas.Recorder
	if cfg.Analytics.Enabled {
		counterStore, err := c.pool.CounterStore(ctx, cfg.SystemConnRef())
		if err != nil {
			return nil, err
		}
		var emitter analytics.Emitter
		if cfg.Analytics.CloudWatch.Enabled {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Analytics.CloudWatch.Region))
			if err != nil {
				return nil, cerrors.NewStorage("loading AWS config for cloudwatch", err)
			}
			emitter = analytics.NewCloudWatchEmitter(
				cloudwatch.NewFromConfig(awsCfg), cfg.Analytics.CloudWatch.Namespace, logger)
		}
		engine, err := analytics.NewEngine(cfg.Analytics, counterStore, emitter, logger)
		if err != nil {
			return nil, err
		}
		c.analytics = engine
		recorder = engine
	}

	var fallbackStore ports.FallbackStore
	if cfg.Fallback.Enabled {
		fallbackStore, err = c.pool.FallbackStore(ctx, cfg.SystemConnRef())
		if err != nil {
			return nil, err
		}
	}

	externalizer := services.NewExternalizer(logger)
	c.saga = sagas.NewWriteSaga(cfg, c.router, externalizer, fallbackStore, recorder, c.cache, logger)
	c.writes = cmdhandlers.NewWriteHandler(cfg, c.router, c.saga, logger)
	c.reads = qryhandlers.NewReadHandler(cfg, c.router, c.cache, logger)

	if cfg.Fallback.Enabled {
		c.worker = fallback.NewWorker(cfg.Fallback, fallbackStore, c.saga, logger)
		c.worker.Start(ctx)
	}
	if cfg.Retention.Enabled {
		c.pruner = retention.NewPruner(cfg, c.pool, logger)
		c.pruner.Start(ctx)
	}

	logger.Info("Chronos client ready",
		zap.String("environment", cfg.Environment),
		zap.Bool("fallback", cfg.Fallback.Enabled),
		zap.Bool("analytics", cfg.Analytics.Enabled),
		zap.Bool("retention", cfg.Retention.Enabled),
	)
	return c, nil
}

// NewFromFile loads the config from a YAML file and constructs a client
func NewFromFile(ctx context.Context, path string) (*Client, error) {
	cfg, err := config.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.IsProduction() {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = lvl
	}
	return zapCfg.Build()
}

// With binds the client to a route context. Bound operations all target the
// context's collection.
func (c *Client) With(rc RouteContext) *BoundOps {
	return &BoundOps{client: c, rc: rc}
}

// Hooks returns the write lifecycle hook manager. Register hooks before
// serving writes.
func (c *Client) Hooks() *extensions.HookManager {
	if c.hooks == nil {
		c.hooks = extensions.NewHookManager()
		c.saga.SetHooks(c.hooks)
	}
	return c.hooks
}

// Health verifies the context's backends are reachable by resolving a probe
// route for every configured database type.
func (c *Client) Health(ctx context.Context) error {
	for dbType := range c.cfg.Databases {
		rc := RouteContext{
			DatabaseType: dbType,
			Tier:         valueobjects.TierGeneric,
			DBName:       "health",
			Collection:   "health",
		}
		if _, err := c.router.Resolve(ctx, rc); err != nil {
			return cerrors.Wrapf(err, "health probe for %s failed", dbType)
		}
	}
	return nil
}

// Shutdown stops background loops, flushes analytics and closes connections.
// Safe to call once; in-flight operations should be drained by the caller
// first.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.worker != nil {
		c.worker.Stop(ctx)
	}
	if c.pruner != nil {
		c.pruner.Stop(ctx)
	}
	c.saga.Close()
	var firstErr error
	if c.analytics != nil {
		if err := c.analytics.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.pool.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	c.logger.Info("Chronos client shut down")
	return firstErr
}

// RecordRef identifies a record in another collection (or system) for the
// lineage options of Insert.
type RecordRef struct {
	ID         string
	Collection string

	// System names the external system an origin record lives in
	System string
}

// WriteOptions carries the optional per-write settings
type WriteOptions struct {
	Actor  string
	Reason string

	// ExpectedOV pins an update or delete to a known head version
	ExpectedOV *int64

	// FunctionID is recorded in the envelope's functionIds as provenance
	FunctionID string

	// Parent and Origin link a created item to the record it was spawned
	// from. Only read by Insert.
	Parent *RecordRef
	Origin *RecordRef
}

// GetOptions carries the optional per-read settings
type GetOptions struct {
	// OV pins the read to an exact version; At reads the state at an instant.
	// Mutually exclusive.
	OV *int64
	At *time.Time

	IncludeMeta    bool
	IncludeDeleted bool
	Projection     []string
	PresignTTL     time.Duration
}

// QueryOptions carries the optional listing settings
type QueryOptions struct {
	Limit          int32
	Token          string
	At             *time.Time
	IncludeDeleted bool
	IncludeMeta    bool
}

// RestoreOptions selects the version to restore: exactly one of OV or AsOf
type RestoreOptions struct {
	OV     *int64
	AsOf   *time.Time
	Actor  string
	Reason string
}

// CollectionRestoreOptions selects the rollback point for a collection-wide
// restore: exactly one of CV or AsOf.
type CollectionRestoreOptions struct {
	CV     *int64
	AsOf   *time.Time
	Actor  string
	Reason string
}

// BoundOps is the per-context operation surface
type BoundOps struct {
	client *Client
	rc     RouteContext
}

// Context returns the bound route context
func (b *BoundOps) Context() RouteContext { return b.rc }

// Collection rebinds to a sibling collection in the same context
func (b *BoundOps) Collection(name string) *BoundOps {
	return &BoundOps{client: b.client, rc: b.rc.WithCollection(name)}
}

// Insert creates a new item and returns its id and versions
func (b *BoundOps) Insert(ctx context.Context, payload map[string]interface{}, opts ...WriteOptions) (*WriteResult, error) {
	o := firstOpt(opts)
	cmd := commands.CreateItem{
		Context:    b.rc,
		Payload:    payload,
		Actor:      o.Actor,
		Reason:     o.Reason,
		FunctionID: o.FunctionID,
	}
	if o.Parent != nil {
		cmd.ParentID = o.Parent.ID
		cmd.ParentCollection = o.Parent.Collection
	}
	if o.Origin != nil {
		cmd.OriginID = o.Origin.ID
		cmd.OriginCollection = o.Origin.Collection
		cmd.OriginSystem = o.Origin.System
	}
	return b.client.writes.Create(ctx, cmd)
}

// Update replaces an item's payload as a new version
func (b *BoundOps) Update(ctx context.Context, id ItemID, payload map[string]interface{}, opts ...WriteOptions) (*WriteResult, error) {
	o := firstOpt(opts)
	return b.client.writes.Update(ctx, commands.UpdateItem{
		Context:    b.rc,
		ID:         id,
		Payload:    payload,
		ExpectedOV: o.ExpectedOV,
		Actor:      o.Actor,
		Reason:     o.Reason,
	})
}

// Delete tombstones an item; with logical delete disabled the head row is
// removed instead. Deleting a deleted item is a no-op.
func (b *BoundOps) Delete(ctx context.Context, id ItemID, opts ...WriteOptions) (*WriteResult, error) {
	o := firstOpt(opts)
	return b.client.writes.Delete(ctx, commands.DeleteItem{
		Context:    b.rc,
		ID:         id,
		ExpectedOV: o.ExpectedOV,
		Actor:      o.Actor,
		Reason:     o.Reason,
	})
}

// Enrich deep-merges an enrichment record (or array of records) into the
// current payload as one new version.
func (b *BoundOps) Enrich(ctx context.Context, id ItemID, enrichment interface{}, opts ...WriteOptions) (*WriteResult, error) {
	o := firstOpt(opts)
	return b.client.writes.Enrich(ctx, commands.EnrichItem{
		Context:    b.rc,
		ID:         id,
		Enrichment: enrichment,
		Actor:      o.Actor,
		Reason:     o.Reason,
		FunctionID: o.FunctionID,
	})
}

// SmartInsert creates the item or merges into the single item matching the
// unique keys.
func (b *BoundOps) SmartInsert(ctx context.Context, payload map[string]interface{}, uniqueKeys []string, opts ...WriteOptions) (*WriteResult, error) {
	o := firstOpt(opts)
	return b.client.writes.SmartInsert(ctx, commands.SmartInsert{
		Context:    b.rc,
		Payload:    payload,
		UniqueKeys: uniqueKeys,
		Actor:      o.Actor,
		Reason:     o.Reason,
		FunctionID: o.FunctionID,
	})
}

// InsertWithEntities creates a main item from a record carrying embedded
// entity objects; each mapping's property is extracted into its own
// collection, linked back through the key property and the lineage fields.
func (b *BoundOps) InsertWithEntities(ctx context.Context, payload map[string]interface{}, mappings []EntityMapping, opts ...WriteOptions) (*WriteResult, []EntityResult, error) {
	o := firstOpt(opts)
	return b.client.writes.InsertWithEntities(ctx, commands.InsertWithEntities{
		Context:  b.rc,
		Payload:  payload,
		Mappings: mappings,
		Actor:    o.Actor,
		Reason:   o.Reason,
	})
}

// Restore writes a historical version's payload back as a new version
func (b *BoundOps) Restore(ctx context.Context, id ItemID, opts RestoreOptions) (*WriteResult, error) {
	return b.client.writes.Restore(ctx, commands.RestoreItem{
		Context: b.rc,
		ID:      id,
		OV:      opts.OV,
		AsOf:    opts.AsOf,
		Actor:   opts.Actor,
		Reason:  opts.Reason,
	})
}

// RestoreCollection rolls every item back to its state at a rollback point
// (a cv or an instant) and returns how many items were restored.
func (b *BoundOps) RestoreCollection(ctx context.Context, opts CollectionRestoreOptions) (int, error) {
	return b.client.writes.RestoreCollection(ctx, commands.RestoreCollection{
		Context: b.rc,
		CV:      opts.CV,
		AsOf:    opts.AsOf,
		Actor:   opts.Actor,
		Reason:  opts.Reason,
	})
}

// Get reads one item: latest, pinned or as-of
func (b *BoundOps) Get(ctx context.Context, id ItemID, opts ...GetOptions) (*Item, error) {
	var o GetOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return b.client.reads.GetItem(ctx, queries.GetItem{
		Context:        b.rc,
		ID:             id,
		OV:             o.OV,
		At:             o.At,
		IncludeMeta:    o.IncludeMeta,
		IncludeDeleted: o.IncludeDeleted,
		Projection:     o.Projection,
		PresignTTL:     o.PresignTTL,
	})
}

// Query lists items matching an indexed-metadata filter with deterministic
// paging.
func (b *BoundOps) Query(ctx context.Context, f Filter, opts ...QueryOptions) (*ItemPage, error) {
	var o QueryOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return b.client.reads.Query(ctx, queries.QueryItems{
		Context:        b.rc,
		Filter:         f,
		Limit:          o.Limit,
		Token:          o.Token,
		At:             o.At,
		IncludeDeleted: o.IncludeDeleted,
		IncludeMeta:    o.IncludeMeta,
	})
}

// ListVersions returns an item's version history, newest first
func (b *BoundOps) ListVersions(ctx context.Context, id ItemID, limit int) ([]*Version, error) {
	return b.client.reads.ListVersions(ctx, queries.ListVersions{
		Context: b.rc,
		ID:      id,
		Limit:   limit,
	})
}

// TieredGet fetches the first match walking tenant, domain then generic
// tiers; with merge the tiers are combined, specific over generic.
func (b *BoundOps) TieredGet(ctx context.Context, f Filter, mergeTiers bool) (*Item, error) {
	return b.client.reads.TieredGet(ctx, queries.TieredGet{
		Context: b.rc,
		Filter:  f,
		Merge:   mergeTiers,
	})
}

// GetWithEntities reads an item together with its extracted entities,
// re-embedded under their mapping properties.
func (b *BoundOps) GetWithEntities(ctx context.Context, id ItemID, mappings []EntityMapping, includeMeta bool) (*Item, []EntityGroup, error) {
	return b.client.reads.GetWithEntities(ctx, queries.GetWithEntities{
		Context:     b.rc,
		ID:          id,
		Mappings:    mappings,
		IncludeMeta: includeMeta,
	})
}

// Totals returns the analytics totals for the bound collection
func (b *BoundOps) Totals(ctx context.Context) (*ports.CounterTotals, error) {
	if b.client.analytics == nil {
		return nil, cerrors.NewValidation("analytics is not enabled")
	}
	scope, err := b.counterScope(ctx)
	if err != nil {
		return nil, err
	}
	return b.client.analytics.GetTotals(ctx, scope)
}

// Unique returns the distinct-value rows of a countUnique rule for the bound
// collection.
func (b *BoundOps) Unique(ctx context.Context, ruleName, property string) ([]ports.UniqueRow, error) {
	if b.client.analytics == nil {
		return nil, cerrors.NewValidation("analytics is not enabled")
	}
	scope, err := b.counterScope(ctx)
	if err != nil {
		return nil, err
	}
	return b.client.analytics.GetUnique(ctx, scope, ruleName, property)
}

// counterScope mirrors the scope the write path records under
func (b *BoundOps) counterScope(ctx context.Context) (ports.CounterScope, error) {
	route, err := b.client.router.Resolve(ctx, b.rc)
	if err != nil {
		return ports.CounterScope{}, err
	}
	return ports.CounterScope{
		DBName:     route.DBName,
		Collection: b.rc.Collection,
		TenantID:   b.rc.TenantID,
	}, nil
}

func firstOpt(opts []WriteOptions) WriteOptions {
	if len(opts) > 0 {
		return opts[0]
	}
	return WriteOptions{}
}
