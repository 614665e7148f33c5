package sagas

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	"github.com/chronos-store/chronos/application/services"
	domaincfg "github.com/chronos-store/chronos/domain/config"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/core/validators"
	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/domain/merge"
	"github.com/chronos-store/chronos/domain/versioning"
	"github.com/chronos-store/chronos/infrastructure/config"
	"github.com/chronos-store/chronos/infrastructure/routing"
	"github.com/chronos-store/chronos/pkg/common"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
	"github.com/chronos-store/chronos/pkg/extensions"
)

// WriteRequest describes one write the saga executes
type WriteRequest struct {
	Context valueobjects.RouteContext
	Op      entities.OpKind

	// ID is nil for create; required for every other op
	ID *valueobjects.ItemID

	// Payload is the caller's payload. For update ops the supplied top-level
	// keys replace the stored ones; for enrich ops it is the patch deep-merged
	// over the current payload; nil for delete.
	Payload map[string]interface{}

	// MergeWithCurrent deep-merges Payload over the stored payload (enrich)
	MergeWithCurrent bool

	// ExpectedOV optionally tightens the optimistic lock to a caller-known ov
	ExpectedOV *int64

	Actor  string
	Reason string

	// FunctionID is recorded in the envelope's functionIds as provenance
	FunctionID string

	// Lineage fields link a created item to the item that spawned it. Only
	// read on create.
	ParentID         string
	ParentCollection string
	OriginID         string
	OriginCollection string
	OriginSystem     string

	// RequestID identifies the write across fallback retries; filled with a
	// fresh uuid when empty.
	RequestID string
}

// WriteResult reports a committed write
type WriteResult struct {
	ID   valueobjects.ItemID
	OV   int64
	CV   int64
	Head *entities.Head
}

// Recorder receives committed writes for analytics counting
type Recorder interface {
	RecordWrite(ctx context.Context, scope ports.CounterScope, op entities.OpKind, meta, payload map[string]interface{})
}

// WriteSaga orchestrates the write path: validate, externalize, store the
// payload object, then allocate the cv and commit version row and head CAS
// in one transaction. Everything before the commit is compensated when the
// commit fails.
type WriteSaga struct {
	cfg          *config.Config
	router       *routing.Router
	externalizer *services.Externalizer
	fallback     ports.FallbackStore
	recorder     Recorder
	cache        ports.Cache
	breaker      *gobreaker.CircuitBreaker
	runner       *Runner
	hooks        *extensions.HookManager
	batcher      *services.BatchOptimizer
	logger       *zap.Logger

	ensured sync.Map // "<storePtr>|<collection>" -> struct{}
}

// NewWriteSaga creates the write saga. fallback, recorder and cache are
// optional.
func NewWriteSaga(
	cfg *config.Config,
	router *routing.Router,
	externalizer *services.Externalizer,
	fallback ports.FallbackStore,
	recorder Recorder,
	cache ports.Cache,
	logger *zap.Logger,
) *WriteSaga {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "doc-store-commit",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Commit circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	var batcher *services.BatchOptimizer
	if cfg.WriteOptimization.Enabled {
		batcher = services.NewBatchOptimizer(cfg.WriteOptimization.Window.Std(), cfg.WriteOptimization.MaxBatch, logger)
	}
	return &WriteSaga{
		cfg:          cfg,
		router:       router,
		externalizer: externalizer,
		fallback:     fallback,
		recorder:     recorder,
		cache:        cache,
		breaker:      breaker,
		runner:       NewRunner("write", logger),
		batcher:      batcher,
		logger:       logger,
	}
}

// Close flushes any coalesced payload writes still in flight. Call on
// shutdown after in-flight operations drained.
func (w *WriteSaga) Close() {
	if w.batcher != nil {
		w.batcher.Close()
	}
}

type writeState struct {
	req    *WriteRequest
	route  *routing.Route
	colMap domaincfg.CollectionMap

	id             valueobjects.ItemID
	prevHead       *entities.Head
	prevPayload    map[string]interface{}
	payload        map[string]interface{}
	expectedPrevOV int64
	ov             int64
	cv             int64
	now            time.Time

	contentBucket string
	writtenKeys   []string
	payloadKey    string
	encoded       []byte
	size          int64
	sha           string
	metaIndexed   map[string]interface{}

	head    *entities.Head
	version *entities.Version
}

// Run executes one write end to end. On a retriable commit failure with the
// fallback queue enabled, the op is enqueued and a Queued error surfaces.
func (w *WriteSaga) Run(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	if req.RequestID == "" {
		if id, ok := common.RequestIDFrom(ctx); ok {
			req.RequestID = id
		} else {
			req.RequestID = uuid.New().String()
		}
	}
	if req.Actor == "" {
		if actor, ok := common.ActorFrom(ctx); ok {
			req.Actor = actor
		}
	}
	if w.hooks != nil {
		if err := w.hooks.Execute(ctx, extensions.HookBeforeWrite, &extensions.WriteEvent{
			Context: req.Context,
			Op:      string(req.Op),
			Payload: req.Payload,
			Actor:   req.Actor,
		}); err != nil {
			return nil, cerrors.NewValidation("before-write hook rejected the operation").WithCause(err)
		}
	}
	if timeout := w.cfg.OpTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	st := &writeState{req: req, now: time.Now().UTC()}

	err := w.runner.Run(ctx, []Step{
		{Name: "resolve", Execute: func(ctx context.Context) error { return w.resolve(ctx, st) }},
		{Name: "validate", Execute: func(ctx context.Context) error { return w.validate(st) }},
		{Name: "load-current", Execute: func(ctx context.Context) error { return w.loadCurrent(ctx, st) }},
		{Name: "build-payload", Execute: func(ctx context.Context) error { return w.buildPayload(st) }},
		{
			Name:    "externalize",
			Execute: func(ctx context.Context) error { return w.externalize(ctx, st) },
			Compensate: func(ctx context.Context) error {
				w.externalizer.Compensate(ctx, st.route.ObjectStore, st.contentBucket, st.writtenKeys)
				return nil
			},
		},
		{
			Name:    "store-payload",
			Execute: func(ctx context.Context) error { return w.storePayload(ctx, st) },
			Compensate: func(ctx context.Context) error {
				return st.route.ObjectStore.Del(ctx, st.route.Bucket, st.payloadKey)
			},
		},
		{Name: "commit", Execute: func(ctx context.Context) error { return w.commit(ctx, st) }},
	})
	if err != nil {
		classified := w.classify(ctx, st, err)
		if w.hooks != nil {
			w.hooks.ExecuteAsync(ctx, extensions.HookWriteFailed, &extensions.WriteEvent{
				Context: req.Context,
				Op:      string(req.Op),
				Actor:   req.Actor,
				Err:     classified,
			})
		}
		return nil, classified
	}

	w.afterCommit(ctx, st)
	return &WriteResult{ID: st.id, OV: st.ov, CV: st.cv, Head: st.head}, nil
}

// SetHooks installs the lifecycle hook manager. Call before serving writes.
func (w *WriteSaga) SetHooks(hooks *extensions.HookManager) { w.hooks = hooks }

func (w *WriteSaga) resolve(ctx context.Context, st *writeState) error {
	route, err := w.router.Resolve(ctx, st.req.Context)
	if err != nil {
		return err
	}
	st.route = route
	st.contentBucket = w.router.ContentBucket(st.req.Context, route)

	key := fmt.Sprintf("%p|%s", route.DocStore, st.req.Context.Collection)
	if _, done := w.ensured.Load(key); !done {
		if err := route.DocStore.EnsureIndexes(ctx, st.req.Context.Collection); err != nil {
			return err
		}
		w.ensured.Store(key, struct{}{})
	}
	return nil
}

func (w *WriteSaga) validate(st *writeState) error {
	colMap, ok := w.cfg.CollectionMapFor(st.req.Context.Collection)
	if !ok {
		return cerrors.NewValidationf("collection %q has no collection map and unknown collections are rejected", st.req.Context.Collection)
	}
	st.colMap = colMap

	switch st.req.Op {
	case entities.OpCreate, entities.OpUpdate, entities.OpRestore:
		if st.req.Payload == nil {
			return cerrors.NewValidation("payload is required")
		}
		if !st.req.MergeWithCurrent {
			return validators.NewPayloadValidator(colMap).ValidateRequired(st.req.Payload)
		}
		return nil
	case entities.OpDelete:
		return nil
	default:
		return cerrors.NewValidationf("unsupported op %q", st.req.Op)
	}
}

func (w *WriteSaga) loadCurrent(ctx context.Context, st *writeState) error {
	req := st.req

	if req.Op == entities.OpCreate {
		if req.ID != nil {
			st.id = *req.ID
		} else {
			st.id = valueobjects.NewItemID()
		}
		st.expectedPrevOV = -1
		st.ov = 0
		// A create must not collide with an existing item
		head, err := st.route.DocStore.FindHead(ctx, req.Context.Collection, st.id)
		if err != nil {
			return err
		}
		if head != nil {
			return cerrors.NewOptimisticLock(-1, head.OV)
		}
		return nil
	}

	if req.ID == nil {
		return cerrors.NewValidation("item id is required")
	}
	st.id = *req.ID

	head, err := st.route.DocStore.FindHead(ctx, req.Context.Collection, st.id)
	if err != nil {
		return err
	}
	if head == nil {
		return cerrors.NewNotFound("item", st.id.Hex())
	}
	if head.Deleted() && req.Op != entities.OpRestore && req.Op != entities.OpDelete {
		return cerrors.NewNotFound("item", st.id.Hex())
	}
	st.prevHead = head
	st.expectedPrevOV = head.OV
	if req.ExpectedOV != nil {
		if *req.ExpectedOV != head.OV {
			return cerrors.NewOptimisticLock(*req.ExpectedOV, head.OV)
		}
		st.expectedPrevOV = *req.ExpectedOV
	}
	st.ov = head.OV + 1

	// Every non-create op derives the next payload (or at least its
	// envelope) from the current one
	payload, err := w.loadPayload(ctx, st.route, head)
	if err != nil {
		return err
	}
	st.prevPayload = payload
	return nil
}

func (w *WriteSaga) loadPayload(ctx context.Context, route *routing.Route, head *entities.Head) (map[string]interface{}, error) {
	if head.ShadowFresh() {
		var payload map[string]interface{}
		if err := json.Unmarshal(head.FullShadow, &payload); err == nil {
			return payload, nil
		}
	}
	var payload map[string]interface{}
	if err := route.ObjectStore.GetJSON(ctx, head.JSONBucket, head.JSONKey, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (w *WriteSaga) buildPayload(st *writeState) error {
	req := st.req

	switch req.Op {
	case entities.OpCreate:
		st.payload = copyPayload(req.Payload)
		env := entities.NewEnvelope(st.now)
		// The persisted version only becomes visible once the commit lands,
		// so it is written already synced
		env.State = entities.StateSynced
		env.ParentID = req.ParentID
		env.ParentCollection = req.ParentCollection
		env.OriginID = req.OriginID
		env.OriginCollection = req.OriginCollection
		env.OriginSystem = req.OriginSystem
		if req.FunctionID != "" {
			env.FunctionIDs = []string{req.FunctionID}
		}
		env.ApplyTo(st.payload)

	case entities.OpUpdate, entities.OpRestore:
		switch {
		case req.MergeWithCurrent:
			st.payload = merge.Maps(entities.StripSystem(st.prevPayload), req.Payload)
		case req.Op == entities.OpUpdate:
			// Update rule: supplied top-level keys replace the stored ones,
			// everything else carries over
			st.payload = copyPayload(entities.StripSystem(st.prevPayload))
			for k, v := range req.Payload {
				st.payload[k] = merge.Copy(v)
			}
		default:
			// Restore writes the historical payload back verbatim
			st.payload = copyPayload(req.Payload)
		}
		env := entities.EnvelopeFrom(st.prevPayload)
		if env.InsertedAt.IsZero() {
			env.InsertedAt = st.now
		}
		env.UpdatedAt = st.now
		env.State = entities.StateSynced
		if req.FunctionID != "" {
			env.FunctionIDs = append(env.FunctionIDs, req.FunctionID)
		}
		if req.Op == entities.OpRestore {
			env.Deleted = false
			env.DeletedAt = nil
		}
		env.ApplyTo(st.payload)

	case entities.OpDelete:
		st.payload = copyPayload(entities.StripSystem(st.prevPayload))
		env := entities.EnvelopeFrom(st.prevPayload)
		env.UpdatedAt = st.now
		env.Deleted = true
		deletedAt := st.now
		env.DeletedAt = &deletedAt
		env.State = entities.StateSynced
		env.ApplyTo(st.payload)
	}

	if len(st.colMap.IndexedProps) > 0 {
		st.metaIndexed = versioning.ProjectIndexed(st.payload, st.colMap.IndexedProps)
	} else {
		st.metaIndexed = versioning.AutoIndexTopLevel(st.payload)
	}
	// Lineage joins run over the index, so the parent link is always indexed
	if req.ParentID != "" {
		st.metaIndexed["_parentId"] = req.ParentID
	}
	return nil
}

func (w *WriteSaga) externalize(ctx context.Context, st *writeState) error {
	res, err := w.externalizer.Apply(
		ctx,
		st.route.ObjectStore,
		st.contentBucket,
		st.req.Context.Collection,
		st.id.Hex(),
		st.ov,
		st.payload,
		st.colMap.Base64Props,
	)
	if res != nil {
		st.writtenKeys = res.WrittenKeys
	}
	return err
}

func (w *WriteSaga) storePayload(ctx context.Context, st *writeState) error {
	encoded, sha, err := versioning.EncodePayload(st.payload)
	if err != nil {
		return cerrors.NewInternal("encoding payload failed").WithCause(err)
	}
	st.encoded = encoded
	st.sha = sha
	st.size = int64(len(encoded))
	st.payloadKey = versioning.PayloadKey(st.req.Context.Collection, st.id.Hex(), st.ov)

	if w.batcher != nil {
		_, err := w.batcher.Put(ctx, st.route.ObjectStore, st.route.Bucket, st.payloadKey, encoded, "application/json")
		return err
	}
	if _, err := st.route.ObjectStore.PutBytes(ctx, st.route.Bucket, st.payloadKey, encoded, "application/json"); err != nil {
		return err
	}
	return nil
}

func (w *WriteSaga) commit(ctx context.Context, st *writeState) error {
	req := st.req
	collection := req.Context.Collection

	head := &entities.Head{
		ID:          st.id,
		OV:          st.ov,
		CV:          st.cv,
		JSONBucket:  st.route.Bucket,
		JSONKey:     st.payloadKey,
		MetaIndexed: st.metaIndexed,
		Size:        st.size,
		SHA256:      st.sha,
		CreatedAt:   st.now,
		UpdatedAt:   st.now,
	}
	if st.prevHead != nil {
		head.CreatedAt = st.prevHead.CreatedAt
	}
	if req.Op == entities.OpDelete {
		deletedAt := st.now
		head.DeletedAt = &deletedAt
	}
	if w.cfg.DevShadow.Enabled && st.size <= w.cfg.DevShadow.MaxBytes {
		head.FullShadow = st.encoded
		head.ShadowOV = st.ov
	}
	st.head = head

	var prevOV *int64
	if st.prevHead != nil {
		v := st.prevHead.OV
		prevOV = &v
	}
	st.version = &entities.Version{
		ID:          versioning.VersionRowID(st.id.Hex(), st.ov),
		ItemID:      st.id,
		OV:          st.ov,
		CV:          st.cv,
		Op:          req.Op,
		At:          st.now,
		JSONBucket:  st.route.Bucket,
		JSONKey:     st.payloadKey,
		MetaIndexed: st.metaIndexed,
		Size:        st.size,
		SHA256:      st.sha,
		PrevOV:      prevOV,
		Actor:       req.Actor,
		Reason:      req.Reason,
	}

	hardDelete := req.Op == entities.OpDelete && !w.cfg.LogicalDelete.Enabled

	_, err := w.breaker.Execute(func() (interface{}, error) {
		store := st.route.DocStore
		// The cv is allocated inside the commit so commit order tracks cv
		// order and an aborted saga never burns one
		cv, err := store.IncrementCounter(ctx, collection)
		if err != nil {
			return nil, err
		}
		st.cv = cv
		head.CV = cv
		st.version.CV = cv

		tx, err := store.Begin(ctx)
		if err != nil {
			return nil, err
		}
		if w.cfg.Versioning.Enabled {
			if err := store.InsertVersion(ctx, collection, st.version, tx); err != nil {
				store.Abort(tx)
				return nil, err
			}
		}
		if hardDelete {
			// Hard delete bypasses the head CAS: the head row goes away
			if tx != nil {
				if err := store.Commit(ctx, tx); err != nil {
					return nil, err
				}
			}
			return nil, store.DeleteHead(ctx, collection, st.id)
		}
		if err := store.UpdateHeadCAS(ctx, collection, head, st.expectedPrevOV, tx); err != nil {
			store.Abort(tx)
			return nil, err
		}
		if tx != nil {
			return nil, store.Commit(ctx, tx)
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return cerrors.NewTxn("doc store circuit open", err)
	}
	return err
}

// classify routes a failed write: retriable errors go to the fallback queue,
// everything else surfaces as-is.
func (w *WriteSaga) classify(ctx context.Context, st *writeState, err error) error {
	if !cerrors.IsRetriable(err) || w.fallback == nil || !w.cfg.Fallback.Enabled {
		return err
	}

	payload, mErr := json.Marshal(fallbackEnvelope{
		Op:         st.req.Op,
		IDHex:      hexOrEmpty(st.req.ID),
		Payload:    st.req.Payload,
		Merge:      st.req.MergeWithCurrent,
		Actor:      st.req.Actor,
		Reason:     st.req.Reason,
		FunctionID: st.req.FunctionID,
	})
	if mErr != nil {
		return err
	}

	op := &entities.FallbackOp{
		RequestID:     st.req.RequestID,
		Kind:          string(st.req.Op),
		Context:       st.req.Context,
		Payload:       payload,
		AttemptCount:  0,
		NextAttemptAt: time.Now().UTC().Add(w.cfg.Fallback.BaseDelay.Std()),
		LastError:     err.Error(),
		CreatedAt:     time.Now().UTC(),
	}
	if qErr := w.fallback.Enqueue(context.WithoutCancel(ctx), op); qErr != nil {
		w.logger.Error("Failed to enqueue fallback op",
			zap.String("requestId", st.req.RequestID),
			zap.Error(qErr),
		)
		return err
	}

	w.logger.Warn("Write enqueued for retry",
		zap.String("requestId", st.req.RequestID),
		zap.String("collection", st.req.Context.Collection),
		zap.String("op", string(st.req.Op)),
		zap.Error(err),
	)
	if w.cfg.Fallback.SurfaceAsError {
		return cerrors.NewQueued(st.req.RequestID, err)
	}
	return cerrors.NewQueued(st.req.RequestID, nil)
}

func (w *WriteSaga) afterCommit(ctx context.Context, st *writeState) {
	if w.recorder != nil {
		scope := ports.CounterScope{
			DBName:     st.route.DBName,
			Collection: st.req.Context.Collection,
			TenantID:   st.req.Context.TenantID,
		}
		w.recorder.RecordWrite(ctx, scope, st.req.Op, st.metaIndexed, st.payload)
	}
	if w.cache != nil {
		if err := w.cache.Delete(ctx, HeadCacheKey(st.route.DBName, st.req.Context.Collection, st.id.Hex())); err != nil {
			w.logger.Debug("Head cache invalidation failed", zap.Error(err))
		}
	}
	if w.hooks != nil {
		w.hooks.ExecuteAsync(ctx, extensions.HookAfterWrite, &extensions.WriteEvent{
			Context: st.req.Context,
			Op:      string(st.req.Op),
			ID:      st.id.Hex(),
			OV:      st.ov,
			CV:      st.cv,
			Payload: st.payload,
			Actor:   st.req.Actor,
		})
	}
	w.logger.Info("Write committed",
		zap.String("collection", st.req.Context.Collection),
		zap.String("id", st.id.Hex()),
		zap.String("op", string(st.req.Op)),
		zap.Int64("ov", st.ov),
		zap.Int64("cv", st.cv),
	)
}

// HeadCacheKey is the cache key of a head's payload bytes
func HeadCacheKey(dbName, collection, idHex string) string {
	return fmt.Sprintf("head:%s:%s:%s", dbName, collection, idHex)
}

// fallbackEnvelope is the serialized request stored on a fallback op
type fallbackEnvelope struct {
	Op         entities.OpKind        `json:"op"`
	IDHex      string                 `json:"idHex,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Merge      bool                   `json:"merge,omitempty"`
	Actor      string                 `json:"actor,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	FunctionID string                 `json:"functionId,omitempty"`
}

// DecodeFallback rebuilds a write request from a queued fallback op
func DecodeFallback(op *entities.FallbackOp) (*WriteRequest, error) {
	var env fallbackEnvelope
	if err := json.Unmarshal(op.Payload, &env); err != nil {
		return nil, cerrors.NewInternal("decoding fallback payload failed").WithCause(err)
	}
	req := &WriteRequest{
		Context:          op.Context,
		Op:               env.Op,
		Payload:          env.Payload,
		MergeWithCurrent: env.Merge,
		Actor:            env.Actor,
		Reason:           env.Reason,
		FunctionID:       env.FunctionID,
		RequestID:        op.RequestID,
	}
	if env.IDHex != "" {
		id, err := valueobjects.ParseItemID(env.IDHex)
		if err != nil {
			return nil, cerrors.NewInternal("decoding fallback item id failed").WithCause(err)
		}
		req.ID = &id
	}
	return req, nil
}

func hexOrEmpty(id *valueobjects.ItemID) string {
	if id == nil {
		return ""
	}
	return id.Hex()
}

func copyPayload(p map[string]interface{}) map[string]interface{} {
	out, ok := merge.Copy(p).(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return out
}
