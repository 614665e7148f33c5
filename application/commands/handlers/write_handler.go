// Package handlers executes the write-side commands on top of the write
// saga.
package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chronos-store/chronos/application/commands"
	"github.com/chronos-store/chronos/application/ports"
	"github.com/chronos-store/chronos/application/sagas"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/core/validators"
	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/domain/filter"
	"github.com/chronos-store/chronos/domain/merge"
	"github.com/chronos-store/chronos/domain/versioning"
	"github.com/chronos-store/chronos/infrastructure/config"
	"github.com/chronos-store/chronos/infrastructure/routing"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// WriteHandler maps commands onto write saga requests
type WriteHandler struct {
	cfg    *config.Config
	router *routing.Router
	saga   *sagas.WriteSaga
	logger *zap.Logger
}

// NewWriteHandler creates a write handler
func NewWriteHandler(cfg *config.Config, router *routing.Router, saga *sagas.WriteSaga, logger *zap.Logger) *WriteHandler {
	return &WriteHandler{cfg: cfg, router: router, saga: saga, logger: logger}
}

// Create executes a create command
func (h *WriteHandler) Create(ctx context.Context, cmd commands.CreateItem) (*sagas.WriteResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return h.saga.Run(ctx, &sagas.WriteRequest{
		Context:          cmd.Context,
		Op:               entities.OpCreate,
		Payload:          cmd.Payload,
		Actor:            cmd.Actor,
		Reason:           cmd.Reason,
		FunctionID:       cmd.FunctionID,
		ParentID:         cmd.ParentID,
		ParentCollection: cmd.ParentCollection,
		OriginID:         cmd.OriginID,
		OriginCollection: cmd.OriginCollection,
		OriginSystem:     cmd.OriginSystem,
	})
}

// Update executes an update command
func (h *WriteHandler) Update(ctx context.Context, cmd commands.UpdateItem) (*sagas.WriteResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return h.saga.Run(ctx, &sagas.WriteRequest{
		Context:    cmd.Context,
		Op:         entities.OpUpdate,
		ID:         &cmd.ID,
		Payload:    cmd.Payload,
		ExpectedOV: cmd.ExpectedOV,
		Actor:      cmd.Actor,
		Reason:     cmd.Reason,
	})
}

// Delete executes a delete command. Deleting an already tombstoned item is
// idempotent and returns the current head.
func (h *WriteHandler) Delete(ctx context.Context, cmd commands.DeleteItem) (*sagas.WriteResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	route, err := h.router.Resolve(ctx, cmd.Context)
	if err != nil {
		return nil, err
	}
	head, err := route.DocStore.FindHead(ctx, cmd.Context.Collection, cmd.ID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, cerrors.NewNotFound("item", cmd.ID.Hex())
	}
	if cmd.ExpectedOV != nil && *cmd.ExpectedOV != head.OV {
		return nil, cerrors.NewOptimisticLock(*cmd.ExpectedOV, head.OV)
	}
	if head.Deleted() {
		return &sagas.WriteResult{ID: head.ID, OV: head.OV, CV: head.CV, Head: head}, nil
	}

	return h.saga.Run(ctx, &sagas.WriteRequest{
		Context:    cmd.Context,
		Op:         entities.OpDelete,
		ID:         &cmd.ID,
		ExpectedOV: cmd.ExpectedOV,
		Actor:      cmd.Actor,
		Reason:     cmd.Reason,
	})
}

// Enrich merges one or more enrichment records into the current payload as a
// single new version.
func (h *WriteHandler) Enrich(ctx context.Context, cmd commands.EnrichItem) (*sagas.WriteResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	patches, err := validators.ValidateEnrichment(cmd.Enrichment)
	if err != nil {
		return nil, err
	}
	patch := patches[0]
	for _, p := range patches[1:] {
		patch = merge.Maps(patch, p)
	}
	return h.saga.Run(ctx, &sagas.WriteRequest{
		Context:          cmd.Context,
		Op:               entities.OpUpdate,
		ID:               &cmd.ID,
		Payload:          patch,
		MergeWithCurrent: true,
		Actor:            cmd.Actor,
		Reason:           cmd.Reason,
		FunctionID:       cmd.FunctionID,
	})
}

// SmartInsert creates the item when no head matches the unique keys and
// merges into the single match otherwise. Multiple matches are ambiguous and
// rejected.
func (h *WriteHandler) SmartInsert(ctx context.Context, cmd commands.SmartInsert) (*sagas.WriteResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	colMap, ok := h.cfg.CollectionMapFor(cmd.Context.Collection)
	if !ok {
		return nil, cerrors.NewValidationf("collection %q has no collection map and unknown collections are rejected", cmd.Context.Collection)
	}
	if len(colMap.IndexedProps) > 0 {
		if err := validators.NewPayloadValidator(colMap).ValidateUniqueKeys(cmd.UniqueKeys); err != nil {
			return nil, err
		}
	}

	f := make(filter.Meta, len(cmd.UniqueKeys))
	for _, key := range cmd.UniqueKeys {
		v, ok := filter.Lookup(cmd.Payload, key)
		if !ok {
			return nil, cerrors.NewValidationf("payload is missing uniqueKey %q", key)
		}
		f[key] = v
	}

	route, err := h.router.Resolve(ctx, cmd.Context)
	if err != nil {
		return nil, err
	}
	page, err := route.DocStore.QueryHeads(ctx, cmd.Context.Collection, f, ports.PageRequest{Limit: 2}, false)
	if err != nil {
		return nil, err
	}

	switch len(page.Heads) {
	case 0:
		return h.Create(ctx, commands.CreateItem{
			Context:    cmd.Context,
			Payload:    cmd.Payload,
			Actor:      cmd.Actor,
			Reason:     cmd.Reason,
			FunctionID: cmd.FunctionID,
		})
	case 1:
		return h.saga.Run(ctx, &sagas.WriteRequest{
			Context:          cmd.Context,
			Op:               entities.OpUpdate,
			ID:               &page.Heads[0].ID,
			Payload:          cmd.Payload,
			MergeWithCurrent: true,
			Actor:            cmd.Actor,
			Reason:           cmd.Reason,
			FunctionID:       cmd.FunctionID,
		})
	default:
		return nil, cerrors.NewValidationf("smartInsert matched %d items for uniqueKeys %v", len(page.Heads), cmd.UniqueKeys)
	}
}

// Restore writes a historical version's payload back as a new version. The
// tombstone is cleared, so restoring a deleted item resurrects it. Items
// whose head row was hard-deleted are recreated under the same id.
func (h *WriteHandler) Restore(ctx context.Context, cmd commands.RestoreItem) (*sagas.WriteResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	route, err := h.router.Resolve(ctx, cmd.Context)
	if err != nil {
		return nil, err
	}

	var source *entities.Version
	if cmd.OV != nil {
		source, err = route.DocStore.FindVersionByOv(ctx, cmd.Context.Collection, cmd.ID, *cmd.OV)
	} else {
		source, err = route.DocStore.FindVersionAsOf(ctx, cmd.Context.Collection, cmd.ID, *cmd.AsOf)
	}
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, cerrors.NewNotFound("version", cmd.ID.Hex())
	}

	var payload map[string]interface{}
	if err := route.ObjectStore.GetJSON(ctx, source.JSONBucket, source.JSONKey, &payload); err != nil {
		return nil, err
	}
	restored := versioning.PrepareRestore(payload)

	head, err := route.DocStore.FindHead(ctx, cmd.Context.Collection, cmd.ID)
	if err != nil {
		return nil, err
	}
	req := &sagas.WriteRequest{
		Context: cmd.Context,
		ID:      &cmd.ID,
		Payload: restored,
		Actor:   cmd.Actor,
		Reason:  cmd.Reason,
	}
	if head == nil {
		req.Op = entities.OpCreate
	} else {
		req.Op = entities.OpRestore
	}
	return h.saga.Run(ctx, req)
}

// RestoreCollection rolls every item with history at or before the rollback
// point back to its state at that point. A cv selector resolves to the commit
// time of that collection write. Failures on single items are collected, not
// fatal.
func (h *WriteHandler) RestoreCollection(ctx context.Context, cmd commands.RestoreCollection) (int, error) {
	if err := cmd.Validate(); err != nil {
		return 0, err
	}

	route, err := h.router.Resolve(ctx, cmd.Context)
	if err != nil {
		return 0, err
	}

	var asOf time.Time
	if cmd.CV != nil {
		pin, err := route.DocStore.FindVersionByCv(ctx, cmd.Context.Collection, *cmd.CV)
		if err != nil {
			return 0, err
		}
		if pin == nil {
			return 0, cerrors.NewNotFound("version", fmt.Sprintf("cv %d", *cmd.CV))
		}
		asOf = pin.At
	} else {
		asOf = *cmd.AsOf
	}

	ids, err := route.DocStore.QueryVersionCandidatesAsOf(ctx, cmd.Context.Collection, nil, asOf)
	if err != nil {
		return 0, err
	}

	// Items restore independently, bounded parallelism keeps the burst off
	// the backend. Failures on single items are logged, not fatal.
	var (
		mu       sync.Mutex
		restored int
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := h.Restore(gctx, commands.RestoreItem{
				Context: cmd.Context,
				ID:      id,
				AsOf:    &asOf,
				Actor:   cmd.Actor,
				Reason:  cmd.Reason,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				h.logger.Warn("Item restore failed during collection restore",
					zap.String("collection", cmd.Context.Collection),
					zap.String("id", id.Hex()),
					zap.Error(err),
				)
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			restored++
			return nil
		})
	}
	_ = g.Wait()
	if restored == 0 && firstErr != nil {
		return 0, firstErr
	}
	return restored, nil
}

// EntityResult reports one entity created by InsertWithEntities
type EntityResult struct {
	Property   string
	Collection string
	ID         valueobjects.ItemID
	OV         int64
}

// InsertWithEntities creates a main item from a record with embedded entity
// objects. Each mapping's property is cut out of the payload and its objects
// become items of the mapping's collection, carrying the main item's id under
// the key property and in the lineage envelope. Entity failures roll nothing
// back, the main item stands.
func (h *WriteHandler) InsertWithEntities(ctx context.Context, cmd commands.InsertWithEntities) (*sagas.WriteResult, []EntityResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, nil, err
	}

	mainPayload := make(map[string]interface{}, len(cmd.Payload))
	for k, v := range cmd.Payload {
		mainPayload[k] = v
	}
	extracted := make(map[string][]map[string]interface{}, len(cmd.Mappings))
	for _, m := range cmd.Mappings {
		raw, ok := mainPayload[m.Property]
		if !ok {
			continue
		}
		objs, err := entityObjects(m.Property, raw)
		if err != nil {
			return nil, nil, err
		}
		delete(mainPayload, m.Property)
		extracted[m.Property] = objs
	}

	main, err := h.Create(ctx, commands.CreateItem{
		Context: cmd.Context,
		Payload: mainPayload,
		Actor:   cmd.Actor,
		Reason:  cmd.Reason,
	})
	if err != nil {
		return nil, nil, err
	}

	results := make([]EntityResult, 0)
	for _, m := range cmd.Mappings {
		entityCtx := cmd.Context.WithCollection(m.Collection)
		for _, obj := range extracted[m.Property] {
			payload := make(map[string]interface{}, len(obj)+1)
			for k, v := range obj {
				payload[k] = v
			}
			payload[m.KeyProperty] = main.ID.Hex()

			res, err := h.saga.Run(ctx, &sagas.WriteRequest{
				Context:          entityCtx,
				Op:               entities.OpCreate,
				Payload:          payload,
				Actor:            cmd.Actor,
				Reason:           cmd.Reason,
				ParentID:         main.ID.Hex(),
				ParentCollection: cmd.Context.Collection,
				OriginID:         main.ID.Hex(),
				OriginCollection: cmd.Context.Collection,
			})
			if err != nil {
				h.logger.Warn("Entity create failed",
					zap.String("collection", m.Collection),
					zap.String("parentId", main.ID.Hex()),
					zap.Error(err),
				)
				continue
			}
			results = append(results, EntityResult{Property: m.Property, Collection: m.Collection, ID: res.ID, OV: res.OV})
		}
	}
	return main, results, nil
}

// entityObjects normalizes an embedded-entity property to a list of records
func entityObjects(property string, raw interface{}) ([]map[string]interface{}, error) {
	switch v := raw.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{v}, nil
	case []interface{}:
		objs := make([]map[string]interface{}, 0, len(v))
		for _, el := range v {
			obj, ok := el.(map[string]interface{})
			if !ok {
				return nil, cerrors.NewValidationf("property %q holds a non-record entity element", property)
			}
			objs = append(objs, obj)
		}
		return objs, nil
	case []map[string]interface{}:
		return v, nil
	default:
		return nil, cerrors.NewValidationf("property %q is not an entity object or array of objects", property)
	}
}
