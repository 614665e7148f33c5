// Package handlers executes the read-side queries against the routed
// stores.
package handlers

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	"github.com/chronos-store/chronos/application/queries"
	"github.com/chronos-store/chronos/application/sagas"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/domain/filter"
	"github.com/chronos-store/chronos/domain/merge"
	"github.com/chronos-store/chronos/infrastructure/config"
	"github.com/chronos-store/chronos/infrastructure/routing"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// Item is one read result
type Item struct {
	ID      valueobjects.ItemID    `json:"id"`
	OV      int64                  `json:"ov"`
	CV      int64                  `json:"cv"`
	Payload map[string]interface{} `json:"payload"`

	// Meta is only set when the query asked for it
	Meta *ItemMeta `json:"meta,omitempty"`

	// DownloadURL is only set when the query asked for a presigned link
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// ItemMeta is the version metadata attached on includeMeta reads
type ItemMeta struct {
	Op          entities.OpKind        `json:"op,omitempty"`
	At          time.Time              `json:"at"`
	Size        int64                  `json:"size"`
	SHA256      string                 `json:"sha256"`
	MetaIndexed map[string]interface{} `json:"metaIndexed,omitempty"`
	Deleted     bool                   `json:"deleted,omitempty"`
	DeletedAt   *time.Time             `json:"deletedAt,omitempty"`
}

// ItemPage is one page of query results
type ItemPage struct {
	Items     []*Item `json:"items"`
	NextToken string  `json:"nextToken,omitempty"`
}

// EntityGroup is the related items of one entity mapping
type EntityGroup struct {
	Property   string  `json:"property"`
	Collection string  `json:"collection"`
	Items      []*Item `json:"items"`
}

// ReadHandler executes queries
type ReadHandler struct {
	cfg    *config.Config
	router *routing.Router
	cache  ports.Cache
	logger *zap.Logger
}

// NewReadHandler creates a read handler. cache is optional.
func NewReadHandler(cfg *config.Config, router *routing.Router, cache ports.Cache, logger *zap.Logger) *ReadHandler {
	return &ReadHandler{cfg: cfg, router: router, cache: cache, logger: logger}
}

// GetItem resolves one item: latest, by ov, or as of an instant
func (h *ReadHandler) GetItem(ctx context.Context, q queries.GetItem) (*Item, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	route, err := h.router.Resolve(ctx, q.Context)
	if err != nil {
		return nil, err
	}

	if q.OV != nil || q.At != nil {
		return h.getHistorical(ctx, route, q)
	}

	head, err := route.DocStore.FindHead(ctx, q.Context.Collection, q.ID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, cerrors.NewNotFound("item", q.ID.Hex())
	}
	if head.Deleted() && !q.IncludeDeleted {
		return nil, cerrors.NewNotFound("item", q.ID.Hex())
	}

	payload, err := h.loadHeadPayload(ctx, route, q.Context, head)
	if err != nil {
		return nil, err
	}

	item := &Item{ID: head.ID, OV: head.OV, CV: head.CV}
	item.Payload = shapePayload(payload, q.IncludeMeta, q.Projection)
	if q.IncludeMeta {
		item.Meta = &ItemMeta{
			At:          head.UpdatedAt,
			Size:        head.Size,
			SHA256:      head.SHA256,
			MetaIndexed: head.MetaIndexed,
			Deleted:     head.Deleted(),
			DeletedAt:   head.DeletedAt,
		}
	}
	if q.PresignTTL > 0 {
		url, err := route.ObjectStore.PresignGet(ctx, head.JSONBucket, head.JSONKey, q.PresignTTL)
		if err != nil {
			return nil, err
		}
		item.DownloadURL = url
	}
	return item, nil
}

func (h *ReadHandler) getHistorical(ctx context.Context, route *routing.Route, q queries.GetItem) (*Item, error) {
	var v *entities.Version
	var err error
	if q.OV != nil {
		v, err = route.DocStore.FindVersionByOv(ctx, q.Context.Collection, q.ID, *q.OV)
	} else {
		v, err = route.DocStore.FindVersionAsOf(ctx, q.Context.Collection, q.ID, *q.At)
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, cerrors.NewNotFound("version", q.ID.Hex())
	}

	var payload map[string]interface{}
	if err := route.ObjectStore.GetJSON(ctx, v.JSONBucket, v.JSONKey, &payload); err != nil {
		return nil, err
	}
	// A tombstone version is still history: it only hides when reading latest
	env := entities.EnvelopeFrom(payload)
	if env.Deleted && !q.IncludeDeleted && v.Op == entities.OpDelete {
		return nil, cerrors.NewNotFound("item", q.ID.Hex())
	}

	item := &Item{ID: v.ItemID, OV: v.OV, CV: v.CV}
	item.Payload = shapePayload(payload, q.IncludeMeta, q.Projection)
	if q.IncludeMeta {
		item.Meta = &ItemMeta{
			Op:          v.Op,
			At:          v.At,
			Size:        v.Size,
			SHA256:      v.SHA256,
			MetaIndexed: v.MetaIndexed,
			Deleted:     env.Deleted,
		}
	}
	if q.PresignTTL > 0 {
		url, err := route.ObjectStore.PresignGet(ctx, v.JSONBucket, v.JSONKey, q.PresignTTL)
		if err != nil {
			return nil, err
		}
		item.DownloadURL = url
	}
	return item, nil
}

// Query lists items matching an indexed filter. Latest reads page by
// (cv ASC, id ASC); as-of reads page by (id ASC).
func (h *ReadHandler) Query(ctx context.Context, q queries.QueryItems) (*ItemPage, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	colMap, ok := h.cfg.CollectionMapFor(q.Context.Collection)
	if !ok {
		return nil, cerrors.NewValidationf("collection %q has no collection map and unknown collections are rejected", q.Context.Collection)
	}
	isIndexed := colMap.IsIndexed
	if len(colMap.IndexedProps) == 0 {
		// Auto-indexed collection: every top-level path is queryable
		isIndexed = func(string) bool { return true }
	}
	if err := filter.Validate(q.Filter, isIndexed); err != nil {
		return nil, err
	}

	route, err := h.router.Resolve(ctx, q.Context)
	if err != nil {
		return nil, err
	}

	if q.At != nil {
		return h.queryAsOf(ctx, route, q)
	}

	page, err := route.DocStore.QueryHeads(ctx, q.Context.Collection, q.Filter, ports.PageRequest{
		Limit: q.Limit,
		Token: q.Token,
	}, q.IncludeDeleted)
	if err != nil {
		return nil, err
	}

	out := &ItemPage{NextToken: page.NextToken}
	for _, head := range page.Heads {
		payload, err := h.loadHeadPayload(ctx, route, q.Context, head)
		if err != nil {
			return nil, err
		}
		item := &Item{ID: head.ID, OV: head.OV, CV: head.CV}
		item.Payload = shapePayload(payload, q.IncludeMeta, nil)
		if q.IncludeMeta {
			item.Meta = &ItemMeta{
				At:          head.UpdatedAt,
				Size:        head.Size,
				SHA256:      head.SHA256,
				MetaIndexed: head.MetaIndexed,
				Deleted:     head.Deleted(),
				DeletedAt:   head.DeletedAt,
			}
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (h *ReadHandler) queryAsOf(ctx context.Context, route *routing.Route, q queries.QueryItems) (*ItemPage, error) {
	ids, err := route.DocStore.QueryVersionCandidatesAsOf(ctx, q.Context.Collection, q.Filter, *q.At)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Hex() < ids[j].Hex() })

	limit := int(q.Limit)
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	out := &ItemPage{}
	for _, id := range ids {
		if q.Token != "" && id.Hex() <= q.Token {
			continue
		}
		v, err := route.DocStore.FindVersionAsOf(ctx, q.Context.Collection, id, *q.At)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		// The candidate scan matched any version; the effective one decides
		if !filter.Matches(v.MetaIndexed, q.Filter) {
			continue
		}
		var payload map[string]interface{}
		if err := route.ObjectStore.GetJSON(ctx, v.JSONBucket, v.JSONKey, &payload); err != nil {
			return nil, err
		}
		if env := entities.EnvelopeFrom(payload); env.Deleted && !q.IncludeDeleted {
			continue
		}

		item := &Item{ID: v.ItemID, OV: v.OV, CV: v.CV}
		item.Payload = shapePayload(payload, q.IncludeMeta, nil)
		if q.IncludeMeta {
			item.Meta = &ItemMeta{Op: v.Op, At: v.At, Size: v.Size, SHA256: v.SHA256, MetaIndexed: v.MetaIndexed}
		}
		out.Items = append(out.Items, item)
		if len(out.Items) >= limit {
			out.NextToken = v.ItemID.Hex()
			break
		}
	}
	return out, nil
}

// ListVersions returns an item's history, newest first
func (h *ReadHandler) ListVersions(ctx context.Context, q queries.ListVersions) ([]*entities.Version, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	route, err := h.router.Resolve(ctx, q.Context)
	if err != nil {
		return nil, err
	}
	return route.DocStore.ListVersions(ctx, q.Context.Collection, q.ID, q.Limit)
}

// TieredGet walks the tenant, domain and generic tiers. First-hit mode
// returns the most specific match; merge mode overlays specific tiers over
// generic ones.
func (h *ReadHandler) TieredGet(ctx context.Context, q queries.TieredGet) (*Item, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	tiers := h.tierContexts(q.Context)
	if !q.Merge {
		for _, tc := range tiers {
			item, err := h.findOne(ctx, tc, q.Filter)
			if err != nil {
				if cerrors.Is(err, cerrors.KindRouteNotFound) {
					continue
				}
				return nil, err
			}
			if item != nil {
				return item, nil
			}
		}
		return nil, cerrors.NewNotFound("item", "matching filter")
	}

	// Merge mode: generic first, then domain, then tenant on top
	var out *Item
	for i := len(tiers) - 1; i >= 0; i-- {
		item, err := h.findOne(ctx, tiers[i], q.Filter)
		if err != nil {
			if cerrors.Is(err, cerrors.KindRouteNotFound) {
				continue
			}
			return nil, err
		}
		if item == nil {
			continue
		}
		if out == nil {
			out = item
			continue
		}
		out.Payload = merge.Maps(out.Payload, item.Payload)
		out.ID, out.OV, out.CV = item.ID, item.OV, item.CV
	}
	if out == nil {
		return nil, cerrors.NewNotFound("item", "matching filter")
	}
	return out, nil
}

// tierContexts orders the contexts most specific first
func (h *ReadHandler) tierContexts(rc valueobjects.RouteContext) []valueobjects.RouteContext {
	tiers := make([]valueobjects.RouteContext, 0, 3)
	if rc.TenantID != "" {
		tenant := rc
		tenant.Tier = valueobjects.TierTenant
		tiers = append(tiers, tenant)
	}
	if rc.Domain != "" {
		domain := rc
		domain.Tier = valueobjects.TierDomain
		tiers = append(tiers, domain)
	}
	generic := rc
	generic.Tier = valueobjects.TierGeneric
	tiers = append(tiers, generic)
	return tiers
}

func (h *ReadHandler) findOne(ctx context.Context, rc valueobjects.RouteContext, f filter.Meta) (*Item, error) {
	route, err := h.router.Resolve(ctx, rc)
	if err != nil {
		return nil, err
	}
	page, err := route.DocStore.QueryHeads(ctx, rc.Collection, f, ports.PageRequest{Limit: 1}, false)
	if err != nil {
		return nil, err
	}
	if len(page.Heads) == 0 {
		return nil, nil
	}
	head := page.Heads[0]
	payload, err := h.loadHeadPayload(ctx, route, rc, head)
	if err != nil {
		return nil, err
	}
	return &Item{
		ID:      head.ID,
		OV:      head.OV,
		CV:      head.CV,
		Payload: entities.StripSystem(payload),
	}, nil
}

// GetWithEntities reads an item and the entities extracted from it at insert
// time, re-embedding each mapping's records under its property in the main
// payload. A mapping with a single match embeds the record itself, more
// matches embed an array.
func (h *ReadHandler) GetWithEntities(ctx context.Context, q queries.GetWithEntities) (*Item, []EntityGroup, error) {
	if err := q.Validate(); err != nil {
		return nil, nil, err
	}
	main, err := h.GetItem(ctx, queries.GetItem{
		Context:     q.Context,
		ID:          q.ID,
		IncludeMeta: q.IncludeMeta,
	})
	if err != nil {
		return nil, nil, err
	}

	route, err := h.router.Resolve(ctx, q.Context)
	if err != nil {
		return nil, nil, err
	}

	groups := make([]EntityGroup, 0, len(q.Mappings))
	// Entities joined over the always-indexed parent link; the key property
	// lives in each entity payload
	parentFilter := filter.Meta{"_parentId": q.ID.Hex()}
	for _, m := range q.Mappings {
		page, err := route.DocStore.QueryHeads(ctx, m.Collection, parentFilter, ports.PageRequest{}, false)
		if err != nil {
			return nil, nil, err
		}
		group := EntityGroup{Property: m.Property, Collection: m.Collection}
		entityCtx := q.Context.WithCollection(m.Collection)
		embedded := make([]interface{}, 0, len(page.Heads))
		for _, head := range page.Heads {
			payload, err := h.loadHeadPayload(ctx, route, entityCtx, head)
			if err != nil {
				return nil, nil, err
			}
			shaped := shapePayload(payload, q.IncludeMeta, nil)
			group.Items = append(group.Items, &Item{
				ID:      head.ID,
				OV:      head.OV,
				CV:      head.CV,
				Payload: shaped,
			})
			embedded = append(embedded, shaped)
		}
		switch len(embedded) {
		case 0:
		case 1:
			main.Payload[m.Property] = embedded[0]
		default:
			main.Payload[m.Property] = embedded
		}
		groups = append(groups, group)
	}
	return main, groups, nil
}

// loadHeadPayload serves a head's payload from cache, the inline shadow or
// the object store, in that order.
func (h *ReadHandler) loadHeadPayload(ctx context.Context, route *routing.Route, rc valueobjects.RouteContext, head *entities.Head) (map[string]interface{}, error) {
	cacheKey := sagas.HeadCacheKey(route.DBName, rc.Collection, head.ID.Hex())
	if h.cache != nil {
		if b, ok := h.cache.Get(ctx, cacheKey); ok {
			var cached struct {
				OV      int64                  `json:"ov"`
				Payload map[string]interface{} `json:"payload"`
			}
			if err := json.Unmarshal(b, &cached); err == nil && cached.OV == head.OV {
				return cached.Payload, nil
			}
		}
	}

	var payload map[string]interface{}
	if head.ShadowFresh() {
		if err := json.Unmarshal(head.FullShadow, &payload); err != nil {
			payload = nil
		}
	}
	if payload == nil {
		if err := route.ObjectStore.GetJSON(ctx, head.JSONBucket, head.JSONKey, &payload); err != nil {
			return nil, err
		}
	}

	if h.cache != nil {
		b, err := json.Marshal(struct {
			OV      int64                  `json:"ov"`
			Payload map[string]interface{} `json:"payload"`
		}{OV: head.OV, Payload: payload})
		if err == nil {
			if err := h.cache.Set(ctx, cacheKey, b, h.cfg.Cache.TTL.Std()); err != nil {
				h.logger.Debug("Head cache set failed", zap.Error(err))
			}
		}
	}
	return payload, nil
}

// shapePayload applies envelope stripping and projection
func shapePayload(payload map[string]interface{}, includeMeta bool, projection []string) map[string]interface{} {
	shaped := payload
	if !includeMeta {
		shaped = entities.StripSystem(payload)
	}
	if len(projection) == 0 {
		return shaped
	}
	out := make(map[string]interface{}, len(projection))
	for _, path := range projection {
		if v, ok := filter.Lookup(shaped, path); ok {
			setPath(out, path, v)
		}
	}
	if includeMeta {
		if sys, ok := shaped[entities.SystemKey]; ok {
			out[entities.SystemKey] = sys
		}
	}
	return out
}

// setPath writes a value at a dot-path, creating intermediate maps
func setPath(m map[string]interface{}, path string, v interface{}) {
	keys := splitPath(path)
	for i := 0; i < len(keys)-1; i++ {
		next, ok := m[keys[i]].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			m[keys[i]] = next
		}
		m = next
	}
	m[keys[len(keys)-1]] = v
}

func splitPath(path string) []string {
	out := []string{}
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	return append(out, path[start:])
}
