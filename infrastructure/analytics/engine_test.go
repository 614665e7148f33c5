package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	domaincfg "github.com/chronos-store/chronos/domain/config"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/infrastructure/config"
	"github.com/chronos-store/chronos/infrastructure/persistence/memory"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

func memoryCounterStore() *memory.CounterStore { return memory.NewCounterStore() }

type captureEmitter struct {
	mu      sync.Mutex
	batches []*ports.CounterBatch
}

func (c *captureEmitter) Emit(ctx context.Context, batch *ports.CounterBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
}

func (c *captureEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func analyticsConfig(rules ...domaincfg.CounterRule) config.Analytics {
	return config.Analytics{
		Enabled:        true,
		DebounceWindow: config.Duration(5 * time.Millisecond),
		CounterRules:   rules,
	}
}

func testScope() ports.CounterScope {
	return ports.CounterScope{DBName: "appdb", Collection: "users", TenantID: "acme"}
}

func TestEngine_Totals(t *testing.T) {
	store := memoryCounterStore()
	engine, err := NewEngine(analyticsConfig(), store, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	scope := testScope()

	engine.RecordWrite(ctx, scope, entities.OpCreate, nil, nil)
	engine.RecordWrite(ctx, scope, entities.OpCreate, nil, nil)
	engine.RecordWrite(ctx, scope, entities.OpUpdate, nil, nil)
	engine.RecordWrite(ctx, scope, entities.OpRestore, nil, nil)
	engine.RecordWrite(ctx, scope, entities.OpDelete, nil, nil)

	totals, err := engine.GetTotals(ctx, scope)

	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.Created)
	assert.Equal(t, int64(2), totals.Updated, "restores count as updates")
	assert.Equal(t, int64(1), totals.Deleted)
}

func TestEngine_ScopesAreIndependent(t *testing.T) {
	store := memoryCounterStore()
	engine, err := NewEngine(analyticsConfig(), store, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	other := ports.CounterScope{DBName: "appdb", Collection: "orders", TenantID: "acme"}
	engine.RecordWrite(ctx, testScope(), entities.OpCreate, nil, nil)
	engine.RecordWrite(ctx, other, entities.OpCreate, nil, nil)
	engine.RecordWrite(ctx, other, entities.OpCreate, nil, nil)

	totals, err := engine.GetTotals(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.Created)

	totals, err = engine.GetTotals(ctx, testScope())
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Created)
}

func TestEngine_StructuredRule(t *testing.T) {
	rule := domaincfg.CounterRule{
		Name:  "active_users",
		On:    []entities.OpKind{entities.OpCreate, entities.OpUpdate},
		Scope: domaincfg.ScopeMeta,
		When:  map[string]interface{}{"status": "active"},
	}
	store := memoryCounterStore()
	engine, err := NewEngine(analyticsConfig(rule), store, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	scope := testScope()

	engine.RecordWrite(ctx, scope, entities.OpCreate, map[string]interface{}{"status": "active"}, nil)
	engine.RecordWrite(ctx, scope, entities.OpCreate, map[string]interface{}{"status": "inactive"}, nil)
	engine.RecordWrite(ctx, scope, entities.OpDelete, map[string]interface{}{"status": "active"}, nil)

	totals, err := engine.GetTotals(ctx, scope)

	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Rules["active_users"], "only matching ops on matching docs count")
}

func TestEngine_ExpressionRule(t *testing.T) {
	rule := domaincfg.CounterRule{
		Name:     "big_orders",
		Scope:    domaincfg.ScopePayload,
		WhenExpr: `doc.total >= 100.0`,
	}
	store := memoryCounterStore()
	engine, err := NewEngine(analyticsConfig(rule), store, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	scope := testScope()

	engine.RecordWrite(ctx, scope, entities.OpCreate, nil, map[string]interface{}{"total": 250.0})
	engine.RecordWrite(ctx, scope, entities.OpCreate, nil, map[string]interface{}{"total": 10.0})
	engine.RecordWrite(ctx, scope, entities.OpCreate, nil, map[string]interface{}{"nototal": true})

	totals, err := engine.GetTotals(ctx, scope)

	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Rules["big_orders"], "evaluation errors never count")
}

func TestEngine_InvalidExpressionFailsInit(t *testing.T) {
	rule := domaincfg.CounterRule{Name: "broken", WhenExpr: `doc.total >=`}

	_, err := NewEngine(analyticsConfig(rule), memoryCounterStore(), nil, zap.NewNop())

	require.Error(t, err)
	assert.True(t, cerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "broken")
}

func TestEngine_CountUnique(t *testing.T) {
	rule := domaincfg.CounterRule{
		Name:        "signups",
		On:          []entities.OpKind{entities.OpCreate},
		Scope:       domaincfg.ScopeMeta,
		CountUnique: []string{"plan"},
	}
	store := memoryCounterStore()
	engine, err := NewEngine(analyticsConfig(rule), store, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	scope := testScope()

	engine.RecordWrite(ctx, scope, entities.OpCreate, map[string]interface{}{"plan": "pro"}, nil)
	engine.RecordWrite(ctx, scope, entities.OpCreate, map[string]interface{}{"plan": "pro"}, nil)
	engine.RecordWrite(ctx, scope, entities.OpCreate, map[string]interface{}{"plan": "free"}, nil)
	engine.RecordWrite(ctx, scope, entities.OpCreate, map[string]interface{}{"noplan": true}, nil)

	rows, err := engine.GetUnique(ctx, scope, "signups", "plan")

	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "free", rows[0].Value)
	assert.Equal(t, int64(1), rows[0].Count)
	assert.Equal(t, "pro", rows[1].Value)
	assert.Equal(t, int64(2), rows[1].Count)
}

func TestEngine_DebouncedFlushReachesEmitter(t *testing.T) {
	store := memoryCounterStore()
	emitter := &captureEmitter{}
	engine, err := NewEngine(analyticsConfig(), store, emitter, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	engine.RecordWrite(ctx, testScope(), entities.OpCreate, nil, nil)

	// The debounce timer fires on its own, no explicit flush
	require.Eventually(t, func() bool { return emitter.count() == 1 }, time.Second, 5*time.Millisecond)

	totals, err := store.GetTotals(ctx, testScope())
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Created)
}

func TestEngine_DisabledIsInert(t *testing.T) {
	store := memoryCounterStore()
	cfg := analyticsConfig()
	cfg.Enabled = false
	engine, err := NewEngine(cfg, store, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	engine.RecordWrite(ctx, testScope(), entities.OpCreate, nil, nil)

	totals, err := engine.GetTotals(ctx, testScope())
	require.NoError(t, err)
	assert.Zero(t, totals.Created)
}

func TestEngine_CloseRejectsLateWrites(t *testing.T) {
	store := memoryCounterStore()
	engine, err := NewEngine(analyticsConfig(), store, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	engine.RecordWrite(ctx, testScope(), entities.OpCreate, nil, nil)
	require.NoError(t, engine.Close(ctx))

	engine.RecordWrite(ctx, testScope(), entities.OpCreate, nil, nil)

	totals, err := store.GetTotals(ctx, testScope())
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Created, "writes after close are dropped")
}
