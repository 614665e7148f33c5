// Package analytics maintains advisory write counters: per-scope totals,
// named rule counters and distinct-value counts. Updates debounce in memory
// and flush in batches; losing one window on crash is acceptable.
package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	domaincfg "github.com/chronos-store/chronos/domain/config"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/filter"
	"github.com/chronos-store/chronos/infrastructure/config"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// Emitter mirrors flushed counter batches to an external metrics sink
type Emitter interface {
	Emit(ctx context.Context, batch *ports.CounterBatch)
}

type compiledRule struct {
	rule    domaincfg.CounterRule
	program cel.Program
}

// Engine evaluates counter rules on committed writes and flushes the
// accumulated deltas after each debounce window.
type Engine struct {
	cfg     config.Analytics
	store   ports.CounterStore
	emitter Emitter
	rules   []compiledRule
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[ports.CounterScope]*ports.CounterBatch
	timer   *time.Timer
	closed  bool

	wg sync.WaitGroup
}

// NewEngine creates the analytics engine and compiles every CEL rule up
// front so a bad expression fails init instead of the first write.
func NewEngine(cfg config.Analytics, store ports.CounterStore, emitter Emitter, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		store:   store,
		emitter: emitter,
		logger:  logger,
		pending: make(map[ports.CounterScope]*ports.CounterBatch),
	}

	if len(cfg.CounterRules) > 0 {
		env, err := cel.NewEnv(cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)))
		if err != nil {
			return nil, cerrors.NewInternal("creating rule expression environment failed").WithCause(err)
		}
		for _, rule := range cfg.CounterRules {
			cr := compiledRule{rule: rule}
			if rule.WhenExpr != "" {
				ast, issues := env.Compile(rule.WhenExpr)
				if issues != nil && issues.Err() != nil {
					return nil, cerrors.NewValidationf("counter rule %q has an invalid expression: %v", rule.Name, issues.Err())
				}
				prg, err := env.Program(ast)
				if err != nil {
					return nil, cerrors.NewValidationf("counter rule %q failed to compile: %v", rule.Name, err)
				}
				cr.program = prg
			}
			e.rules = append(e.rules, cr)
		}
	}
	return e, nil
}

// RecordWrite folds one committed write into the pending window
func (e *Engine) RecordWrite(ctx context.Context, scope ports.CounterScope, op entities.OpKind, meta, payload map[string]interface{}) {
	if !e.cfg.Enabled {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	batch, ok := e.pending[scope]
	if !ok {
		batch = &ports.CounterBatch{
			Scope:  scope,
			Totals: ports.TotalsDelta{Rules: make(map[string]int64)},
			Unique: make(ports.UniqueDelta),
		}
		e.pending[scope] = batch
	}

	switch op {
	case entities.OpCreate:
		batch.Totals.Created++
	case entities.OpUpdate, entities.OpRestore:
		batch.Totals.Updated++
	case entities.OpDelete:
		batch.Totals.Deleted++
	}

	for _, cr := range e.rules {
		if !cr.rule.AppliesTo(op) {
			continue
		}
		doc := meta
		if cr.rule.Scope == domaincfg.ScopePayload {
			doc = payload
		}
		if !e.ruleMatches(cr, doc) {
			continue
		}
		batch.Totals.Rules[cr.rule.Name]++
		for _, prop := range cr.rule.CountUnique {
			v, ok := filter.Lookup(doc, prop)
			if !ok {
				continue
			}
			byProp, ok := batch.Unique[cr.rule.Name]
			if !ok {
				byProp = make(map[string]map[string]int64)
				batch.Unique[cr.rule.Name] = byProp
			}
			byValue, ok := byProp[prop]
			if !ok {
				byValue = make(map[string]int64)
				byProp[prop] = byValue
			}
			byValue[fmt.Sprintf("%v", v)]++
		}
	}

	if e.timer == nil {
		e.timer = time.AfterFunc(e.cfg.DebounceWindow.Std(), e.flushWindow)
	}
}

func (e *Engine) ruleMatches(cr compiledRule, doc map[string]interface{}) bool {
	if cr.program != nil {
		out, _, err := cr.program.Eval(map[string]interface{}{"doc": doc})
		if err != nil {
			e.logger.Debug("Counter rule evaluation failed",
				zap.String("rule", cr.rule.Name),
				zap.Error(err),
			)
			return false
		}
		matched, ok := out.Value().(bool)
		return ok && matched
	}
	if len(cr.rule.When) == 0 {
		return true
	}
	return filter.Matches(doc, cr.rule.When)
}

// flushWindow drains the pending batches to the store off the write path
func (e *Engine) flushWindow() {
	e.mu.Lock()
	batches := e.pending
	e.pending = make(map[ports.CounterScope]*ports.CounterBatch)
	e.timer = nil
	e.mu.Unlock()

	if len(batches) == 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, batch := range batches {
			if err := e.store.Apply(ctx, batch); err != nil {
				e.logger.Warn("Counter flush failed",
					zap.String("collection", batch.Scope.Collection),
					zap.Error(err),
				)
				continue
			}
			if e.emitter != nil {
				e.emitter.Emit(ctx, batch)
			}
		}
	}()
}

// Flush synchronously drains any pending window. Used on shutdown and by
// reads that need current numbers.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	batches := e.pending
	e.pending = make(map[ports.CounterScope]*ports.CounterBatch)
	e.mu.Unlock()

	for _, batch := range batches {
		if err := e.store.Apply(ctx, batch); err != nil {
			return err
		}
		if e.emitter != nil {
			e.emitter.Emit(ctx, batch)
		}
	}
	return nil
}

// Close flushes and stops accepting writes
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	err := e.Flush(ctx)
	e.wg.Wait()
	return err
}

// GetTotals returns the stored totals for a scope, flushing pending deltas
// first so the numbers include this window.
func (e *Engine) GetTotals(ctx context.Context, scope ports.CounterScope) (*ports.CounterTotals, error) {
	if err := e.Flush(ctx); err != nil {
		return nil, err
	}
	return e.store.GetTotals(ctx, scope)
}

// GetUnique returns the distinct-value rows of a countUnique rule
func (e *Engine) GetUnique(ctx context.Context, scope ports.CounterScope, ruleName, property string) ([]ports.UniqueRow, error) {
	if err := e.Flush(ctx); err != nil {
		return nil, err
	}
	return e.store.GetUnique(ctx, scope, ruleName, property)
}
