package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/chronos-store/chronos/application/ports"
)

type scopeKey struct {
	dbName     string
	collection string
	tenantID   string
}

type uniqueKey struct {
	rule     string
	property string
}

// CounterStore is the in-memory analytics counter store
type CounterStore struct {
	mu     sync.Mutex
	totals map[scopeKey]*ports.CounterTotals
	unique map[scopeKey]map[uniqueKey]map[string]int64
}

// NewCounterStore creates an empty in-memory counter store
func NewCounterStore() *CounterStore {
	return &CounterStore{
		totals: make(map[scopeKey]*ports.CounterTotals),
		unique: make(map[scopeKey]map[uniqueKey]map[string]int64),
	}
}

func toScopeKey(s ports.CounterScope) scopeKey {
	return scopeKey{dbName: s.DBName, collection: s.Collection, tenantID: s.TenantID}
}

// Apply folds one debounce window's deltas into the stored counters
func (s *CounterStore) Apply(ctx context.Context, batch *ports.CounterBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := toScopeKey(batch.Scope)
	tot, ok := s.totals[key]
	if !ok {
		tot = &ports.CounterTotals{Scope: batch.Scope, Rules: make(map[string]int64)}
		s.totals[key] = tot
	}
	tot.Created += batch.Totals.Created
	tot.Updated += batch.Totals.Updated
	tot.Deleted += batch.Totals.Deleted
	for rule, n := range batch.Totals.Rules {
		tot.Rules[rule] += n
	}

	byRule, ok := s.unique[key]
	if !ok {
		byRule = make(map[uniqueKey]map[string]int64)
		s.unique[key] = byRule
	}
	for rule, props := range batch.Unique {
		for prop, values := range props {
			uk := uniqueKey{rule: rule, property: prop}
			rows, ok := byRule[uk]
			if !ok {
				rows = make(map[string]int64)
				byRule[uk] = rows
			}
			for value, n := range values {
				rows[value] += n
			}
		}
	}
	return nil
}

// GetTotals returns the totals row for a scope, zero-valued when absent
func (s *CounterStore) GetTotals(ctx context.Context, scope ports.CounterScope) (*ports.CounterTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tot, ok := s.totals[toScopeKey(scope)]
	if !ok {
		return &ports.CounterTotals{Scope: scope, Rules: map[string]int64{}}, nil
	}
	cp := *tot
	cp.Rules = make(map[string]int64, len(tot.Rules))
	for k, v := range tot.Rules {
		cp.Rules[k] = v
	}
	return &cp, nil
}

// GetUnique returns the distinct-value rows of a countUnique rule
func (s *CounterStore) GetUnique(ctx context.Context, scope ports.CounterScope, ruleName, property string) ([]ports.UniqueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.unique[toScopeKey(scope)][uniqueKey{rule: ruleName, property: property}]
	out := make([]ports.UniqueRow, 0, len(rows))
	for value, count := range rows {
		out = append(out, ports.UniqueRow{Value: value, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

var _ ports.CounterStore = (*CounterStore)(nil)
