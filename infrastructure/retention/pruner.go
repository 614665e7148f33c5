// Package retention enforces version-history bounds. The pruner visits every
// configured document connection on an interval and removes version rows
// past the age or per-item count limits. Payload objects are never touched:
// pinned reads of pruned versions fail with not-found, which is the accepted
// trade-off for bounded history.
package retention

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/chronos-store/chronos/infrastructure/config"
	"github.com/chronos-store/chronos/infrastructure/routing"
)

// Pruner runs the retention sweep
type Pruner struct {
	cfg    *config.Config
	pool   *routing.Pool
	logger *zap.Logger

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewPruner creates a retention pruner
func NewPruner(cfg *config.Config, pool *routing.Pool, logger *zap.Logger) *Pruner {
	return &Pruner{
		cfg:         cfg,
		pool:        pool,
		logger:      logger,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start launches the sweep loop
func (p *Pruner) Start(ctx context.Context) {
	p.logger.Info("Starting retention pruner",
		zap.Duration("interval", p.cfg.Retention.Interval.Std()),
	)
	go p.run(ctx)
}

// Stop shuts the loop down
func (p *Pruner) Stop(ctx context.Context) {
	close(p.stopChan)
	select {
	case <-p.stoppedChan:
	case <-ctx.Done():
	}
}

func (p *Pruner) run(ctx context.Context) {
	defer close(p.stoppedChan)

	ticker := time.NewTicker(p.cfg.Retention.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep prunes every bounded collection on every document connection and
// returns the total number of version rows removed. Exposed for tests and
// for the worker binary's run-once mode.
func (p *Pruner) Sweep(ctx context.Context) int {
	collections := p.boundedCollections()
	if len(collections) == 0 {
		return 0
	}

	total := 0
	for _, ref := range sortedRefs(p.cfg.DBConnections) {
		store, err := p.pool.DocStore(ctx, ref)
		if err != nil {
			p.logger.Warn("Retention sweep skipping connection",
				zap.String("connection", ref),
				zap.Error(err),
			)
			continue
		}
		for _, col := range collections {
			bounds := p.cfg.RetentionFor(col)
			before := time.Time{}
			if bounds.Days > 0 {
				before = time.Now().UTC().AddDate(0, 0, -bounds.Days)
			}
			removed, err := store.PruneVersions(ctx, col, before, bounds.MaxPerItem)
			if err != nil {
				p.logger.Warn("Retention prune failed",
					zap.String("connection", ref),
					zap.String("collection", col),
					zap.Error(err),
				)
				continue
			}
			if removed > 0 {
				p.logger.Info("Pruned version rows",
					zap.String("connection", ref),
					zap.String("collection", col),
					zap.Int("removed", removed),
				)
			}
			total += removed
		}
	}
	return total
}

// boundedCollections lists the collections with an explicit retention bound.
// The default bound applies to declared collections only; without any
// declared maps there is nothing to enumerate, so nothing is pruned.
func (p *Pruner) boundedCollections() []string {
	seen := make(map[string]bool)
	for col := range p.cfg.Retention.Collections {
		seen[col] = true
	}
	if p.cfg.Retention.Default.Days > 0 || p.cfg.Retention.Default.MaxPerItem > 0 {
		for col := range p.cfg.CollectionMaps {
			seen[col] = true
		}
	}
	out := make([]string, 0, len(seen))
	for col := range seen {
		bounds := p.cfg.RetentionFor(col)
		if bounds.Days > 0 || bounds.MaxPerItem > 0 {
			out = append(out, col)
		}
	}
	sort.Strings(out)
	return out
}

func sortedRefs[V any](m map[string]V) []string {
	refs := make([]string, 0, len(m))
	for ref := range m {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
