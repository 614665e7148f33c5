package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chronos-store/chronos/application/ports"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// BatchOptimizer coalesces object-store puts issued within a window into one
// flush. Callers block until their put has landed, so the write path's
// object-before-commit ordering is preserved; the optimizer only trades a
// little latency for fewer, denser bursts against the backend.
type BatchOptimizer struct {
	window   time.Duration
	maxBatch int
	logger   *zap.Logger

	mu      sync.Mutex
	pending []*batchedPut
	timer   *time.Timer
	closed  bool
	flushes sync.WaitGroup
}

type batchedPut struct {
	store       ports.ObjectStore
	bucket      string
	key         string
	data        []byte
	contentType string
	done        chan putOutcome
}

type putOutcome struct {
	res *ports.PutResult
	err error
}

// NewBatchOptimizer creates a batch optimizer. A batch flushes when it
// reaches maxBatch puts or when window elapses after its first put,
// whichever comes first.
func NewBatchOptimizer(window time.Duration, maxBatch int, logger *zap.Logger) *BatchOptimizer {
	if window <= 0 {
		window = 50 * time.Millisecond
	}
	if maxBatch <= 0 {
		maxBatch = 25
	}
	return &BatchOptimizer{window: window, maxBatch: maxBatch, logger: logger}
}

// Put enqueues one object write and blocks until its batch has flushed
func (b *BatchOptimizer) Put(ctx context.Context, store ports.ObjectStore, bucket, key string, data []byte, contentType string) (*ports.PutResult, error) {
	task := &batchedPut{
		store:       store,
		bucket:      bucket,
		key:         key,
		data:        data,
		contentType: contentType,
		done:        make(chan putOutcome, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, cerrors.NewInternal("batch optimizer is closed")
	}
	b.pending = append(b.pending, task)
	switch {
	case len(b.pending) >= b.maxBatch:
		b.flushLocked()
	case len(b.pending) == 1:
		b.timer = time.AfterFunc(b.window, b.flushOnTimer)
	}
	b.mu.Unlock()

	select {
	case out := <-task.done:
		return out.res, out.err
	case <-ctx.Done():
		// The put may still land; the caller's operation is what gave up
		return nil, cerrors.NewTimeout("batched object put")
	}
}

// Close flushes the pending batch and waits for in-flight flushes
func (b *BatchOptimizer) Close() {
	b.mu.Lock()
	b.closed = true
	b.flushLocked()
	b.mu.Unlock()
	b.flushes.Wait()
}

func (b *BatchOptimizer) flushOnTimer() {
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
}

// flushLocked hands the pending batch to a flusher goroutine. Callers hold mu.
func (b *BatchOptimizer) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = nil

	b.flushes.Add(1)
	go func() {
		defer b.flushes.Done()
		// Puts run detached from any single caller's context: every waiter
		// in the batch is owed its result
		g, ctx := errgroup.WithContext(context.Background())
		g.SetLimit(len(batch))
		for _, task := range batch {
			task := task
			g.Go(func() error {
				res, err := task.store.PutBytes(ctx, task.bucket, task.key, task.data, task.contentType)
				task.done <- putOutcome{res: res, err: err}
				return nil
			})
		}
		_ = g.Wait()
		if b.logger != nil {
			b.logger.Debug("Flushed batched object puts", zap.Int("count", len(batch)))
		}
	}()
}
