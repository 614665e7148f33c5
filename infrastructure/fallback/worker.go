// Package fallback runs the durable retry queue: writes whose commit failed
// with a retriable error are re-executed in the background until they
// succeed or exhaust their attempts.
package fallback

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	"github.com/chronos-store/chronos/application/sagas"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/infrastructure/config"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// Executor re-runs a queued write. The write saga satisfies this.
type Executor interface {
	Run(ctx context.Context, req *sagas.WriteRequest) (*sagas.WriteResult, error)
}

// Worker polls the queue, leases due ops and re-executes them with capped
// exponential backoff between attempts.
type Worker struct {
	cfg      config.Fallback
	store    ports.FallbackStore
	executor Executor
	logger   *zap.Logger

	owner       string
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a fallback worker
func NewWorker(cfg config.Fallback, store ports.FallbackStore, executor Executor, logger *zap.Logger) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		cfg:         cfg,
		store:       store,
		executor:    executor,
		logger:      logger,
		owner:       fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start launches the polling loop
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting fallback worker",
		zap.String("owner", w.owner),
		zap.Duration("pollInterval", w.cfg.PollInterval.Std()),
		zap.Int("batchSize", w.cfg.BatchSize),
	)
	go w.run(ctx)
}

// Stop shuts the loop down, releasing any leases still held
func (w *Worker) Stop(ctx context.Context) {
	close(w.stopChan)
	select {
	case <-w.stoppedChan:
	case <-ctx.Done():
	}
	if err := w.store.Release(context.WithoutCancel(ctx), w.owner); err != nil {
		w.logger.Warn("Failed to release fallback leases on shutdown", zap.Error(err))
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	ticker := time.NewTicker(w.cfg.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain leases and executes one batch of due ops. Exposed for tests and for
// the worker binary's run-once mode.
func (w *Worker) Drain(ctx context.Context) int {
	ops, err := w.store.Lease(ctx, time.Now().UTC(), w.cfg.BatchSize, w.owner, w.cfg.LeaseTTL.Std())
	if err != nil {
		w.logger.Error("Failed to lease fallback ops", zap.Error(err))
		return 0
	}
	succeeded := 0
	for _, op := range ops {
		select {
		case <-w.stopChan:
			return succeeded
		default:
		}
		if w.process(ctx, op) {
			succeeded++
		}
	}
	return succeeded
}

func (w *Worker) process(ctx context.Context, op *entities.FallbackOp) bool {
	req, err := sagas.DecodeFallback(op)
	if err != nil {
		// Undecodable rows can never succeed; dead-letter immediately
		w.logger.Error("Dead-lettering undecodable fallback op",
			zap.String("requestId", op.RequestID),
			zap.Error(err),
		)
		op.LastError = err.Error()
		if dlErr := w.store.DeadLetter(ctx, op); dlErr != nil {
			w.logger.Error("Dead-letter write failed", zap.Error(dlErr))
		}
		return false
	}

	_, err = w.executor.Run(ctx, req)
	if err == nil || (!cerrors.IsRetriable(err) && !cerrors.IsQueued(err)) {
		// Success, or a permanent error the queue cannot fix. Either way the
		// row is done; permanent failures are logged before removal.
		if err != nil {
			w.logger.Warn("Fallback op failed permanently",
				zap.String("requestId", op.RequestID),
				zap.String("opKind", op.Kind),
				zap.Error(err),
			)
		}
		if cErr := w.store.Complete(ctx, op.RequestID); cErr != nil {
			w.logger.Error("Failed to complete fallback op", zap.Error(cErr))
			return false
		}
		return err == nil
	}

	op.AttemptCount++
	op.LastError = err.Error()
	if op.AttemptCount >= w.cfg.MaxAttempts {
		if dlErr := w.store.DeadLetter(ctx, op); dlErr != nil {
			w.logger.Error("Dead-letter write failed", zap.Error(dlErr))
		}
		return false
	}

	op.NextAttemptAt = time.Now().UTC().Add(w.delayFor(op.AttemptCount))
	if fErr := w.store.Fail(ctx, op); fErr != nil {
		w.logger.Error("Failed to record fallback attempt", zap.Error(fErr))
	}
	return false
}

// delayFor computes the capped exponential backoff with jitter for an
// attempt count.
func (w *Worker) delayFor(attempt int) time.Duration {
	b := retry.NewExponential(w.cfg.BaseDelay.Std())
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(w.cfg.MaxDelay.Std(), b)

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		delay = next
	}
	if delay <= 0 {
		delay = w.cfg.BaseDelay.Std()
	}
	return delay
}
