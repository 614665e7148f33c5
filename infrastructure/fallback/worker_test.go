package fallback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/sagas"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/infrastructure/config"
	"github.com/chronos-store/chronos/infrastructure/persistence/memory"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

type stubExecutor struct {
	runs []*sagas.WriteRequest
	fn   func(req *sagas.WriteRequest) (*sagas.WriteResult, error)
}

func (s *stubExecutor) Run(ctx context.Context, req *sagas.WriteRequest) (*sagas.WriteResult, error) {
	s.runs = append(s.runs, req)
	return s.fn(req)
}

func workerConfig() config.Fallback {
	return config.Fallback{
		Enabled:      true,
		MaxAttempts:  2,
		BaseDelay:    config.Duration(time.Millisecond),
		MaxDelay:     config.Duration(5 * time.Millisecond),
		PollInterval: config.Duration(10 * time.Millisecond),
		BatchSize:    10,
		LeaseTTL:     config.Duration(time.Minute),
	}
}

func queuedOp(t *testing.T, requestID string) *entities.FallbackOp {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"op":      "CREATE",
		"payload": map[string]interface{}{"email": "a@example.com"},
	})
	require.NoError(t, err)
	return &entities.FallbackOp{
		RequestID: requestID,
		Kind:      string(entities.OpCreate),
		Context: valueobjects.RouteContext{
			DatabaseType: valueobjects.DatabaseTypeMetadata,
			Tier:         valueobjects.TierGeneric,
			DBName:       "appdb",
			Collection:   "users",
		},
		Payload:       payload,
		NextAttemptAt: time.Now().UTC().Add(-time.Second),
		CreatedAt:     time.Now().UTC(),
	}
}

func TestWorker_DrainSuccess(t *testing.T) {
	store := memory.NewFallbackStore()
	exec := &stubExecutor{fn: func(req *sagas.WriteRequest) (*sagas.WriteResult, error) {
		return &sagas.WriteResult{OV: 1}, nil
	}}
	worker := NewWorker(workerConfig(), store, exec, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, queuedOp(t, "req-1")))

	succeeded := worker.Drain(ctx)

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, store.Pending(), "completed ops leave the queue")
	require.Len(t, exec.runs, 1)
	assert.Equal(t, "req-1", exec.runs[0].RequestID, "replay keeps the original request id")
	assert.Equal(t, entities.OpCreate, exec.runs[0].Op)
	assert.Equal(t, "a@example.com", exec.runs[0].Payload["email"])
}

func TestWorker_RetriableFailureBacksOff(t *testing.T) {
	store := memory.NewFallbackStore()
	exec := &stubExecutor{fn: func(req *sagas.WriteRequest) (*sagas.WriteResult, error) {
		return nil, cerrors.NewTxn("still down", nil)
	}}
	cfg := workerConfig()
	cfg.MaxAttempts = 10
	worker := NewWorker(cfg, store, exec, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, queuedOp(t, "req-1")))

	assert.Equal(t, 0, worker.Drain(ctx))
	assert.Equal(t, 1, store.Pending(), "failed op stays queued for the next attempt")

	op, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 1, op.AttemptCount)
	assert.Contains(t, op.LastError, "still down")
	assert.True(t, op.NextAttemptAt.After(time.Now().UTC().Add(-time.Millisecond)), "backoff pushes the next attempt out")
}

func TestWorker_PermanentFailureLeavesQueue(t *testing.T) {
	store := memory.NewFallbackStore()
	exec := &stubExecutor{fn: func(req *sagas.WriteRequest) (*sagas.WriteResult, error) {
		return nil, cerrors.NewValidation("payload is required")
	}}
	worker := NewWorker(workerConfig(), store, exec, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, queuedOp(t, "req-1")))

	succeeded := worker.Drain(ctx)

	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 0, store.Pending(), "a permanent error cannot be fixed by retrying")
	assert.Empty(t, store.DeadLetters())
}

func TestWorker_DeadLetterAfterMaxAttempts(t *testing.T) {
	store := memory.NewFallbackStore()
	exec := &stubExecutor{fn: func(req *sagas.WriteRequest) (*sagas.WriteResult, error) {
		return nil, cerrors.NewTxn("still down", nil)
	}}
	worker := NewWorker(workerConfig(), store, exec, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, queuedOp(t, "req-1")))

	assert.Equal(t, 0, worker.Drain(ctx))
	require.Equal(t, 1, store.Pending())

	// Wait out the 1ms backoff so the second attempt is due
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, worker.Drain(ctx))

	assert.Equal(t, 0, store.Pending())
	letters := store.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, "req-1", letters[0].RequestID)
	assert.Equal(t, 2, letters[0].AttemptCount)
}

func TestWorker_UndecodableOpDeadLettersImmediately(t *testing.T) {
	store := memory.NewFallbackStore()
	exec := &stubExecutor{fn: func(req *sagas.WriteRequest) (*sagas.WriteResult, error) {
		t.Fatal("executor must not run for an undecodable op")
		return nil, nil
	}}
	worker := NewWorker(workerConfig(), store, exec, zap.NewNop())
	ctx := context.Background()

	op := queuedOp(t, "req-bad")
	op.Payload = []byte("{not json")
	require.NoError(t, store.Enqueue(ctx, op))

	assert.Equal(t, 0, worker.Drain(ctx))
	assert.Equal(t, 0, store.Pending())
	require.Len(t, store.DeadLetters(), 1)
}

func TestWorker_StartStop(t *testing.T) {
	store := memory.NewFallbackStore()
	done := make(chan struct{}, 1)
	exec := &stubExecutor{fn: func(req *sagas.WriteRequest) (*sagas.WriteResult, error) {
		select {
		case done <- struct{}{}:
		default:
		}
		return &sagas.WriteResult{OV: 1}, nil
	}}
	worker := NewWorker(workerConfig(), store, exec, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, queuedOp(t, "req-1")))
	worker.Start(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never processed the queued op")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	worker.Stop(stopCtx)
	assert.Equal(t, 0, store.Pending())
}
