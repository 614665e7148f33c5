package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/infrastructure/persistence/memory"
)

func TestBatchOptimizer_FlushOnFullBatch(t *testing.T) {
	// Window long enough that only the size trigger can fire
	opt := NewBatchOptimizer(time.Hour, 2, zap.NewNop())
	defer opt.Close()
	store := memory.NewObjectStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, key := range []string{"a/v0.json", "b/v0.json"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			_, errs[i] = opt.Put(ctx, store, "payloads", key, []byte(`{"n":1}`), "application/json")
		}(i, key)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	_, ok := store.Raw("payloads", "a/v0.json")
	assert.True(t, ok)
	_, ok = store.Raw("payloads", "b/v0.json")
	assert.True(t, ok)
}

func TestBatchOptimizer_FlushOnWindow(t *testing.T) {
	opt := NewBatchOptimizer(5*time.Millisecond, 100, zap.NewNop())
	defer opt.Close()
	store := memory.NewObjectStore()

	res, err := opt.Put(context.Background(), store, "payloads", "solo/v0.json", []byte(`{"n":2}`), "application/json")

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.EqualValues(t, 7, res.Size)
	raw, ok := store.Raw("payloads", "solo/v0.json")
	require.True(t, ok)
	assert.Equal(t, `{"n":2}`, string(raw))
}

func TestBatchOptimizer_PutErrorReachesCaller(t *testing.T) {
	opt := NewBatchOptimizer(5*time.Millisecond, 100, zap.NewNop())
	defer opt.Close()
	store := memory.NewObjectStore()
	store.FailPuts(true)

	_, err := opt.Put(context.Background(), store, "payloads", "x/v0.json", []byte("{}"), "application/json")

	assert.Error(t, err, "backend failures surface on the blocked caller")
}

func TestBatchOptimizer_CloseFlushesPending(t *testing.T) {
	// Neither trigger can fire on its own before Close
	opt := NewBatchOptimizer(time.Hour, 100, zap.NewNop())
	store := memory.NewObjectStore()

	done := make(chan error, 1)
	go func() {
		_, err := opt.Put(context.Background(), store, "payloads", "pending/v0.json", []byte("{}"), "application/json")
		done <- err
	}()

	// Wait until the put is queued before closing
	require.Eventually(t, func() bool {
		opt.mu.Lock()
		defer opt.mu.Unlock()
		return len(opt.pending) == 1
	}, time.Second, time.Millisecond)

	opt.Close()
	require.NoError(t, <-done)
	_, ok := store.Raw("payloads", "pending/v0.json")
	assert.True(t, ok)

	_, err := opt.Put(context.Background(), store, "payloads", "late/v0.json", []byte("{}"), "application/json")
	assert.Error(t, err, "a closed optimizer rejects new puts")
}
