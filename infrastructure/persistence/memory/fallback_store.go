package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chronos-store/chronos/application/ports"
	"github.com/chronos-store/chronos/domain/core/entities"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// FallbackStore is the in-memory retry queue
type FallbackStore struct {
	mu         sync.Mutex
	queue      map[string]*entities.FallbackOp
	deadLetter map[string]*entities.FallbackOp
}

// NewFallbackStore creates an empty in-memory retry queue
func NewFallbackStore() *FallbackStore {
	return &FallbackStore{
		queue:      make(map[string]*entities.FallbackOp),
		deadLetter: make(map[string]*entities.FallbackOp),
	}
}

// Enqueue stores a retry row keyed by request id
func (s *FallbackStore) Enqueue(ctx context.Context, op *entities.FallbackOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queue[op.RequestID]; exists {
		return nil // idempotent re-enqueue of the same request
	}
	cp := *op
	s.queue[op.RequestID] = &cp
	return nil
}

// Lease claims up to max due ops for owner until now+ttl
func (s *FallbackStore) Lease(ctx context.Context, now time.Time, max int, owner string, ttl time.Duration) ([]*entities.FallbackOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*entities.FallbackOp, 0)
	for _, op := range s.queue {
		if op.NextAttemptAt.After(now) {
			continue
		}
		if op.LeaseUntil != nil && op.LeaseUntil.After(now) {
			continue
		}
		due = append(due, op)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if max > 0 && len(due) > max {
		due = due[:max]
	}

	until := now.Add(ttl)
	out := make([]*entities.FallbackOp, 0, len(due))
	for _, op := range due {
		op.LeaseOwner = owner
		op.LeaseUntil = &until
		cp := *op
		out = append(out, &cp)
	}
	return out, nil
}

// Complete deletes a successfully re-executed op
func (s *FallbackStore) Complete(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, requestID)
	return nil
}

// Fail records the attempt outcome and clears the lease
func (s *FallbackStore) Fail(ctx context.Context, op *entities.FallbackOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.queue[op.RequestID]
	if !ok {
		return cerrors.NewNotFound("fallback op", op.RequestID)
	}
	stored.AttemptCount = op.AttemptCount
	stored.NextAttemptAt = op.NextAttemptAt
	stored.LastError = op.LastError
	stored.LeaseOwner = ""
	stored.LeaseUntil = nil
	return nil
}

// DeadLetter moves an exhausted op out of the active queue
func (s *FallbackStore) DeadLetter(ctx context.Context, op *entities.FallbackOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	cp.LeaseOwner = ""
	cp.LeaseUntil = nil
	s.deadLetter[op.RequestID] = &cp
	delete(s.queue, op.RequestID)
	return nil
}

// Release clears every lease held by owner
func (s *FallbackStore) Release(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.queue {
		if op.LeaseOwner == owner {
			op.LeaseOwner = ""
			op.LeaseUntil = nil
		}
	}
	return nil
}

// Get returns a queued op by request id, or nil
func (s *FallbackStore) Get(ctx context.Context, requestID string) (*entities.FallbackOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.queue[requestID]
	if !ok {
		return nil, nil
	}
	cp := *op
	return &cp, nil
}

// DeadLetters returns the dead-letter rows. Test helper.
func (s *FallbackStore) DeadLetters() []*entities.FallbackOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entities.FallbackOp, 0, len(s.deadLetter))
	for _, op := range s.deadLetter {
		cp := *op
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// Pending reports the active queue depth. Test helper.
func (s *FallbackStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

var _ ports.FallbackStore = (*FallbackStore)(nil)
