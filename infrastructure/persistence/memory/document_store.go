// Package memory holds in-process adapters implementing the same ports as
// the DynamoDB and S3 adapters. They back development and tests; semantics
// (CAS guard, paging order, as-of resolution) match the real adapters.
package memory

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chronos-store/chronos/application/ports"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/core/valueobjects"
	"github.com/chronos-store/chronos/domain/filter"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// DocumentStore is the in-memory index store
type DocumentStore struct {
	mu          sync.Mutex
	heads       map[string]map[string]*entities.Head      // collection -> idHex -> head
	versions    map[string]map[string][]*entities.Version // collection -> idHex -> rows (ov ASC)
	counters    map[string]int64                          // collection -> cv
	ensured     map[string]bool
	failCommits bool
}

// NewDocumentStore creates an empty in-memory document store
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		heads:    make(map[string]map[string]*entities.Head),
		versions: make(map[string]map[string][]*entities.Version),
		counters: make(map[string]int64),
		ensured:  make(map[string]bool),
	}
}

// FailCommits makes every subsequent commit fail with a transient error.
// Test hook for outage scenarios.
func (s *DocumentStore) FailCommits(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = fail
}

type memOp struct {
	validate func() error
	apply    func()
}

type memTx struct {
	ops []memOp
}

// SupportsTransactions reports transactional commit support
func (s *DocumentStore) SupportsTransactions() bool { return true }

// Begin starts a write-set transaction
func (s *DocumentStore) Begin(ctx context.Context) (ports.Transaction, error) {
	return &memTx{}, nil
}

// Commit validates and applies a write set atomically
func (s *DocumentStore) Commit(ctx context.Context, tx ports.Transaction) error {
	t, ok := tx.(*memTx)
	if !ok {
		return cerrors.NewInternal("foreign transaction handle")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommits {
		return cerrors.NewTxn("simulated commit outage", nil)
	}
	for _, op := range t.ops {
		if op.validate != nil {
			if err := op.validate(); err != nil {
				return err
			}
		}
	}
	for _, op := range t.ops {
		op.apply()
	}
	return nil
}

// Abort discards a write set
func (s *DocumentStore) Abort(tx ports.Transaction) {}

// EnsureIndexes is a no-op beyond bookkeeping for the in-memory store
func (s *DocumentStore) EnsureIndexes(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured[collection] = true
	return nil
}

// IncrementCounter bumps the collection counter and returns the new cv
func (s *DocumentStore) IncrementCounter(ctx context.Context, collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommits {
		return 0, cerrors.NewTxn("simulated commit outage", nil)
	}
	s.counters[collection]++
	return s.counters[collection], nil
}

// InsertVersion appends a version row
func (s *DocumentStore) InsertVersion(ctx context.Context, collection string, v *entities.Version, tx ports.Transaction) error {
	row := *v
	apply := func() {
		byItem, ok := s.versions[collection]
		if !ok {
			byItem = make(map[string][]*entities.Version)
			s.versions[collection] = byItem
		}
		idHex := row.ItemID.Hex()
		byItem[idHex] = append(byItem[idHex], &row)
		sort.Slice(byItem[idHex], func(i, j int) bool { return byItem[idHex][i].OV < byItem[idHex][j].OV })
	}
	if t, ok := tx.(*memTx); ok && t != nil {
		t.ops = append(t.ops, memOp{apply: apply})
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommits {
		return cerrors.NewTxn("simulated commit outage", nil)
	}
	apply()
	return nil
}

// UpdateHeadCAS writes the head guarded by the optimistic lock
func (s *DocumentStore) UpdateHeadCAS(ctx context.Context, collection string, head *entities.Head, expectedPrevOV int64, tx ports.Transaction) error {
	row := *head
	idHex := row.ID.Hex()
	validate := func() error {
		current := s.heads[collection][idHex]
		if expectedPrevOV < 0 {
			if current != nil {
				return cerrors.NewOptimisticLock(expectedPrevOV, current.OV)
			}
			return nil
		}
		if current == nil {
			return cerrors.NewOptimisticLock(expectedPrevOV, -1)
		}
		if current.OV != expectedPrevOV {
			return cerrors.NewOptimisticLock(expectedPrevOV, current.OV)
		}
		return nil
	}
	apply := func() {
		byID, ok := s.heads[collection]
		if !ok {
			byID = make(map[string]*entities.Head)
			s.heads[collection] = byID
		}
		byID[idHex] = &row
	}
	if t, ok := tx.(*memTx); ok && t != nil {
		t.ops = append(t.ops, memOp{validate: validate, apply: apply})
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommits {
		return cerrors.NewTxn("simulated commit outage", nil)
	}
	if err := validate(); err != nil {
		return err
	}
	apply()
	return nil
}

// DeleteHead removes a head row
func (s *DocumentStore) DeleteHead(ctx context.Context, collection string, id valueobjects.ItemID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.heads[collection], id.Hex())
	return nil
}

// FindHead returns the head row, or nil
func (s *DocumentStore) FindHead(ctx context.Context, collection string, id valueobjects.ItemID) (*entities.Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.heads[collection][id.Hex()]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

// FindVersionByOv returns the exact version row, or nil
func (s *DocumentStore) FindVersionByOv(ctx context.Context, collection string, id valueobjects.ItemID, ov int64) (*entities.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[collection][id.Hex()] {
		if v.OV == ov {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

// FindVersionAsOf returns the latest version with at <= t, highest ov
// breaking ties.
func (s *DocumentStore) FindVersionAsOf(ctx context.Context, collection string, id valueobjects.ItemID, t time.Time) (*entities.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *entities.Version
	for _, v := range s.versions[collection][id.Hex()] {
		if v.At.After(t) {
			continue
		}
		if best == nil || v.At.After(best.At) || (v.At.Equal(best.At) && v.OV > best.OV) {
			best = v
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// FindVersionByCv returns the version row with the exact collection version,
// or nil.
func (s *DocumentStore) FindVersionByCv(ctx context.Context, collection string, cv int64) (*entities.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rows := range s.versions[collection] {
		for _, v := range rows {
			if v.CV == cv {
				cp := *v
				return &cp, nil
			}
		}
	}
	return nil, nil
}

// ListVersions returns an item's version rows, newest first
func (s *DocumentStore) ListVersions(ctx context.Context, collection string, id valueobjects.ItemID, limit int) ([]*entities.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.versions[collection][id.Hex()]
	out := make([]*entities.Version, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		cp := *rows[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// QueryHeads filters head rows with deterministic (cv ASC, id ASC) paging
func (s *DocumentStore) QueryHeads(ctx context.Context, collection string, f filter.Meta, page ports.PageRequest, includeDeleted bool) (*ports.HeadPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*entities.Head, 0)
	for _, h := range s.heads[collection] {
		if h.Deleted() && !includeDeleted {
			continue
		}
		if !filter.Matches(h.MetaIndexed, f) {
			continue
		}
		cp := *h
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CV != matched[j].CV {
			return matched[i].CV < matched[j].CV
		}
		return matched[i].ID.Hex() < matched[j].ID.Hex()
	})

	start := 0
	if page.Token != "" {
		lastCV, lastID, err := decodePageToken(page.Token)
		if err != nil {
			return nil, cerrors.NewValidation("invalid page token")
		}
		for i, h := range matched {
			if h.CV > lastCV || (h.CV == lastCV && h.ID.Hex() > lastID) {
				start = i
				break
			}
			start = i + 1
		}
	}

	limit := int(page.Limit)
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := &ports.HeadPage{Heads: matched[start:end]}
	if end < len(matched) {
		last := matched[end-1]
		out.NextToken = encodePageToken(last.CV, last.ID.Hex())
	}
	return out, nil
}

// QueryVersionCandidatesAsOf returns distinct item ids with a matching
// version at or before t.
func (s *DocumentStore) QueryVersionCandidatesAsOf(ctx context.Context, collection string, f filter.Meta, at time.Time) ([]valueobjects.ItemID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]valueobjects.ItemID)
	for idHex, rows := range s.versions[collection] {
		for _, v := range rows {
			if v.At.After(at) {
				continue
			}
			if filter.Matches(v.MetaIndexed, f) {
				seen[idHex] = v.ItemID
				break
			}
		}
	}
	ids := make([]valueobjects.ItemID, 0, len(seen))
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ids = append(ids, seen[k])
	}
	return ids, nil
}

// PruneVersions applies retention bounds and reports how many rows went
func (s *DocumentStore) PruneVersions(ctx context.Context, collection string, before time.Time, keepPerItem int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for idHex, rows := range s.versions[collection] {
		kept := make([]*entities.Version, 0, len(rows))
		// rows are ov ASC; count retained slots from the newest down
		for i, v := range rows {
			fromNewest := len(rows) - i
			tooOld := !before.IsZero() && v.At.Before(before)
			beyondCap := keepPerItem > 0 && fromNewest > keepPerItem
			if tooOld || beyondCap {
				pruned++
				continue
			}
			kept = append(kept, v)
		}
		s.versions[collection][idHex] = kept
	}
	return pruned, nil
}

func encodePageToken(cv int64, idHex string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d:%s", cv, idHex)))
}

func decodePageToken(token string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, "", err
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed token")
	}
	cv, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", err
	}
	return cv, parts[1], nil
}
