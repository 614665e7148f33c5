package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chronos-store/chronos/application/ports"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

type memObject struct {
	data        []byte
	contentType string
}

// ObjectStore is the in-memory payload store
type ObjectStore struct {
	mu       sync.Mutex
	buckets  map[string]map[string]memObject
	failPuts bool
}

// NewObjectStore creates an empty in-memory object store
func NewObjectStore() *ObjectStore {
	return &ObjectStore{buckets: make(map[string]map[string]memObject)}
}

// FailPuts makes every subsequent put fail with a storage error. Test hook
// for object-store outage scenarios.
func (s *ObjectStore) FailPuts(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = fail
}

// PutJSON stores an object as canonical JSON bytes
func (s *ObjectStore) PutJSON(ctx context.Context, bucket, key string, obj interface{}) (*ports.PutResult, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, cerrors.NewStorage("encoding payload for "+key, err)
	}
	return s.PutBytes(ctx, bucket, key, b, "application/json")
}

// PutBytes stores raw bytes under a key
func (s *ObjectStore) PutBytes(ctx context.Context, bucket, key string, b []byte, contentType string) (*ports.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPuts {
		return nil, cerrors.NewStorage("simulated put outage for "+key, nil)
	}
	bk, ok := s.buckets[bucket]
	if !ok {
		bk = make(map[string]memObject)
		s.buckets[bucket] = bk
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	bk[key] = memObject{data: cp, contentType: contentType}
	sum := sha256.Sum256(b)
	return &ports.PutResult{Size: int64(len(b)), SHA256: hex.EncodeToString(sum[:])}, nil
}

// GetJSON loads and decodes an object
func (s *ObjectStore) GetJSON(ctx context.Context, bucket, key string, out interface{}) error {
	s.mu.Lock()
	obj, ok := s.buckets[bucket][key]
	s.mu.Unlock()
	if !ok {
		return cerrors.NewNotFound("object", bucket+"/"+key)
	}
	if err := json.Unmarshal(obj.data, out); err != nil {
		return cerrors.NewStorage("decoding payload for "+key, err)
	}
	return nil
}

// Del removes an object; deleting a missing key is not an error
func (s *ObjectStore) Del(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

// List returns keys under a prefix in lexical order
func (s *ObjectStore) List(ctx context.Context, bucket, prefix string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0)
	for k := range s.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Copy duplicates an object
func (s *ObjectStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[srcBucket][srcKey]
	if !ok {
		return cerrors.NewNotFound("object", srcBucket+"/"+srcKey)
	}
	bk, ok := s.buckets[dstBucket]
	if !ok {
		bk = make(map[string]memObject)
		s.buckets[dstBucket] = bk
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	bk[dstKey] = memObject{data: cp, contentType: obj.contentType}
	return nil
}

// PresignGet returns a synthetic URL; the in-memory store has no transport
func (s *ObjectStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	_, ok := s.buckets[bucket][key]
	s.mu.Unlock()
	if !ok {
		return "", cerrors.NewNotFound("object", bucket+"/"+key)
	}
	return fmt.Sprintf("memory://%s/%s?expires=%ds", bucket, key, int(ttl.Seconds())), nil
}

// Raw returns the stored bytes for a key. Test helper.
func (s *ObjectStore) Raw(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, true
}
