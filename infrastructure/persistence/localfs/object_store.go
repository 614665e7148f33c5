// Package localfs is a filesystem object store for development setups that
// run without an S3 endpoint. Buckets are directories, keys are paths.
package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// Store implements the object store port on a local directory
type Store struct {
	basePath string
	logger   *zap.Logger
}

// NewStore creates a filesystem object store rooted at basePath
func NewStore(basePath string, logger *zap.Logger) (*Store, error) {
	if basePath == "" {
		return nil, cerrors.NewValidation("fs object store requires basePath")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, cerrors.NewStorage("creating object store root "+basePath, err)
	}
	return &Store{basePath: basePath, logger: logger}, nil
}

func (s *Store) objectPath(bucket, key string) string {
	return filepath.Join(s.basePath, bucket, filepath.FromSlash(key))
}

// PutJSON stores an object as JSON bytes
func (s *Store) PutJSON(ctx context.Context, bucket, key string, obj interface{}) (*ports.PutResult, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, cerrors.NewStorage("encoding payload for "+key, err)
	}
	return s.PutBytes(ctx, bucket, key, b, "application/json")
}

// PutBytes stores raw bytes under a key. Writes go through a temp file and
// rename so readers never see partial objects.
func (s *Store) PutBytes(ctx context.Context, bucket, key string, b []byte, contentType string) (*ports.PutResult, error) {
	path := s.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, cerrors.NewStorage("creating object directory for "+key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return nil, cerrors.NewStorage("writing object "+key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, cerrors.NewStorage("publishing object "+key, err)
	}
	sum := sha256.Sum256(b)
	return &ports.PutResult{Size: int64(len(b)), SHA256: hex.EncodeToString(sum[:])}, nil
}

// GetJSON loads and decodes an object
func (s *Store) GetJSON(ctx context.Context, bucket, key string, out interface{}) error {
	b, err := os.ReadFile(s.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return cerrors.NewNotFound("object", bucket+"/"+key)
		}
		return cerrors.NewStorage("reading object "+key, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return cerrors.NewStorage("decoding payload for "+key, err)
	}
	return nil
}

// Del removes an object; deleting a missing key is not an error
func (s *Store) Del(ctx context.Context, bucket, key string) error {
	err := os.Remove(s.objectPath(bucket, key))
	if err != nil && !os.IsNotExist(err) {
		return cerrors.NewStorage("deleting object "+key, err)
	}
	return nil
}

// List returns keys under a prefix in lexical order
func (s *Store) List(ctx context.Context, bucket, prefix string, limit int) ([]string, error) {
	root := filepath.Join(s.basePath, bucket)
	keys := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, cerrors.NewStorage("listing objects under "+prefix, err)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Copy duplicates an object
func (s *Store) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	b, err := os.ReadFile(s.objectPath(srcBucket, srcKey))
	if err != nil {
		if os.IsNotExist(err) {
			return cerrors.NewNotFound("object", srcBucket+"/"+srcKey)
		}
		return cerrors.NewStorage("reading object "+srcKey, err)
	}
	_, err = s.PutBytes(ctx, dstBucket, dstKey, b, "")
	return err
}

// PresignGet returns a file URL; local files need no signing
func (s *Store) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	path := s.objectPath(bucket, key)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", cerrors.NewNotFound("object", bucket+"/"+key)
		}
		return "", cerrors.NewStorage("checking object "+key, err)
	}
	return fmt.Sprintf("file://%s", path), nil
}

var _ ports.ObjectStore = (*Store)(nil)
