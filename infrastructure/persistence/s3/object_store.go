// Package s3 adapts the immutable object store port to S3 and S3-compatible
// endpoints (MinIO, Spaces).
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// Store implements the object store port on S3
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	logger   *zap.Logger
}

// NewStore creates an S3-backed object store
func NewStore(client *s3.Client, logger *zap.Logger) *Store {
	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
		logger:   logger,
	}
}

// PutJSON stores an object as JSON bytes
func (s *Store) PutJSON(ctx context.Context, bucket, key string, obj interface{}) (*ports.PutResult, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, cerrors.NewStorage("encoding payload for "+key, err)
	}
	return s.PutBytes(ctx, bucket, key, b, "application/json")
}

// PutBytes stores raw bytes under a key. Large bodies go through the
// multipart uploader.
func (s *Store) PutBytes(ctx context.Context, bucket, key string, b []byte, contentType string) (*ports.PutResult, error) {
	sum := sha256.Sum256(b)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(b),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, cerrors.NewStorage("uploading object "+bucket+"/"+key, err)
	}
	return &ports.PutResult{Size: int64(len(b)), SHA256: hex.EncodeToString(sum[:])}, nil
}

// GetJSON loads and decodes an object
func (s *Store) GetJSON(ctx context.Context, bucket, key string, out interface{}) error {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return cerrors.NewNotFound("object", bucket+"/"+key)
		}
		return cerrors.NewStorage("reading object "+bucket+"/"+key, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return cerrors.NewStorage("reading object body "+key, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return cerrors.NewStorage("decoding payload for "+key, err)
	}
	return nil
}

// Del removes an object; S3 deletes are idempotent
func (s *Store) Del(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return cerrors.NewStorage("deleting object "+bucket+"/"+key, err)
	}
	return nil
}

// List returns keys under a prefix in lexical order
func (s *Store) List(ctx context.Context, bucket, prefix string, limit int) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	keys := make([]string, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, cerrors.NewStorage("listing objects under "+prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}
	}
	return keys, nil
}

// Copy duplicates an object server-side
func (s *Store) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + srcKey),
	})
	if err != nil {
		return cerrors.NewStorage("copying object "+srcBucket+"/"+srcKey, err)
	}
	return nil
}

// PresignGet returns a signed download URL valid for ttl
func (s *Store) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", cerrors.NewStorage("presigning object "+bucket+"/"+key, err)
	}
	return req.URL, nil
}

var _ ports.ObjectStore = (*Store)(nil)
