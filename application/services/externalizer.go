// Package services holds the application services the write and read sagas
// compose: payload externalization and entity enrichment.
package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/chronos-store/chronos/application/ports"
	domaincfg "github.com/chronos-store/chronos/domain/config"
	"github.com/chronos-store/chronos/domain/core/entities"
	"github.com/chronos-store/chronos/domain/versioning"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
)

// Externalizer moves configured base64 payload fields into the object store
// before the payload itself is written, replacing each field with a blob
// reference.
type Externalizer struct {
	logger *zap.Logger
}

// NewExternalizer creates an externalizer
func NewExternalizer(logger *zap.Logger) *Externalizer {
	return &Externalizer{logger: logger}
}

// Result reports what externalization wrote
type Result struct {
	// WrittenKeys lists every object key written, for compensation when the
	// surrounding write fails later.
	WrittenKeys []string
}

// Apply externalizes every configured base64 property present in the payload.
// The payload is mutated in place: each externalized field is replaced with
// its blob reference. Fields configured but absent are skipped; fields
// present but not valid base64 fail the write before anything is stored.
func (e *Externalizer) Apply(
	ctx context.Context,
	store ports.ObjectStore,
	bucket string,
	collection string,
	idHex string,
	ov int64,
	payload map[string]interface{},
	props map[string]domaincfg.Base64Prop,
) (*Result, error) {
	res := &Result{}
	if len(props) == 0 {
		return res, nil
	}

	for name, prop := range props {
		raw, present := payload[name]
		if !present || raw == nil {
			continue
		}
		encoded, ok := raw.(string)
		if !ok {
			return res, cerrors.NewValidationf("property %q is configured for externalization but is not a string", name)
		}

		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return res, cerrors.NewValidationf("property %q is not valid base64", name)
		}

		ext := "bin"
		contentType := prop.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if prop.PreferredText && textValid(decoded, prop.Charset) {
			ext = "txt"
		}

		key := versioning.BlobKey(collection, idHex, ov, name, ext)
		put, err := store.PutBytes(ctx, bucket, key, decoded, contentType)
		if err != nil {
			return res, cerrors.NewExternalization("storing blob for property "+name, err)
		}
		res.WrittenKeys = append(res.WrittenKeys, key)

		payload[name] = blobRefValue(&entities.BlobRef{
			Bucket:      bucket,
			Key:         key,
			Size:        put.Size,
			ContentType: contentType,
			SHA256:      put.SHA256,
		})

		e.logger.Debug("Externalized payload property",
			zap.String("collection", collection),
			zap.String("property", name),
			zap.String("key", key),
			zap.Int64("size", put.Size),
		)
	}
	return res, nil
}

// Compensate deletes the blobs a failed write left behind. Best effort;
// delete failures are logged and swallowed because the write itself already
// failed.
func (e *Externalizer) Compensate(ctx context.Context, store ports.ObjectStore, bucket string, writtenKeys []string) {
	for _, key := range writtenKeys {
		if err := store.Del(ctx, bucket, key); err != nil {
			e.logger.Warn("Leaving orphaned blob behind",
				zap.String("bucket", bucket),
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

// textValid reports whether decoded bytes are valid text in the configured
// charset. Only utf-8 (the default) is checked; unknown charsets fall back
// to binary.
func textValid(b []byte, charset string) bool {
	switch charset {
	case "", "utf-8", "utf8", "UTF-8":
		return utf8.Valid(b)
	}
	return false
}

// blobRefValue converts a blob reference to the generic map shape payloads
// use, so re-encoding the payload keeps a stable field order.
func blobRefValue(ref *entities.BlobRef) map[string]interface{} {
	b, _ := json.Marshal(ref)
	out := make(map[string]interface{})
	_ = json.Unmarshal(b, &out)
	return out
}
