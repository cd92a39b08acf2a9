package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/papercorpus/internal/artifacts"
)

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// It reports whether the object was written.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte) (bool, error) {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			zap.L().Info("Object already exists, skipping.", zap.String("gcsObject", objectName))
			return false, nil
		}
		return false, eris.Wrapf(err, "failed to write to GCS object %s", objectName)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			zap.L().Info("Object already exists, skipping.", zap.String("gcsObject", objectName))
			return false, nil
		}
		return false, eris.Wrapf(err, "failed to finalize GCS write for %s", objectName)
	}
	return true, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}

// GCSStore implements artifacts.Store on one prefix of a bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore stores objects as gs://bucket/prefix/key.
func NewGCSStore(client *storage.Client, bucket, prefix string) *GCSStore {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}
}

// NewGCSStores lays the run namespaces out under prefix in bucket.
func NewGCSStores(client *storage.Client, bucket, prefix string) artifacts.Stores {
	return artifacts.NewStores(func(namespace string) artifacts.Store {
		return NewGCSStore(client, bucket, path.Join(prefix, namespace))
	})
}

func (s *GCSStore) object(key string) (*storage.ObjectHandle, error) {
	if err := artifacts.ValidateKey(key); err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucket).Object(s.prefix + key), nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	obj, err := s.object(key)
	if err != nil {
		return err
	}
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return eris.Wrapf(err, "io.Copy to GCS failed for %s", s.URI(key))
	}
	if err := w.Close(); err != nil {
		return eris.Wrapf(err, "failed to close GCS writer (finalize upload) for %s", s.URI(key))
	}
	return nil
}

func (s *GCSStore) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	if err := artifacts.ValidateKey(key); err != nil {
		return false, err
	}
	return SaveToGCSAtomically(ctx, s.client.Bucket(s.bucket), s.prefix+key, data)
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.object(key)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, eris.Wrapf(artifacts.ErrNotFound, "artifacts: %s", s.URI(key))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "failed to get GCS object reader for %s", s.URI(key))
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read GCS object %s", s.URI(key))
	}
	return data, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	obj, err := s.object(key)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return eris.Wrapf(err, "failed to delete %s", s.URI(key))
	}
	return nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	obj, err := s.object(key)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "failed to stat %s", s.URI(key))
	}
	return true, nil
}

func (s *GCSStore) List(ctx context.Context, suffix string) ([]string, error) {
	query := &storage.Query{Prefix: s.prefix, Delimiter: "/"}
	it := s.client.Bucket(s.bucket).Objects(ctx, query)

	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "failed to list objects in gs://%s/%s", s.bucket, s.prefix)
		}
		// Prefix-only entries are "directories" of nested namespaces.
		if attrs.Name == "" {
			continue
		}
		key := strings.TrimPrefix(attrs.Name, s.prefix)
		if strings.HasSuffix(key, suffix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *GCSStore) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s%s", s.bucket, s.prefix, key)
}
