package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gcsScheme = "gs://"

// GCSStore keeps artifacts in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	owned  bool
}

// NewGCSStore dials Cloud Storage with application default credentials unless options say otherwise.
func NewGCSStore(ctx context.Context, bucket string, prefix string, options ...option.ClientOption) (*GCSStore, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	store, err := NewGCSStoreWithClient(client, bucket, prefix)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewGCSStoreWithClient uses a caller-managed client.
func NewGCSStoreWithClient(client *storage.Client, bucket string, prefix string) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("gcs client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		if _, err := cleanKey(prefix); err != nil {
			return nil, fmt.Errorf("gcs prefix: %w", err)
		}
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

// CheckBucket verifies the bucket is reachable with the current credentials.
func (store *GCSStore) CheckBucket(ctx context.Context) error {
	if _, err := store.client.Bucket(store.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %q not accessible: %w", store.bucket, err)
	}
	return nil
}

// Put uploads data and returns a gs:// reference.
func (store *GCSStore) Put(ctx context.Context, key string, contentType string, data []byte) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	objectName := cleaned
	if store.prefix != "" {
		objectName = store.prefix + "/" + cleaned
	}
	writer := store.client.Bucket(store.bucket).Object(objectName).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finish artifact upload: %w", err)
	}
	return gcsScheme + store.bucket + "/" + objectName, nil
}

// Open streams the object behind ref.
func (store *GCSStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	objectName, err := store.objectFromRef(ref)
	if err != nil {
		return nil, err
	}
	reader, err := store.client.Bucket(store.bucket).Object(objectName).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return reader, nil
}

// Delete removes the object; a missing object is not an error.
func (store *GCSStore) Delete(ctx context.Context, ref string) error {
	objectName, err := store.objectFromRef(ref)
	if err != nil {
		return err
	}
	err = store.client.Bucket(store.bucket).Object(objectName).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// Close releases the client when the store created it.
func (store *GCSStore) Close() error {
	if !store.owned {
		return nil
	}
	return store.client.Close()
}

func (store *GCSStore) objectFromRef(ref string) (string, error) {
	bucket, objectName, err := parseGCSRef(ref)
	if err != nil {
		return "", err
	}
	if bucket != store.bucket {
		return "", fmt.Errorf("%w: bucket %q is not %q", ErrInvalidRef, bucket, store.bucket)
	}
	return objectName, nil
}

func parseGCSRef(ref string) (string, string, error) {
	if !strings.HasPrefix(ref, gcsScheme) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	bucket, objectName, found := strings.Cut(strings.TrimPrefix(ref, gcsScheme), "/")
	if !found || bucket == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	cleaned, err := cleanKey(objectName)
	if err != nil || cleaned != objectName {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return bucket, cleaned, nil
}
