package backup

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"google.golang.org/api/iterator"
)

// GCSObjects stores offsite copies in a Cloud Storage bucket under a cold
// storage class.
type GCSObjects struct {
	bucket       *storage.BucketHandle
	storageClass string
}

// NewGCSObjects wraps bucket. An empty storageClass uses COLDLINE.
func NewGCSObjects(client *storage.Client, bucket, storageClass string) *GCSObjects {
	if storageClass == "" {
		storageClass = "COLDLINE"
	}
	return &GCSObjects{bucket: client.Bucket(bucket), storageClass: storageClass}
}

func (g *GCSObjects) Put(ctx context.Context, key string, data []byte) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	w.StorageClass = g.storageClass
	w.ContentType = "application/zstd"
	if _, err := w.Write(data); err != nil {
		w.Close() //nolint:errcheck
		return eris.Wrapf(err, "gcs: write %s", key)
	}
	return eris.Wrapf(w.Close(), "gcs: commit %s", key)
}

func (g *GCSObjects) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "gcs: open %s", key)
	}
	defer r.Close() //nolint:errcheck
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrapf(err, "gcs: read %s", key)
	}
	return data, nil
}

func (g *GCSObjects) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var out []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, eris.Wrapf(err, "gcs: list %s", prefix)
		}
		out = append(out, ObjectInfo{Key: attrs.Name, Size: attrs.Size, Modified: attrs.Created})
	}
}

func (g *GCSObjects) Delete(ctx context.Context, key string) error {
	err := g.bucket.Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return eris.Wrapf(err, "gcs: delete %s", key)
}
