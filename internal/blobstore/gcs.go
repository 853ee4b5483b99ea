package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCS stores blobs as bucket objects at <container>/<name>. Credentials come
// from the ambient service account, same as everything else on the deploy.
type GCS struct {
	client *storage.Client
	bucket string
}

func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) object(container, name string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(container + "/" + name)
}

func (g *GCS) Put(ctx context.Context, container, name string, data []byte) error {
	w := g.object(container, name).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (g *GCS) Get(ctx context.Context, container, name string) ([]byte, error) {
	r, err := g.object(container, name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCS) Delete(ctx context.Context, container, name string) error {
	err := g.object(container, name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (g *GCS) Close() error {
	return g.client.Close()
}
