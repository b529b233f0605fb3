package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type GCSConfig struct {
	Bucket          string
	CredentialsFile string
}

type GCS struct {
	client *storage.Client
	bucket string
}

func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs blob store: bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCS{client: client, bucket: cfg.Bucket}, nil
}

func (g *GCS) Put(ctx context.Context, data []byte) (string, error) {
	hash := Hash(data)
	name, err := objectName(hash)
	if err != nil {
		return "", err
	}
	// Existing content is never rewritten; the precondition failure is the
	// success path for a duplicate put.
	w := g.client.Bucket(g.bucket).Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("writing object %s: %w", name, err)
	}
	if err := w.Close(); err != nil && !isPreconditionFailed(err) {
		return "", fmt.Errorf("closing object %s: %w", name, err)
	}
	return hash, nil
}

func (g *GCS) Get(ctx context.Context, hash string) ([]byte, error) {
	name, err := objectName(hash)
	if err != nil {
		return nil, err
	}
	r, err := g.client.Bucket(g.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", name, err)
	}
	return data, verify(hash, data)
}

func (g *GCS) Delete(ctx context.Context, hash string) error {
	name, err := objectName(hash)
	if err != nil {
		return err
	}
	err = g.client.Bucket(g.bucket).Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting object %s: %w", name, err)
	}
	return nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
