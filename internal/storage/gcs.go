package storage

import (
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// GCSStore implements Store using Google Cloud Storage
type GCSStore struct {
	client     *storage.Client
	bucketName string
	baseDir    string
}

// NewGCSStore creates a GCS backed store.
// projectID: GCP project, used for logging only since the bucket is addressed by name
// bucketName: the GCS bucket name
// baseDir: prefix within the bucket (e.g. "snapshots")
func NewGCSStore(ctx context.Context, projectID, bucketName, baseDir string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create GCS client")
	}

	// Verify bucket exists
	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "access bucket %s (project %s)", bucketName, projectID)
	}

	return &GCSStore{
		client:     client,
		bucketName: bucketName,
		baseDir:    strings.Trim(baseDir, "/"),
	}, nil
}

// Put uploads data, sniffing the content type from the bytes
func (s *GCSStore) Put(ctx context.Context, path string, data []byte) error {
	w := s.object(path).NewWriter(ctx)
	w.ContentType = mimetype.Detect(data).String()
	w.CacheControl = "no-cache"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return errors.Wrap(err, "write to GCS")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "close GCS writer")
	}
	return nil
}

// Get downloads an object
func (s *GCSStore) Get(ctx context.Context, path string) ([]byte, error) {
	r, err := s.object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errors.Wrap(ErrNotFound, path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read from GCS")
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read data")
	}
	return data, nil
}

// Delete deletes an object from GCS
func (s *GCSStore) Delete(ctx context.Context, path string) error {
	err := s.object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrap(err, "delete from GCS")
	}
	return nil
}

// Exists checks if an object exists in GCS
func (s *GCSStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.object(path).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "check GCS object")
	}
	return true, nil
}

// List lists objects directly under dir
func (s *GCSStore) List(ctx context.Context, dir string) ([]string, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(s.bucketName).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var files []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "list GCS objects")
		}
		// Synthetic directory entries only carry a prefix
		if attrs.Name == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(attrs.Name, prefix))
	}
	return files, nil
}

// Close closes the GCS client
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(s.fullPath(path))
}

func (s *GCSStore) fullPath(path string) string {
	path = strings.Trim(path, "/")
	if s.baseDir == "" {
		return path
	}
	if path == "" {
		return s.baseDir
	}
	return s.baseDir + "/" + path
}
