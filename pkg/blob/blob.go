// Package blob fetches evidence content by storage reference. Three schemes
// are supported: local files (file:// or a bare path), s3://bucket/key, and
// gs://bucket/object. Cloud clients are created on first use so deployments
// without cloud evidence never need credentials.
package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxBlobSize bounds a single evidence fetch at 64 MiB.
const maxBlobSize = 64 << 20

// Fetcher resolves a storage reference to its content.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Store dispatches fetches by reference scheme.
type Store struct {
	logger *slog.Logger

	s3Once sync.Once
	s3     *s3.Client
	s3Err  error

	gcsOnce sync.Once
	gcs     *storage.Client
	gcsErr  error
}

func NewStore(logger *slog.Logger) *Store {
	return &Store{logger: logger.With("component", "blob_store")}
}

func (s *Store) Fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		return s.fetchS3(ctx, strings.TrimPrefix(ref, "s3://"))
	case strings.HasPrefix(ref, "gs://"):
		return s.fetchGCS(ctx, strings.TrimPrefix(ref, "gs://"))
	case strings.HasPrefix(ref, "file://"):
		return s.fetchFile(strings.TrimPrefix(ref, "file://"))
	case ref == "":
		return nil, fmt.Errorf("blob: empty storage reference")
	default:
		return s.fetchFile(ref)
	}
}

func (s *Store) fetchFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return readBounded(f, path)
}

func (s *Store) fetchS3(ctx context.Context, ref string) ([]byte, error) {
	s.s3Once.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			s.s3Err = fmt.Errorf("blob: load aws config: %w", err)
			return
		}
		s.s3 = s3.NewFromConfig(cfg)
	})
	if s.s3Err != nil {
		return nil, s.s3Err
	}

	bucket, key, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("blob: s3 get %s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return readBounded(out.Body, ref)
}

func (s *Store) fetchGCS(ctx context.Context, ref string) ([]byte, error) {
	s.gcsOnce.Do(func() {
		client, err := storage.NewClient(ctx)
		if err != nil {
			s.gcsErr = fmt.Errorf("blob: gcs client: %w", err)
			return
		}
		s.gcs = client
	})
	if s.gcsErr != nil {
		return nil, s.gcsErr
	}

	bucket, object, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := s.gcs.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: gcs read %s/%s: %w", bucket, object, err)
	}
	defer func() { _ = r.Close() }()
	return readBounded(r, ref)
}

func splitRef(ref string) (bucket, key string, err error) {
	i := strings.IndexByte(ref, '/')
	if i <= 0 || i == len(ref)-1 {
		return "", "", fmt.Errorf("blob: malformed reference %q", ref)
	}
	return ref[:i], ref[i+1:], nil
}

func readBounded(r io.Reader, ref string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", ref, err)
	}
	if len(data) > maxBlobSize {
		return nil, fmt.Errorf("blob: %s exceeds %d bytes", ref, maxBlobSize)
	}
	return data, nil
}
