// Package gcs implements the blob Store on a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"bakeops/internal/blob/core"
)

// Environment variables read by OpenFromEnv.
const (
	EnvBucket       = "BAKEOPS_BLOB_GCS_BUCKET"
	EnvEmulatorHost = "STORAGE_EMULATOR_HOST"
)

// Store implements core.Store against a single bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// Config holds explicit construction parameters.
type Config struct {
	Bucket string
	// Endpoint overrides the API endpoint, e.g. a fake-gcs-server URL.
	Endpoint string
	// Anonymous disables credential lookup; used with emulators.
	Anonymous bool
}

// New creates a GCS blob store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket required")
	}
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// OpenFromEnv constructs a GCS store from process environment. When
// STORAGE_EMULATOR_HOST is set the client talks to the emulator anonymously.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv(EnvBucket)
	if bucket == "" {
		return nil, fmt.Errorf("%s required for gcs driver", EnvBucket)
	}
	return New(ctx, Config{Bucket: bucket, Anonymous: strings.TrimSpace(os.Getenv(EnvEmulatorHost)) != ""})
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

// Driver returns the blob driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverGCS }

// Put writes with a does-not-exist precondition so existing keys are never replaced.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.Metadata = core.CloneMetadata(opts.Metadata)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return core.Info{}, fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return core.Info{}, core.Exists(key)
		}
		return core.Info{}, fmt.Errorf("close %s: %w", key, err)
	}
	return toInfo(w.Attrs()), nil
}

// Get reads the object attributes then opens a reader.
func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return core.Info{}, nil, err
	}
	rc, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return core.Info{}, nil, mapErr(key, err)
	}
	return info, rc, nil
}

// Head returns object attributes including user metadata.
func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		return core.Info{}, mapErr(key, err)
	}
	return toInfo(attrs), nil
}

// Delete removes the object reporting whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return true, nil
}

// List iterates objects under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var infos []core.Info
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		infos = append(infos, toInfo(attrs))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// PresignURL returns a V4 signed GET URL; it needs signing credentials.
func (s *Store) PresignURL(_ context.Context, key string, opts core.SignedURLOptions) (string, error) {
	if opts.Method != "" && !strings.EqualFold(opts.Method, http.MethodGet) {
		return "", core.ErrUnsupported
	}
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(expiry),
		Scheme:  storage.SigningSchemeV4,
	})
}

func mapErr(key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return core.NotFound(key)
	}
	return fmt.Errorf("gcs %s: %w", key, err)
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func toInfo(attrs *storage.ObjectAttrs) core.Info {
	if attrs == nil {
		return core.Info{}
	}
	return core.Info{
		Key:          attrs.Name,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		ETag:         strings.Trim(attrs.Etag, `"`),
		Metadata:     core.CloneMetadata(attrs.Metadata),
		LastModified: attrs.Updated.UTC(),
	}
}
