package blob

import (
	"context"
	"fmt"
	"os"

	infrafs "bakeops/internal/infra/blob/fs"
	infragcs "bakeops/internal/infra/blob/gcs"
	inframemory "bakeops/internal/infra/blob/memory"
	infraS3 "bakeops/internal/infra/blob/s3"
)

// Environment variables consulted by Open. Driver specific variables live
// next to each driver.
const (
	EnvDriver = "BAKEOPS_BLOB_DRIVER"
	EnvFSRoot = "BAKEOPS_BLOB_FS_ROOT"
)

// Open selects a Store implementation from the environment.
//
//	BAKEOPS_BLOB_DRIVER: fs|s3|gcs|memory (default fs)
//	BAKEOPS_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
func Open(ctx context.Context) (Store, error) {
	return OpenDriver(ctx, Driver(os.Getenv(EnvDriver)))
}

// OpenDriver constructs the named driver; an empty name selects the filesystem.
func OpenDriver(ctx context.Context, driver Driver) (Store, error) {
	switch driver {
	case "", DriverFilesystem:
		return NewFilesystem(os.Getenv(EnvFSRoot))
	case DriverS3:
		return infraS3.OpenFromEnv(ctx)
	case DriverGCS:
		return infragcs.OpenFromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}

// NewFilesystem constructs a filesystem-backed Store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return infrafs.New(root)
}

// NewMemory returns an in-memory Store.
func NewMemory() Store { return inframemory.New() }

// S3Config configures an S3-compatible driver.
type S3Config = infraS3.Config

// NewS3 constructs an S3-backed Store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return infraS3.New(ctx, cfg)
}

// NewMockS3ForTests exposes the in-process S3 fake for cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }

// GCSConfig configures a Google Cloud Storage driver.
type GCSConfig = infragcs.Config

// NewGCS constructs a GCS-backed Store.
func NewGCS(ctx context.Context, cfg GCSConfig) (Store, error) {
	return infragcs.New(ctx, cfg)
}
