package core

import (
	"context"
	"fmt"
	"os"

	"bakeops/internal/infra/persistence/memory"
	"bakeops/internal/infra/persistence/postgres"
	"bakeops/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// Environment variables read by OpenPersistentStore.
const (
	EnvStorageDriver = "BAKEOPS_STORAGE_DRIVER"
	EnvSQLitePath    = "BAKEOPS_SQLITE_PATH"
	EnvPostgresDSN   = "BAKEOPS_POSTGRES_DSN"
)

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	BAKEOPS_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	BAKEOPS_SQLITE_PATH: path to sqlite file (default ./bakeops.db)
//	BAKEOPS_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(ctx context.Context, engine *RulesEngine) (PersistentStore, error) {
	return OpenStorage(ctx, StorageDriver(os.Getenv(EnvStorageDriver)), os.Getenv(EnvSQLitePath), os.Getenv(EnvPostgresDSN), engine)
}

// OpenStorage opens the named driver. An empty driver selects sqlite.
func OpenStorage(ctx context.Context, driver StorageDriver, sqlitePath, postgresDSN string, engine *RulesEngine) (PersistentStore, error) {
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(sqlitePath, engine)
	case StoragePostgres:
		return postgres.NewStore(ctx, postgresDSN, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
