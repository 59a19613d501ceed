package storage

import (
	"context"
	"fmt"
)

// Open returns the DataStore for driver: postgres, sqlite or memory.
func Open(ctx context.Context, driver, dbPath string) (DataStore, error) {
	switch driver {
	case "postgres":
		return NewPostgres()
	case "sqlite":
		return New(dbPath)
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("storage: unknown driver %q", driver)
}

// OpenLocker returns the record locker for kind (redis or local) and a close func.
func OpenLocker(ctx context.Context, kind string) (Locker, func() error, error) {
	switch kind {
	case "redis":
		rdb, err := NewRedisClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisLocker(rdb, ""), rdb.Close, nil
	case "local":
		return NewLocalLocker(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("storage: unknown locker %q", kind)
}
