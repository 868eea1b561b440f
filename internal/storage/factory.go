package storage

import (
	"errors"
	"fmt"
)

const (
	KindMemory = "memory"
	KindSQLite = "sqlite"

	// DefaultDBPath is the SQLite file used when no path is given.
	DefaultDBPath = "arcnca.db"
)

// ErrUnsupportedStore reports a backend kind this build cannot open.
var ErrUnsupportedStore = errors.New("unsupported store backend")

// NewStore opens the run store of the given kind. An empty kind selects
// DefaultStoreKind, and an empty path selects DefaultDBPath.
func NewStore(kind, sqlitePath string) (Store, error) {
	if kind == "" {
		kind = DefaultStoreKind()
	}
	switch kind {
	case KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		if sqlitePath == "" {
			sqlitePath = DefaultDBPath
		}
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStore, kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
