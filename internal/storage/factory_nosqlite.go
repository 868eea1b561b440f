//go:build !sqlite

package storage

import "fmt"

// DefaultStoreKind is the backend used when none is requested.
func DefaultStoreKind() string { return KindMemory }

func newSQLiteStore(_ string) (Store, error) {
	return nil, fmt.Errorf("%w: sqlite needs a build with -tags sqlite", ErrUnsupportedStore)
}
