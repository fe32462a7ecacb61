//go:build !sqlite

package storage

import "fmt"

func newSQLiteStore(path string) (Store, error) {
	return nil, fmt.Errorf("%w: sqlite database %q needs a build with -tags sqlite; use the file store instead", ErrUnsupportedBackend, path)
}
