// Package repotest opens throwaway SQLite stores for package tests.
package repotest

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/core-coin/pecunia/internal/repository"
	"github.com/core-coin/pecunia/pkg/logger"
)

// NewStore returns a migrated store backed by a file in t.TempDir().
func NewStore(t testing.TB) *repository.Store {
	t.Helper()
	store, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "pecunia.db"), logger.NewNop())
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// NewDB is NewStore(t).Conn.
func NewDB(t testing.TB) *gorm.DB {
	return NewStore(t).Conn
}
