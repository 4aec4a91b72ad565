package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	testutil "github.com/jailkeeper/jailkeeper/internal/testing"
)

// openTestStore opens a history database in a per-test directory and closes
// it when the test completes.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := testutil.MkdirTempInDir(t, t.TempDir())
	store, err := Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
