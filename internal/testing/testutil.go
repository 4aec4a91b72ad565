// ABOUTME: Package testing provides shared helpers for jailkeeper tests.
//
// Key utilities:
//   - Fixtures: FixedTime, TestJail, TestRelease, TestTemplate
//   - Manager seeding: NewManager with JailOpts
//   - File helpers: TempFile, MkdirTempInDir
//   - Assertions: AssertJSONEqual, RequireNoRows
//
// The package is designed to work with github.com/stretchr/testify.
package testing

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jailkeeper/jailkeeper/internal/iocage"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

const (
	TestJail     = "web1"
	TestRelease  = "13.2-RELEASE"
	TestTemplate = "base-tpl"
)

// JailOpts describes a jail seeded into a fake manager.
type JailOpts struct {
	Name       string
	Running    bool
	Template   bool
	Properties []string // alternating names and values
}

// NewManager returns a FakeManager with TestRelease fetched and the given
// jails seeded.
func NewManager(jails ...JailOpts) *iocage.FakeManager {
	fake := iocage.NewFakeManager()
	fake.AddRelease(TestRelease)
	for _, j := range jails {
		if j.Template {
			fake.AddTemplate(j.Name, j.Properties...)
			continue
		}
		fake.AddJail(j.Name, j.Running, j.Properties...)
	}
	fake.ResetCalls()
	return fake
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// AssertJSONEqual asserts that two values marshal to semantically equal JSON.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")
	assert.JSONEq(t, string(wantBytes), string(gotBytes), msgAndArgs...)
}

// TempFile writes content to name inside a fresh temporary directory with
// owner-only permissions and returns its path.
func TempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write temp file")
	return path
}

// MkdirTempInDir creates a temporary directory under parentDir, removed when
// the test completes.
func MkdirTempInDir(t *testing.T, parentDir string) string {
	t.Helper()
	path, err := os.MkdirTemp(parentDir, "testdir*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		_ = os.RemoveAll(path)
	})
	return path
}

// RequireNoRows asserts that a COUNT(*) query returns zero.
func RequireNoRows(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	var count int
	require.NoError(t, db.QueryRow(query, args...).Scan(&count), "failed to query rows")
	require.Equal(t, 0, count, "expected no rows")
}
