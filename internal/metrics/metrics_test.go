package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveReconcile("managed", "true", time.Second)
	m.IncPropertyWrite(true)
	m.IncLifecycle("start", nil)
	m.IncCreate("full", true)
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteTextfile("/nonexistent/file.prom"))
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveReconcile("managed", "true", 150*time.Millisecond)
	m.ObserveReconcile("managed", "true", time.Second)
	m.ObserveReconcile("property", "", time.Second)
	m.IncPropertyWrite(true)
	m.IncPropertyWrite(false)
	m.IncLifecycle("start", nil)
	m.IncLifecycle("stop", errors.New("boom"))
	m.IncCreate("full", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconcileTotal.WithLabelValues("managed", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileTotal.WithLabelValues("property", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.propertyWrites.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycleTotal.WithLabelValues("stop", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.createdTotal.WithLabelValues("full", "success")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.IncLifecycle("restart", nil)
	path := filepath.Join(t.TempDir(), "jailkeeper.prom")

	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `jailkeeper_lifecycle_total{op="restart",result="success"} 1`))

	assert.Error(t, m.WriteTextfile(" "))
}
