// Package jail is the reconciliation core: it inspects jails, computes and
// applies property change sets, drives the start/stop lifecycle and
// provisions new jails, all through an iocage.Manager.
//
// The engine holds no state between calls. Callers must serialize operations
// on the same jail name; the jail manager is the only arbiter of concurrent
// access.
package jail

import (
	"log"

	"github.com/jailkeeper/jailkeeper/internal/iocage"
	"github.com/jailkeeper/jailkeeper/internal/metrics"
)

// Engine composes the inspector, reconciler, lifecycle controller and
// provisioner over one jail manager.
type Engine struct {
	manager iocage.Manager
	logger  *log.Logger
	metrics *metrics.Metrics
	catalog Catalog
}

// NewEngine builds an engine with the default catalog.
func NewEngine(manager iocage.Manager, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		manager: manager,
		logger:  logger,
		catalog: DefaultCatalog(),
	}
}

// WithMetrics wires optional Prometheus metrics.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	if e == nil {
		return e
	}
	e.metrics = m
	return e
}

// WithCatalog replaces the static property catalog.
func (e *Engine) WithCatalog(c Catalog) *Engine {
	if e == nil {
		return e
	}
	e.catalog = c
	return e
}

// Manager returns the underlying jail manager.
func (e *Engine) Manager() iocage.Manager {
	return e.manager
}
