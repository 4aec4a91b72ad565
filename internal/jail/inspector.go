package jail

import (
	"context"
	"errors"

	"github.com/jailkeeper/jailkeeper/internal/iocage"
	"github.com/jailkeeper/jailkeeper/internal/props"
)

// Status is the lifecycle state of a jail.
type Status string

const (
	StatusAbsent  Status = "absent"
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Exists reports whether a jail with the given name is known to the manager.
// The defaults template always exists.
func (e *Engine) Exists(ctx context.Context, name string) (bool, error) {
	if IsDefaults(name) {
		return true, nil
	}
	ok, err := e.manager.Exists(ctx, name)
	if err != nil {
		return false, managerError("exists", name, err)
	}
	return ok, nil
}

// Properties returns the full property map of a jail or of the defaults
// template. found is false when the jail does not exist; that is not an error.
func (e *Engine) Properties(ctx context.Context, name string) (m *props.Map, found bool, err error) {
	m, err = e.manager.Properties(ctx, managerName(name))
	if err != nil {
		if errors.Is(err, iocage.ErrJailNotFound) {
			return nil, false, nil
		}
		return nil, false, managerError("get", name, err)
	}
	return m, true, nil
}

// Property returns one property value. found is false when either the jail or
// the property does not exist.
func (e *Engine) Property(ctx context.Context, name, key string) (value string, found bool, err error) {
	m, ok, err := e.Properties(ctx, name)
	if err != nil || !ok {
		return "", false, err
	}
	value, found = m.Get(key)
	return value, found, nil
}

// Status returns the lifecycle state of a jail.
// ABOUTME: Liveness is read from the "state" property ("up" means running);
// the jail id is not consulted.
func (e *Engine) Status(ctx context.Context, name string) (Status, error) {
	m, ok, err := e.Properties(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return StatusAbsent, nil
	}
	return statusOf(m), nil
}

// List returns the jails, templates or releases known to the manager.
func (e *Engine) List(ctx context.Context, scope iocage.Scope) ([]iocage.Record, error) {
	records, err := e.manager.List(ctx, scope)
	if err != nil {
		return nil, managerError("list", string(scope), err)
	}
	return records, nil
}

// Validate checks desired property names against the catalog. Names unknown
// to the static catalog are accepted when the defaults template carries them.
func (e *Engine) Validate(ctx context.Context, desired *props.Map) error {
	if len(e.catalog.Unknown(desired)) == 0 {
		return nil
	}
	defaults, ok, err := e.Properties(ctx, DefaultsTarget)
	if err != nil {
		return err
	}
	catalog := e.catalog
	if ok {
		catalog = catalog.With(defaults.Keys()...)
	}
	return catalog.Validate(desired)
}

func statusOf(m *props.Map) Status {
	if m.Value(StateProperty) == StateUp {
		return StatusRunning
	}
	return StatusStopped
}
