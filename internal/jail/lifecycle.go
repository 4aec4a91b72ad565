package jail

import (
	"context"
	"fmt"
)

const (
	opStart   = "start"
	opStop    = "stop"
	opRestart = "restart"
	opDestroy = "destroy"
)

// Start starts a stopped jail. Starting a running or missing jail fails with
// ErrInvalidState; a missing jail also matches ErrNotFound.
func (e *Engine) Start(ctx context.Context, name string) error {
	status, err := e.guard(ctx, opStart, name)
	if err != nil {
		return err
	}
	if status == StatusRunning {
		return fmt.Errorf("%w: jail %s is already running", ErrInvalidState, name)
	}
	return e.transition(ctx, name, opStart)
}

// Stop stops a running jail. Stopping a stopped or missing jail fails with
// ErrInvalidState; a missing jail also matches ErrNotFound.
func (e *Engine) Stop(ctx context.Context, name string) error {
	status, err := e.guard(ctx, opStop, name)
	if err != nil {
		return err
	}
	if status != StatusRunning {
		return fmt.Errorf("%w: jail %s is not running", ErrInvalidState, name)
	}
	return e.transition(ctx, name, opStop)
}

// Restart leaves the jail running whatever its prior state: a stopped jail is
// started, a running one restarted.
func (e *Engine) Restart(ctx context.Context, name string) error {
	status, err := e.guard(ctx, opRestart, name)
	if err != nil {
		return err
	}
	if status == StatusStopped {
		return e.transition(ctx, name, opStart)
	}
	return e.transition(ctx, name, opRestart)
}

// Destroy removes a jail. A running jail is stopped by the manager as part of
// the destroy.
func (e *Engine) Destroy(ctx context.Context, name string) error {
	if _, err := e.guard(ctx, opDestroy, name); err != nil {
		return err
	}
	return e.transition(ctx, name, opDestroy)
}

// Update applies the latest patch set to an existing jail.
func (e *Engine) Update(ctx context.Context, name string, packages bool) error {
	if _, err := e.guard(ctx, "update", name); err != nil {
		return err
	}
	if err := e.manager.Update(ctx, name, packages); err != nil {
		return managerError("update", name, err)
	}
	e.logger.Printf("jail=%s updated packages=%t", name, packages)
	return nil
}

// Fetch downloads a release through the manager.
func (e *Engine) Fetch(ctx context.Context, release string) error {
	if err := e.manager.Fetch(ctx, release); err != nil {
		return managerError("fetch", release, err)
	}
	e.logger.Printf("release=%q fetched", release)
	return nil
}

// guard rejects the defaults template and missing jails, and returns the
// current status otherwise.
func (e *Engine) guard(ctx context.Context, op, name string) (Status, error) {
	if IsDefaults(name) {
		return "", fmt.Errorf("%w: cannot %s the defaults template", ErrInvalidArgument, op)
	}
	status, err := e.Status(ctx, name)
	if err != nil {
		return "", err
	}
	if status != StatusAbsent {
		return status, nil
	}
	switch op {
	case opStart, opStop:
		return "", fmt.Errorf("%w: %w: jail %s does not exist", ErrInvalidState, ErrNotFound, name)
	default:
		return "", fmt.Errorf("%w: jail %s does not exist", ErrNotFound, name)
	}
}

// transition issues one lifecycle primitive without re-checking preconditions.
func (e *Engine) transition(ctx context.Context, name, op string) error {
	var err error
	switch op {
	case opStart:
		err = e.manager.Start(ctx, name)
	case opStop:
		err = e.manager.Stop(ctx, name)
	case opRestart:
		err = e.manager.Restart(ctx, name)
	case opDestroy:
		err = e.manager.Destroy(ctx, name)
	default:
		return fmt.Errorf("%w: unknown lifecycle operation %q", ErrInvalidArgument, op)
	}
	e.metrics.IncLifecycle(op, err)
	if err != nil {
		e.logger.Printf("jail=%s %s failed: %v", name, op, err)
		return managerError(op, name, err)
	}
	e.logger.Printf("jail=%s %s", name, op)
	return nil
}
