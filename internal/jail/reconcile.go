package jail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jailkeeper/jailkeeper/internal/props"
)

// Change is one property difference between current and desired values.
type Change struct {
	Key string `json:"-"`
	Old string `json:"old"`
	New string `json:"new"`
}

// ChangeSet is an ordered list of property changes. It never references a
// read-only property or the state pseudo property.
type ChangeSet []Change

// Keys returns the changed property names in order.
func (cs ChangeSet) Keys() []string {
	keys := make([]string, 0, len(cs))
	for _, c := range cs {
		keys = append(keys, c.Key)
	}
	return keys
}

// Get returns the change for key.
func (cs ChangeSet) Get(key string) (Change, bool) {
	for _, c := range cs {
		if c.Key == key {
			return c, true
		}
	}
	return Change{}, false
}

// Has reports whether key is changed.
func (cs ChangeSet) Has(key string) bool {
	_, ok := cs.Get(key)
	return ok
}

// MarshalJSON renders {"key": {"old": ..., "new": ...}, ...} in order.
func (cs ChangeSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range cs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Transition is a lifecycle state change.
type Transition struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

// Diff returns the desired entries whose rendered value differs from the
// current one. A key absent from current compares against "". Keys in
// excluded and the state pseudo property are skipped.
func Diff(current, desired *props.Map, excluded map[string]struct{}) ChangeSet {
	var changes ChangeSet
	for _, key := range desired.Keys() {
		if key == StateProperty || isAnnotation(key) {
			continue
		}
		if _, skip := excluded[key]; skip {
			continue
		}
		want := desired.Value(key)
		have := current.Value(key)
		if props.Equal(want, have) {
			continue
		}
		changes = append(changes, Change{Key: key, Old: have, New: want})
	}
	return changes
}

// Plan is the prospective outcome of reconciling a jail.
type Plan struct {
	Name       string
	Current    *props.Map
	Changes    ChangeSet
	Target     Status      // empty when the desired map has no state
	Transition *Transition // nil when no lifecycle change is needed
}

// Report describes what a reconciliation did.
type Report struct {
	Changes    ChangeSet
	Transition *Transition
	OK         bool
	Err        error // per-entry and lifecycle failures; nil when OK
}

// Plan reads the jail and computes the change set and lifecycle transition
// needed to reach desired. It never mutates anything.
func (e *Engine) Plan(ctx context.Context, name string, desired *props.Map) (Plan, error) {
	current, ok, err := e.Properties(ctx, name)
	if err != nil {
		return Plan{}, err
	}
	if !ok {
		return Plan{}, fmt.Errorf("%w: jail %s does not exist", ErrNotFound, name)
	}
	if err := e.Validate(ctx, desired); err != nil {
		return Plan{}, err
	}
	d := desired.Clone()
	stateValue, hasState := d.Delete(StateProperty)
	if hasState && IsDefaults(name) {
		return Plan{}, fmt.Errorf("%w: the defaults template has no lifecycle state", ErrInvalidArgument)
	}
	plan := Plan{
		Name:    name,
		Current: current,
		Changes: Diff(current, d, Exclusions()),
	}
	if hasState {
		plan.Target = targetStatus(stateValue)
		if from := statusOf(current); from != plan.Target {
			plan.Transition = &Transition{From: from, To: plan.Target}
		}
	}
	return plan, nil
}

// Reconcile converges an existing jail to desired: it applies the property
// change set and then issues at most one start or stop for the state property.
// The returned error covers failures before any mutation; failures while
// applying are reported in Report.Err.
func (e *Engine) Reconcile(ctx context.Context, name string, desired *props.Map) (Report, error) {
	plan, err := e.Plan(ctx, name, desired)
	if err != nil {
		return Report{}, err
	}
	report := Report{OK: true}
	if IsDefaults(name) {
		report.OK, report.Changes, report.Err = e.Apply(ctx, name, plan.Changes)
		return report, nil
	}

	initial := statusOf(plan.Current)
	current := initial
	if plan.Changes.Has("template") && current == StatusRunning {
		// iocage refuses to change the template of a running jail.
		if err := e.transition(ctx, name, opStop); err != nil {
			report.OK = false
			report.Err = err
			return report, nil
		}
		current = StatusStopped
	}

	report.OK, report.Changes, report.Err = e.Apply(ctx, name, plan.Changes)
	if !report.OK {
		if current != initial {
			report.Transition = &Transition{From: initial, To: current}
		}
		return report, nil
	}

	target := plan.Target
	if target == "" {
		target = initial
	}
	if target != current {
		op := opStart
		if target == StatusStopped {
			op = opStop
		}
		if err := e.transition(ctx, name, op); err != nil {
			report.OK = false
			report.Err = err
		} else {
			current = target
		}
	}
	if current != initial {
		report.Transition = &Transition{From: initial, To: current}
	}
	return report, nil
}

// Apply writes each change and reads it back. Entries are independent: a
// failed write or verification marks the batch unsuccessful but the remaining
// entries are still processed. applied holds only verified entries.
func (e *Engine) Apply(ctx context.Context, name string, changes ChangeSet) (ok bool, applied ChangeSet, err error) {
	target := managerName(name)
	excluded := Exclusions()
	var failures []error
	for _, c := range changes {
		if _, skip := excluded[c.Key]; skip || c.Key == StateProperty {
			e.logger.Printf("jail=%s property=%s skipped: not settable", name, c.Key)
			continue
		}
		if err := e.manager.SetProperty(ctx, target, c.Key, c.New); err != nil {
			e.metrics.IncPropertyWrite(false)
			e.logger.Printf("jail=%s property=%s write failed: %v", name, c.Key, err)
			failures = append(failures, managerError("set "+c.Key, name, err))
			continue
		}
		got, err := e.manager.Property(ctx, target, c.Key)
		if err != nil {
			e.metrics.IncPropertyWrite(false)
			failures = append(failures, managerError("get "+c.Key, name, err))
			continue
		}
		if !props.Equal(got, c.New) {
			e.metrics.IncPropertyWrite(false)
			e.logger.Printf("jail=%s property=%s verify failed: have=%q want=%q", name, c.Key, got, c.New)
			failures = append(failures, fmt.Errorf("%w: %s on %s reads back %q, want %q", ErrExecution, c.Key, name, got, c.New))
			continue
		}
		e.metrics.IncPropertyWrite(true)
		e.logger.Printf("jail=%s property=%s old=%q new=%q", name, c.Key, c.Old, c.New)
		applied = append(applied, c)
	}
	return len(failures) == 0, applied, errors.Join(failures...)
}

func targetStatus(state string) Status {
	if state == StateUp {
		return StatusRunning
	}
	return StatusStopped
}
