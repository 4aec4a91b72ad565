// Package state implements the declarative entry points: Property ensures one
// property matches, Managed ensures a jail exists and fully matches. Both
// support a dry-run mode and never return errors; every failure collapses into
// a Result with a false outcome and a descriptive comment.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jailkeeper/jailkeeper/internal/jail"
	"github.com/jailkeeper/jailkeeper/internal/metrics"
	"github.com/jailkeeper/jailkeeper/internal/props"
)

// Mode selects whether entry points mutate the jail manager.
type Mode int

const (
	ModeApply Mode = iota
	ModeDryRun
)

func (m Mode) String() string {
	if m == ModeDryRun {
		return "dry-run"
	}
	return "apply"
}

// Outcome is the tri-state result of an entry point.
type Outcome int

const (
	// OutcomeFailed means an action was attempted and failed.
	OutcomeFailed Outcome = iota
	// OutcomeSucceeded means the target converged, with or without action.
	OutcomeSucceeded
	// OutcomePending is reserved for dry-run: nothing was mutated and the
	// reported changes are prospective.
	OutcomePending
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomePending:
		return "pending"
	default:
		return "failed"
	}
}

// MarshalJSON renders the outcome as true, false or null.
func (o Outcome) MarshalJSON() ([]byte, error) {
	switch o {
	case OutcomeSucceeded:
		return []byte("true"), nil
	case OutcomePending:
		return []byte("null"), nil
	default:
		return []byte("false"), nil
	}
}

// Result is the structured report of one entry point invocation.
type Result struct {
	Name       string           `json:"name"`
	Changes    jail.ChangeSet   `json:"changes"`
	Transition *jail.Transition `json:"transition,omitempty"`
	Comment    string           `json:"comment"`
	Result     Outcome          `json:"result"`
}

// OK reports whether the result is not a failure.
func (r Result) OK() bool {
	return r.Result != OutcomeFailed
}

// String renders a one-line summary.
func (r Result) String() string {
	raw, _ := json.Marshal(r.Changes)
	return fmt.Sprintf("%s: %s %s changes=%s", r.Name, r.Result, r.Comment, raw)
}

// ManagedOptions are the creation arguments used when Managed has to create
// the jail.
type ManagedOptions struct {
	Type        jail.Type
	TemplateID  string
	Release     string
	Clone       string
	PackageList string
}

// Runner evaluates entry points against one engine in one mode.
type Runner struct {
	engine  *jail.Engine
	mode    Mode
	logger  *log.Logger
	metrics *metrics.Metrics
}

// NewRunner creates a runner. A nil logger falls back to log.Default().
func NewRunner(engine *jail.Engine, mode Mode, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{engine: engine, mode: mode, logger: logger}
}

// WithMetrics wires optional Prometheus metrics.
func (r *Runner) WithMetrics(m *metrics.Metrics) *Runner {
	if r == nil {
		return r
	}
	r.metrics = m
	return r
}

// Mode returns the runner's evaluation mode.
func (r *Runner) Mode() Mode {
	return r.mode
}

func (r *Runner) dryRun() bool {
	return r.mode == ModeDryRun
}

func (r *Runner) finish(entry string, started time.Time, res Result) Result {
	r.metrics.ObserveReconcile(entry, res.Result.String(), time.Since(started))
	r.logger.Printf("%s name=%s mode=%s result=%s changes=%d comment=%q",
		entry, res.Name, r.mode, res.Result, len(res.Changes), res.Comment)
	return res
}

// Property ensures that property name of target has value. An empty target
// means the defaults template.
func (r *Runner) Property(ctx context.Context, name, value, target string) Result {
	started := time.Now()
	if target == "" {
		target = jail.DefaultsTarget
	}
	value = props.Render(value)
	res := Result{Name: name}

	current, found, err := r.engine.Property(ctx, target, name)
	if err != nil {
		res.Comment = fmt.Sprintf("Failed to read %s on %s: %v", name, target, err)
		if r.dryRun() {
			res.Result = OutcomePending
		}
		return r.finish("property", started, res)
	}
	if !found {
		res.Comment = missingOptionComment(name, target, r.dryRun())
		if !jail.IsDefaults(target) {
			exists, err := r.engine.Exists(ctx, target)
			switch {
			case err != nil:
				res.Comment = fmt.Sprintf("Failed to look up jail %s: %v", target, err)
			case !exists:
				res.Comment = fmt.Sprintf("jail %s does not exist", target)
			}
		}
		if r.dryRun() {
			res.Result = OutcomePending
		}
		return r.finish("property", started, res)
	}
	if props.Equal(value, current) {
		res.Result = OutcomeSucceeded
		res.Comment = "No changes required."
		return r.finish("property", started, res)
	}
	if jail.IsReadOnly(name) {
		res.Comment = fmt.Sprintf("Property %s is read-only and cannot be set.", name)
		if r.dryRun() {
			res.Result = OutcomePending
		}
		return r.finish("property", started, res)
	}

	desired := props.FromPairs(name, value)
	if r.dryRun() {
		plan, err := r.engine.Plan(ctx, target, desired)
		if err != nil {
			res.Comment = err.Error()
			return r.finish("property", started, res)
		}
		res.Changes = plan.Changes
		res.Transition = plan.Transition
		res.Result = OutcomePending
		res.Comment = fmt.Sprintf("Property %s would be changed from %q to %q.", name, current, value)
		return r.finish("property", started, res)
	}

	report, err := r.engine.Reconcile(ctx, target, desired)
	if err != nil {
		res.Comment = err.Error()
		return r.finish("property", started, res)
	}
	res.Changes = report.Changes
	res.Transition = report.Transition
	if !report.OK {
		res.Comment = fmt.Sprintf("Failed to set %s on %s: %v", name, target, report.Err)
		return r.finish("property", started, res)
	}
	res.Result = OutcomeSucceeded
	res.Comment = fmt.Sprintf("Property %s set to %q.", name, value)
	return r.finish("property", started, res)
}

// Managed ensures jail name exists and matches properties, creating it with
// opts when absent.
func (r *Runner) Managed(ctx context.Context, name string, properties *props.Map, opts ManagedOptions) Result {
	started := time.Now()
	if properties == nil {
		properties = props.New()
	}
	res := Result{Name: name}

	exists, err := r.engine.Exists(ctx, name)
	if err != nil {
		res.Comment = err.Error()
		return r.finish("managed", started, res)
	}
	if !exists {
		return r.finish("managed", started, r.create(ctx, name, properties, opts))
	}

	if r.dryRun() {
		plan, err := r.engine.Plan(ctx, name, properties)
		if err != nil {
			res.Comment = err.Error()
			return r.finish("managed", started, res)
		}
		res.Changes = plan.Changes
		res.Transition = plan.Transition
		if len(plan.Changes) == 0 && plan.Transition == nil {
			res.Result = OutcomeSucceeded
			res.Comment = "No changes required."
		} else {
			res.Result = OutcomePending
			res.Comment = fmt.Sprintf("%s's jail properties would be updated.", name)
		}
		return r.finish("managed", started, res)
	}

	report, err := r.engine.Reconcile(ctx, name, properties)
	if err != nil {
		res.Comment = err.Error()
		return r.finish("managed", started, res)
	}
	res.Changes = report.Changes
	res.Transition = report.Transition
	switch {
	case !report.OK:
		res.Comment = fmt.Sprintf("Failed to update %s's jail properties: %v", name, report.Err)
	case len(report.Changes) > 0 || report.Transition != nil:
		res.Result = OutcomeSucceeded
		res.Comment = fmt.Sprintf("Updated %s's jail properties.", name)
	default:
		res.Result = OutcomeSucceeded
		res.Comment = "No changes required."
	}
	return r.finish("managed", started, res)
}

func (r *Runner) create(ctx context.Context, name string, properties *props.Map, opts ManagedOptions) Result {
	res := Result{Name: name}
	target := jail.StatusStopped
	if properties.Value(jail.StateProperty) == jail.StateUp {
		target = jail.StatusRunning
	}
	if r.dryRun() {
		res.Result = OutcomePending
		res.Transition = &jail.Transition{From: jail.StatusAbsent, To: target}
		res.Comment = fmt.Sprintf("Jail %s would be created.", name)
		return res
	}

	created, err := r.engine.Create(ctx, jail.CreateSpec{
		Name:        name,
		Type:        opts.Type,
		TemplateID:  opts.TemplateID,
		Properties:  properties,
		Release:     opts.Release,
		Clone:       opts.Clone,
		PackageList: opts.PackageList,
	})
	switch {
	case err == nil:
		res.Result = OutcomeSucceeded
		res.Transition = &jail.Transition{From: jail.StatusAbsent, To: target}
		res.Comment = fmt.Sprintf("Created jail %s.", name)
	case created:
		res.Transition = &jail.Transition{From: jail.StatusAbsent, To: jail.StatusStopped}
		res.Comment = fmt.Sprintf("Created jail %s, but it failed to start: %v", name, err)
	default:
		res.Comment = fmt.Sprintf("Failed to create jail %s: %v", name, err)
	}
	return res
}

func missingOptionComment(name, target string, dryRun bool) string {
	defaults := jail.IsDefaults(target)
	switch {
	case defaults && dryRun:
		return fmt.Sprintf("default option %s doesn't exist", name)
	case defaults:
		return fmt.Sprintf("default option %s does not exist", name)
	case dryRun:
		return fmt.Sprintf("jail option %s seems to not exist", name)
	default:
		return fmt.Sprintf("jail option %s does not exist", name)
	}
}
