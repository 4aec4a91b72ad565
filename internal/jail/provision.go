package jail

import (
	"context"
	"fmt"
	"strings"

	"github.com/jailkeeper/jailkeeper/internal/iocage"
	"github.com/jailkeeper/jailkeeper/internal/props"
)

// Type selects how a jail is provisioned.
type Type string

const (
	TypeFull          Type = "full"
	TypeClone         Type = "clone"
	TypeBase          Type = "base"
	TypeEmpty         Type = "empty"
	TypeTemplateClone Type = "template-clone"
)

var jailTypes = []Type{TypeFull, TypeClone, TypeBase, TypeEmpty, TypeTemplateClone}

// ParseType validates a jail type name. The empty string is accepted and
// resolved by Create from the other creation arguments.
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	for _, t := range jailTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown jail type %q", ErrInvalidArgument, s)
}

// CreateSpec describes a jail to provision.
type CreateSpec struct {
	Name       string
	Type       Type
	TemplateID string
	// Properties may carry "state"; state=up starts the jail after creation.
	Properties  *props.Map
	Release     string
	Clone       string
	PackageList string
}

func (s CreateSpec) resolvedType() Type {
	switch {
	case s.Type != "":
		return s.Type
	case s.TemplateID != "":
		return TypeTemplateClone
	case s.Clone != "":
		return TypeClone
	default:
		return TypeFull
	}
}

// Create validates spec and provisions the jail. created reports whether the
// manager's create primitive succeeded; err is non-nil when creation or the
// requested initial start failed.
func (e *Engine) Create(ctx context.Context, spec CreateSpec) (created bool, err error) {
	jailType := spec.resolvedType()
	label := string(jailType)
	if _, perr := ParseType(label); perr != nil {
		label = "invalid"
	}
	defer func() {
		e.metrics.IncCreate(label, err == nil)
	}()

	req, wantUp, err := e.prepare(ctx, spec, jailType)
	if err != nil {
		return false, err
	}
	if err := e.manager.Create(ctx, req); err != nil {
		e.logger.Printf("jail=%s create failed: %v", spec.Name, err)
		return false, managerError("create", spec.Name, err)
	}
	e.logger.Printf("jail=%s created type=%s release=%q", spec.Name, jailType, req.Release)
	if wantUp {
		if err := e.transition(ctx, spec.Name, opStart); err != nil {
			return true, err
		}
	}
	return true, nil
}

// prepare runs the creation checks in order and builds the manager request.
// Structural checks come first and never touch the manager.
func (e *Engine) prepare(ctx context.Context, spec CreateSpec, jailType Type) (iocage.CreateRequest, bool, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return iocage.CreateRequest{}, false, fmt.Errorf("%w: jail name is required", ErrInvalidArgument)
	}
	if IsDefaults(name) {
		return iocage.CreateRequest{}, false, fmt.Errorf("%w: %s is reserved for the defaults template", ErrInvalidArgument, name)
	}
	if _, err := ParseType(string(jailType)); err != nil {
		return iocage.CreateRequest{}, false, err
	}
	switch jailType {
	case TypeClone:
		if strings.TrimSpace(spec.Clone) == "" {
			return iocage.CreateRequest{}, false, fmt.Errorf("%w: clone jails need a source jail", ErrInvalidArgument)
		}
	case TypeTemplateClone:
		if strings.TrimSpace(spec.TemplateID) == "" {
			return iocage.CreateRequest{}, false, fmt.Errorf("%w: template-clone jails need a template id", ErrInvalidArgument)
		}
	case TypeEmpty:
		if strings.TrimSpace(spec.Release) == "" && strings.TrimSpace(spec.TemplateID) == "" {
			return iocage.CreateRequest{}, false, fmt.Errorf("%w: empty jails need an explicit release", ErrInvalidArgument)
		}
	}

	desired := spec.Properties
	if desired == nil {
		desired = props.New()
	}
	if err := e.Validate(ctx, desired); err != nil {
		return iocage.CreateRequest{}, false, err
	}
	if jailType == TypeTemplateClone {
		if err := e.requireTemplate(ctx, spec.TemplateID); err != nil {
			return iocage.CreateRequest{}, false, err
		}
	}
	exists, err := e.Exists(ctx, name)
	if err != nil {
		return iocage.CreateRequest{}, false, err
	}
	if exists {
		return iocage.CreateRequest{}, false, fmt.Errorf("%w: jail %s already exists", ErrInvalidState, name)
	}

	req := iocage.CreateRequest{
		Name:        name,
		PackageList: spec.PackageList,
		Properties:  creationProperties(desired),
	}
	switch jailType {
	case TypeFull:
		req.Flags.Thick = true
	case TypeBase:
		req.Flags.Base = true
	case TypeEmpty:
		req.Flags.Empty = true
		req.Flags.Template = spec.TemplateID
		req.Release = spec.Release
	case TypeClone:
		req.Flags.Clone = spec.Clone
	case TypeTemplateClone:
		req.Flags.Template = spec.TemplateID
	}
	if jailType == TypeFull || jailType == TypeBase {
		release, err := e.resolveRelease(ctx, spec.Release)
		if err != nil {
			return iocage.CreateRequest{}, false, err
		}
		req.Release = release
	}
	return req, desired.Value(StateProperty) == StateUp, nil
}

func (e *Engine) requireTemplate(ctx context.Context, id string) error {
	templates, err := e.List(ctx, iocage.ScopeTemplate)
	if err != nil {
		return err
	}
	for _, t := range templates {
		if t.Name == id {
			return nil
		}
	}
	return fmt.Errorf("%w: template %s does not exist", ErrNotFound, id)
}

// resolveRelease picks the explicit release, else the defaults template's
// release, else the newest local release, and fetches it when it is not
// available locally.
func (e *Engine) resolveRelease(ctx context.Context, explicit string) (string, error) {
	release := strings.TrimSpace(explicit)
	if release == "" {
		value, _, err := e.Property(ctx, DefaultsTarget, "release")
		if err != nil {
			return "", err
		}
		if value != "none" {
			release = value
		}
	}
	local, err := e.List(ctx, iocage.ScopeBase)
	if err != nil {
		return "", err
	}
	if release == "" && len(local) > 0 {
		release = local[len(local)-1].Name
	}
	for _, r := range local {
		if r.Name == release {
			return release, nil
		}
	}
	if err := e.Fetch(ctx, release); err != nil {
		return "", err
	}
	if release != "" {
		return release, nil
	}
	local, err = e.List(ctx, iocage.ScopeBase)
	if err != nil {
		return "", err
	}
	if len(local) == 0 {
		return "", fmt.Errorf("%w: no release available after fetch", ErrExecution)
	}
	return local[len(local)-1].Name, nil
}

// creationProperties renders the writable desired properties as assignments.
func creationProperties(desired *props.Map) []string {
	var out []string
	for _, key := range desired.Keys() {
		if key == StateProperty || isAnnotation(key) || IsReadOnly(key) {
			continue
		}
		out = append(out, props.Format(key, desired.Value(key)))
	}
	return out
}
