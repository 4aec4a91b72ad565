// ABOUTME: This file provides a deterministic in-memory jail manager for tests.
// It implements the Manager interface, simulates the jail lifecycle and records
// every call so tests can assert exactly what reached the manager.
package iocage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jailkeeper/jailkeeper/internal/props"
)

// FakeManager implements Manager with in-memory state for tests.
// It is deterministic and safe for concurrent use.
type FakeManager struct {
	mu        sync.Mutex
	jails     map[string]*fakeJail
	defaults  *props.Map
	releases  []string
	calls     []string
	nextJID   int
	setErrors map[string]error
	sticky    map[string]struct{}
	opErrors  map[string]error

	// FetchRelease is the release Fetch("") makes available.
	FetchRelease string
}

type fakeJail struct {
	name     string
	template bool
	running  bool
	jid      int
	props    *props.Map
}

// NewFakeManager returns a FakeManager whose defaults template carries a small
// realistic property set.
func NewFakeManager() *FakeManager {
	return &FakeManager{
		jails: make(map[string]*fakeJail),
		defaults: props.FromPairs(
			"CONFIG_VERSION", "27",
			"boot", "off",
			"ip4_addr", "none",
			"ip6_addr", "none",
			"notes", "none",
			"release", "13.2-RELEASE",
			"vnet", "off",
		),
		nextJID:      1,
		setErrors:    make(map[string]error),
		sticky:       make(map[string]struct{}),
		opErrors:     make(map[string]error),
		FetchRelease: "13.2-RELEASE",
	}
}

// AddJail seeds a jail. kv are alternating property names and values applied
// on top of the defaults template.
func (f *FakeManager) AddJail(name string, running bool, kv ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(name, false, running, kv...)
}

// AddTemplate seeds a template jail.
func (f *FakeManager) AddTemplate(name string, kv ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(name, true, false, kv...)
}

// AddRelease makes a release locally available.
func (f *FakeManager) AddRelease(release string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addReleaseLocked(release)
}

// SetDefault sets a property on the defaults template without recording a call.
func (f *FakeManager) SetDefault(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults.Set(key, value)
}

// FailSet makes every write of key fail with err.
func (f *FakeManager) FailSet(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setErrors[key] = err
}

// IgnoreSet makes writes of key succeed without changing the stored value.
func (f *FakeManager) IgnoreSet(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sticky[key] = struct{}{}
}

// FailOp makes the named operation ("create", "start", "stop", "restart",
// "destroy", "fetch", "list", "get") fail with err.
func (f *FakeManager) FailOp(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opErrors[op] = err
}

// Calls returns the recorded calls, e.g. "get web1", "set web1 ip4_addr=...".
func (f *FakeManager) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// ResetCalls clears the call log.
func (f *FakeManager) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// MutatingCalls returns recorded calls that change manager state.
func (f *FakeManager) MutatingCalls() []string {
	var out []string
	for _, c := range f.Calls() {
		verb, _, _ := strings.Cut(c, " ")
		switch verb {
		case "list", "exists", "get":
			continue
		}
		out = append(out, c)
	}
	return out
}

// Running reports whether the named jail is running.
func (f *FakeManager) Running(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jails[name]
	return ok && j.running
}

// Has reports whether the named jail exists.
func (f *FakeManager) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jails[name]
	return ok
}

// Value returns a stored property without recording a call.
func (f *FakeManager) Value(name, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == DefaultsName {
		return f.defaults.Value(key)
	}
	j, ok := f.jails[name]
	if !ok {
		return ""
	}
	return j.render().Value(key)
}

var _ Manager = (*FakeManager)(nil)

func (f *FakeManager) List(_ context.Context, scope Scope) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list %s", scope)
	if err := f.opErrors["list"]; err != nil {
		return nil, err
	}
	if scope == ScopeBase {
		records := make([]Record, 0, len(f.releases))
		for _, rel := range f.releases {
			records = append(records, Record{Name: rel})
		}
		return records, nil
	}
	names := make([]string, 0, len(f.jails))
	for name, j := range f.jails {
		if scope == ScopeTemplate && !j.template {
			continue
		}
		if scope != ScopeTemplate && j.template {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	records := make([]Record, 0, len(names))
	for _, name := range names {
		j := f.jails[name]
		rec := Record{
			JID:     "-",
			Name:    name,
			State:   "down",
			Release: j.props.Value("release"),
			IP4:     j.props.Value("ip4_addr"),
		}
		if j.running {
			rec.JID = strconv.Itoa(j.jid)
			rec.State = "up"
		}
		records = append(records, rec)
	}
	return records, nil
}

func (f *FakeManager) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exists %s", name)
	if name == DefaultsName {
		return true, nil
	}
	_, ok := f.jails[name]
	return ok, nil
}

func (f *FakeManager) Properties(_ context.Context, name string) (*props.Map, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get %s", name)
	if err := f.opErrors["get"]; err != nil {
		return nil, err
	}
	if name == DefaultsName {
		return f.defaults.Clone(), nil
	}
	j, ok := f.jails[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJailNotFound, name)
	}
	return j.render(), nil
}

func (f *FakeManager) Property(_ context.Context, name, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get %s %s", name, key)
	if err := f.opErrors["get"]; err != nil {
		return "", err
	}
	var m *props.Map
	if name == DefaultsName {
		m = f.defaults
	} else {
		j, ok := f.jails[name]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrJailNotFound, name)
		}
		m = j.render()
	}
	v, ok := m.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPropertyNotFound, key)
	}
	return v, nil
}

func (f *FakeManager) SetProperty(_ context.Context, name, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set %s %s", name, props.Format(key, value))
	if err := f.setErrors[key]; err != nil {
		return err
	}
	var m *props.Map
	if name == DefaultsName {
		m = f.defaults
	} else {
		j, ok := f.jails[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrJailNotFound, name)
		}
		m = j.props
	}
	if _, ok := f.sticky[key]; ok {
		return nil
	}
	m.Set(key, value)
	return nil
}

func (f *FakeManager) Create(_ context.Context, req CreateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create %s", describeCreate(req))
	if err := f.opErrors["create"]; err != nil {
		return err
	}
	if _, ok := f.jails[req.Name]; ok {
		return fmt.Errorf("jail %s already exists", req.Name)
	}
	base := f.defaults.Clone()
	switch {
	case req.Flags.Clone != "":
		src, ok := f.jails[req.Flags.Clone]
		if !ok {
			return fmt.Errorf("%w: %s", ErrJailNotFound, req.Flags.Clone)
		}
		base = src.props.Clone()
	case req.Flags.Template != "":
		tmpl, ok := f.jails[req.Flags.Template]
		if !ok || !tmpl.template {
			return fmt.Errorf("%w: template %s", ErrJailNotFound, req.Flags.Template)
		}
		base = tmpl.props.Clone()
	default:
		if req.Release != "" && !f.hasReleaseLocked(req.Release) {
			return fmt.Errorf("release %s is not fetched", req.Release)
		}
		if req.Release != "" {
			base.Set("release", req.Release)
		}
	}
	switch {
	case req.Flags.Thick:
		base.Set("type", "jail")
	case req.Flags.Base:
		base.Set("basejail", "yes")
	case req.Flags.Empty:
		base.Set("type", "empty")
	}
	if req.Flags.Template != "" {
		base.Set("template", req.Flags.Template)
	}
	for _, a := range req.Properties {
		k, v, err := props.ParseAssignment(a)
		if err != nil {
			return err
		}
		base.Set(k, v)
	}
	f.jails[req.Name] = &fakeJail{name: req.Name, props: base}
	return nil
}

func (f *FakeManager) Start(_ context.Context, name string) error {
	return f.lifecycle("start", name, func(j *fakeJail) {
		j.running = true
		j.jid = f.nextJID
		f.nextJID++
	})
}

func (f *FakeManager) Stop(_ context.Context, name string) error {
	return f.lifecycle("stop", name, func(j *fakeJail) {
		j.running = false
		j.jid = 0
	})
}

func (f *FakeManager) Restart(_ context.Context, name string) error {
	return f.lifecycle("restart", name, func(j *fakeJail) {
		j.running = true
		j.jid = f.nextJID
		f.nextJID++
	})
}

func (f *FakeManager) Destroy(_ context.Context, name string) error {
	return f.lifecycle("destroy", name, func(j *fakeJail) {
		delete(f.jails, j.name)
	})
}

func (f *FakeManager) Fetch(_ context.Context, release string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("fetch %s", release)
	if err := f.opErrors["fetch"]; err != nil {
		return err
	}
	if release == "" {
		release = f.FetchRelease
	}
	f.addReleaseLocked(release)
	return nil
}

func (f *FakeManager) Update(_ context.Context, name string, packages bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update %s packages=%t", name, packages)
	if _, ok := f.jails[name]; !ok {
		return fmt.Errorf("%w: %s", ErrJailNotFound, name)
	}
	return nil
}

func (f *FakeManager) lifecycle(op, name string, apply func(*fakeJail)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("%s %s", op, name)
	if err := f.opErrors[op]; err != nil {
		return err
	}
	j, ok := f.jails[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJailNotFound, name)
	}
	apply(j)
	return nil
}

func (f *FakeManager) addLocked(name string, template, running bool, kv ...string) {
	p := f.defaults.Clone()
	extra := props.FromPairs(kv...)
	for _, k := range extra.Keys() {
		p.Set(k, extra.Value(k))
	}
	if template {
		p.Set("template", "yes")
	}
	j := &fakeJail{name: name, template: template, running: running, props: p}
	if running {
		j.jid = f.nextJID
		f.nextJID++
	}
	f.jails[name] = j
}

func (f *FakeManager) addReleaseLocked(release string) {
	if release == "" || f.hasReleaseLocked(release) {
		return
	}
	f.releases = append(f.releases, release)
	sort.Strings(f.releases)
}

func (f *FakeManager) hasReleaseLocked(release string) bool {
	for _, r := range f.releases {
		if r == release {
			return true
		}
	}
	return false
}

func (f *FakeManager) record(format string, args ...any) {
	f.calls = append(f.calls, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// render returns the jail's properties with the synthesized "state" and "jid".
func (j *fakeJail) render() *props.Map {
	m := j.props.Clone()
	if j.running {
		m.Set("state", "up")
		m.Set("jid", strconv.Itoa(j.jid))
	} else {
		m.Set("state", "down")
		m.Set("jid", "-")
	}
	return m
}

func describeCreate(req CreateRequest) string {
	parts := []string{req.Name}
	if req.Release != "" {
		parts = append(parts, "release="+req.Release)
	}
	if req.Flags.Thick {
		parts = append(parts, "thick")
	}
	if req.Flags.Base {
		parts = append(parts, "base")
	}
	if req.Flags.Empty {
		parts = append(parts, "empty")
	}
	if req.Flags.Clone != "" {
		parts = append(parts, "clone="+req.Flags.Clone)
	}
	if req.Flags.Template != "" {
		parts = append(parts, "template="+req.Flags.Template)
	}
	if req.PackageList != "" {
		parts = append(parts, "pkglist="+req.PackageList)
	}
	parts = append(parts, req.Properties...)
	return strings.Join(parts, " ")
}
