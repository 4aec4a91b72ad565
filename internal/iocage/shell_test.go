package iocage

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"reflect"
	"testing"
	"time"
)

type runnerCall struct {
	name string
	args []string
}

type runnerResponse struct {
	stdout string
	err    error
}

type fakeRunner struct {
	calls     []runnerCall
	responses []runnerResponse
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	r.calls = append(r.calls, runnerCall{name: name, args: append([]string(nil), args...)})
	idx := len(r.calls) - 1
	if idx >= len(r.responses) {
		return "", errors.New("unexpected command call")
	}
	resp := r.responses[idx]
	return resp.stdout, resp.err
}

func TestShellManagerListJails(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{{
		stdout: "3\tweb1\tup\t13.2-RELEASE-p4\tvnet0|10.0.0.5/24\n-\tdb1\tdown\t13.2-RELEASE-p4\t-\n",
	}}}
	mgr := &ShellManager{Runner: runner}

	records, err := mgr.List(context.Background(), ScopeAll)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []Record{
		{JID: "3", Name: "web1", State: "up", Release: "13.2-RELEASE-p4", IP4: "vnet0|10.0.0.5/24"},
		{JID: "-", Name: "db1", State: "down", Release: "13.2-RELEASE-p4", IP4: "-"},
	}
	if !reflect.DeepEqual(records, want) {
		t.Fatalf("List() = %#v, want %#v", records, want)
	}
	wantCalls := []runnerCall{{name: "iocage", args: []string{"list", "-h"}}}
	if !reflect.DeepEqual(runner.calls, wantCalls) {
		t.Fatalf("List() calls = %#v, want %#v", runner.calls, wantCalls)
	}
}

func TestShellManagerListScopes(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{
		{stdout: "-\tbase-tmpl\tdown\t13.2-RELEASE\tnone\n"},
		{stdout: "13.1-RELEASE\n13.2-RELEASE\n"},
	}}
	mgr := &ShellManager{Runner: runner, IocagePath: "/usr/local/bin/iocage"}

	templates, err := mgr.List(context.Background(), ScopeTemplate)
	if err != nil {
		t.Fatalf("List(template) error = %v", err)
	}
	if len(templates) != 1 || templates[0].Name != "base-tmpl" {
		t.Fatalf("List(template) = %#v", templates)
	}
	releases, err := mgr.List(context.Background(), ScopeBase)
	if err != nil {
		t.Fatalf("List(base) error = %v", err)
	}
	want := []Record{{Name: "13.1-RELEASE"}, {Name: "13.2-RELEASE"}}
	if !reflect.DeepEqual(releases, want) {
		t.Fatalf("List(base) = %#v, want %#v", releases, want)
	}
	wantCalls := []runnerCall{
		{name: "/usr/local/bin/iocage", args: []string{"list", "-h", "-t"}},
		{name: "/usr/local/bin/iocage", args: []string{"list", "-h", "-r"}},
	}
	if !reflect.DeepEqual(runner.calls, wantCalls) {
		t.Fatalf("List() calls = %#v, want %#v", runner.calls, wantCalls)
	}
}

func TestShellManagerExists(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{
		{stdout: "-\tweb1\tdown\t13.2-RELEASE\tnone\n"},
		{stdout: "-\tweb1\tdown\t13.2-RELEASE\tnone\n"},
	}}
	mgr := &ShellManager{Runner: runner}

	ok, err := mgr.Exists(context.Background(), "web1")
	if err != nil || !ok {
		t.Fatalf("Exists(web1) = %v, %v", ok, err)
	}
	ok, err = mgr.Exists(context.Background(), "web2")
	if err != nil || ok {
		t.Fatalf("Exists(web2) = %v, %v", ok, err)
	}
	ok, err = mgr.Exists(context.Background(), DefaultsName)
	if err != nil || !ok {
		t.Fatalf("Exists(default) = %v, %v", ok, err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("Exists() made %d calls, want 2", len(runner.calls))
	}
}

func TestShellManagerProperties(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{{
		stdout: "CONFIG_VERSION:27\nip4_addr:vnet0|10.0.0.5/24\nstate:up\nexec_start:/bin/sh /etc/rc\n",
	}}}
	mgr := &ShellManager{Runner: runner}

	m, err := mgr.Properties(context.Background(), "web1")
	if err != nil {
		t.Fatalf("Properties() error = %v", err)
	}
	if got := m.Keys(); !reflect.DeepEqual(got, []string{"CONFIG_VERSION", "ip4_addr", "state", "exec_start"}) {
		t.Fatalf("Properties() keys = %v", got)
	}
	if m.Value("ip4_addr") != "vnet0|10.0.0.5/24" {
		t.Fatalf("ip4_addr = %q", m.Value("ip4_addr"))
	}
	if m.Value("exec_start") != "/bin/sh /etc/rc" {
		t.Fatalf("exec_start = %q", m.Value("exec_start"))
	}
	want := []runnerCall{{name: "iocage", args: []string{"get", "-a", "web1"}}}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("Properties() calls = %#v, want %#v", runner.calls, want)
	}
}

func TestShellManagerPropertiesMissingJail(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{{
		err: errors.New("command iocage get -a nope failed: exit status 1: nope not found!"),
	}}}
	mgr := &ShellManager{Runner: runner}

	_, err := mgr.Properties(context.Background(), "nope")
	if !errors.Is(err, ErrJailNotFound) {
		t.Fatalf("Properties() error = %v, want ErrJailNotFound", err)
	}
}

func TestShellManagerSetProperty(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{{}, {err: errors.New("exit status 1: bogus is not a valid property!")}}}
	mgr := &ShellManager{Runner: runner}

	if err := mgr.SetProperty(context.Background(), "web1", "ip4_addr", "vnet0|10.0.0.6/24"); err != nil {
		t.Fatalf("SetProperty() error = %v", err)
	}
	err := mgr.SetProperty(context.Background(), "web1", "bogus", "1")
	if !errors.Is(err, ErrPropertyNotFound) {
		t.Fatalf("SetProperty(bogus) error = %v, want ErrPropertyNotFound", err)
	}
	want := []runnerCall{
		{name: "iocage", args: []string{"set", "ip4_addr=vnet0|10.0.0.6/24", "web1"}},
		{name: "iocage", args: []string{"set", "bogus=1", "web1"}},
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("SetProperty() calls = %#v, want %#v", runner.calls, want)
	}
}

func TestShellManagerCreate(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		want []string
	}{
		{
			name: "thick",
			req: CreateRequest{
				Name:       "web1",
				Release:    "13.2-RELEASE",
				Properties: []string{"ip4_addr=10.0.0.5", "boot=on"},
				Flags:      CreateFlags{Thick: true},
			},
			want: []string{"create", "-n", "web1", "-r", "13.2-RELEASE", "--thickjail", "ip4_addr=10.0.0.5", "boot=on"},
		},
		{
			name: "template",
			req: CreateRequest{
				Name:    "web2",
				Release: "13.2-RELEASE",
				Flags:   CreateFlags{Template: "base-tmpl"},
			},
			want: []string{"create", "-n", "web2", "-t", "base-tmpl"},
		},
		{
			name: "clone with packages",
			req: CreateRequest{
				Name:        "web3",
				Release:     "13.2-RELEASE",
				Flags:       CreateFlags{Clone: "web1"},
				PackageList: "/tmp/pkgs.json",
			},
			want: []string{"create", "-n", "web3", "-r", "13.2-RELEASE", "--clone", "web1", "-p", "/tmp/pkgs.json"},
		},
		{
			name: "empty",
			req:  CreateRequest{Name: "e1", Release: "13.2-RELEASE", Flags: CreateFlags{Empty: true}},
			want: []string{"create", "-n", "e1", "-r", "13.2-RELEASE", "--empty"},
		},
		{
			name: "base",
			req:  CreateRequest{Name: "b1", Release: "13.2-RELEASE", Flags: CreateFlags{Base: true}},
			want: []string{"create", "-n", "b1", "-r", "13.2-RELEASE", "--basejail"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{responses: []runnerResponse{{}}}
			mgr := &ShellManager{Runner: runner}
			if err := mgr.Create(context.Background(), tt.req); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			want := []runnerCall{{name: "iocage", args: tt.want}}
			if !reflect.DeepEqual(runner.calls, want) {
				t.Fatalf("Create() calls = %#v, want %#v", runner.calls, want)
			}
		})
	}
}

func TestShellManagerCreateRequiresName(t *testing.T) {
	runner := &fakeRunner{}
	mgr := &ShellManager{Runner: runner}
	if err := mgr.Create(context.Background(), CreateRequest{}); err == nil {
		t.Fatalf("Create() expected error")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("Create() made calls: %#v", runner.calls)
	}
}

func TestShellManagerLifecycle(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{{}, {}, {}, {}, {}, {}}}
	mgr := &ShellManager{Runner: runner}
	ctx := context.Background()

	for _, step := range []func() error{
		func() error { return mgr.Start(ctx, "web1") },
		func() error { return mgr.Stop(ctx, "web1") },
		func() error { return mgr.Restart(ctx, "web1") },
		func() error { return mgr.Destroy(ctx, "web1") },
		func() error { return mgr.Fetch(ctx, "13.2-RELEASE") },
		func() error { return mgr.Update(ctx, "web1", true) },
	} {
		if err := step(); err != nil {
			t.Fatalf("lifecycle step error = %v", err)
		}
	}
	want := []runnerCall{
		{name: "iocage", args: []string{"start", "web1"}},
		{name: "iocage", args: []string{"stop", "web1"}},
		{name: "iocage", args: []string{"restart", "web1"}},
		{name: "iocage", args: []string{"destroy", "-f", "web1"}},
		{name: "iocage", args: []string{"fetch", "-r", "13.2-RELEASE"}},
		{name: "iocage", args: []string{"update", "-P", "web1"}},
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("lifecycle calls = %#v, want %#v", runner.calls, want)
	}
}

func TestShellManagerStopMissingJail(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{{err: errors.New("exit status 1: web9 not found!")}}}
	mgr := &ShellManager{Runner: runner}
	if err := mgr.Stop(context.Background(), "web9"); !errors.Is(err, ErrJailNotFound) {
		t.Fatalf("Stop() error = %v, want ErrJailNotFound", err)
	}
}

func TestShellManagerGenericFailureIsNotMissing(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{{err: errors.New("exit status 1: zfs dataset busy")}}}
	mgr := &ShellManager{Runner: runner}
	err := mgr.Start(context.Background(), "web1")
	if err == nil || errors.Is(err, ErrJailNotFound) {
		t.Fatalf("Start() error = %v, want non-missing failure", err)
	}
}

func TestShellManagerMissingBinaryIsNotMissingJail(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "exec lookup",
			err:  fmt.Errorf("command iocage get -a web1 failed: %w", &exec.Error{Name: "iocage", Err: exec.ErrNotFound}),
		},
		{
			name: "exec lookup text",
			err:  errors.New(`command iocage start web1 failed: exec: "iocage": executable file not found in $PATH`),
		},
		{
			name: "login shell",
			err:  errors.New("command iocage start web1 failed: exit status 127: bash: line 1: iocage: command not found"),
		},
		{
			name: "other jail missing",
			err:  errors.New("exit status 1: web10 does not exist on pool"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{responses: []runnerResponse{{err: tt.err}, {err: tt.err}}}
			mgr := &ShellManager{Runner: runner}
			if _, err := mgr.Properties(context.Background(), "web1"); err == nil || errors.Is(err, ErrJailNotFound) {
				t.Fatalf("Properties() error = %v, want execution failure", err)
			}
			if err := mgr.Start(context.Background(), "web1"); err == nil || errors.Is(err, ErrJailNotFound) {
				t.Fatalf("Start() error = %v, want execution failure", err)
			}
		})
	}
}

func TestShellManagerCreateMissingTemplate(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{{err: errors.New("exit status 1: base-tpl not found!")}}}
	mgr := &ShellManager{Runner: runner}
	err := mgr.Create(context.Background(), CreateRequest{Name: "web1", Flags: CreateFlags{Template: "base-tpl"}})
	if !errors.Is(err, ErrJailNotFound) {
		t.Fatalf("Create() error = %v, want ErrJailNotFound", err)
	}
}

type deadlineRunner struct {
	hasDeadline bool
}

func (r *deadlineRunner) Run(ctx context.Context, _ string, _ ...string) (string, error) {
	_, r.hasDeadline = ctx.Deadline()
	return "", nil
}

func TestShellManagerCommandTimeout(t *testing.T) {
	runner := &deadlineRunner{}
	mgr := NewShellManager("", runner, 5*time.Second)
	if err := mgr.Start(context.Background(), "web1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !runner.hasDeadline {
		t.Fatalf("expected command context to carry a deadline")
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("web1"); got != "web1" {
		t.Fatalf("shellQuote(web1) = %q", got)
	}
	if got := shellQuote("vnet0|10.0.0.5/24"); got != "'vnet0|10.0.0.5/24'" {
		t.Fatalf("shellQuote(pipe) = %q", got)
	}
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Fatalf("shellQuote(quote) = %q", got)
	}
}
