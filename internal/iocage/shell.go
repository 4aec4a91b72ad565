// ABOUTME: This file implements the Manager interface using the iocage(8) CLI.
// Output is requested in scripting mode (-h) so it can be parsed without headers.
package iocage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jailkeeper/jailkeeper/internal/props"
)

// ExecRunner runs commands via os/exec.
// ABOUTME: This is the default command runner for the ShellManager.
type ExecRunner struct{}

func (er ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		fullCmd := strings.Join(append([]string{name}, args...), " ")
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			// iocage prints most of its errors on stdout.
			errMsg = strings.TrimSpace(stdout.String())
		}
		if errMsg != "" {
			return "", fmt.Errorf("command %s failed: %w: %s", fullCmd, err, errMsg)
		}
		return "", fmt.Errorf("command %s failed: %w", fullCmd, err)
	}
	return stdout.String(), nil
}

// BashRunner wraps commands in a login shell.
// ABOUTME: Useful when iocage relies on PATH or environment set up by the
// operator's profile (e.g. a non-default zpool activation hook).
type BashRunner struct{}

func (br BashRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	quoted := make([]string, 0, len(args)+1)
	for _, arg := range append([]string{name}, args...) {
		quoted = append(quoted, shellQuote(arg))
	}
	fullCmd := strings.Join(quoted, " ")
	cmd := exec.CommandContext(ctx, "bash", "-lc", fullCmd)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = strings.TrimSpace(stdout.String())
		}
		if errMsg != "" {
			return "", fmt.Errorf("command %s failed: %w: %s", fullCmd, err, errMsg)
		}
		return "", fmt.Errorf("command %s failed: %w", fullCmd, err)
	}
	return stdout.String(), nil
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`|&;<>()*?[]#~!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ShellManager implements Manager by shelling out to iocage.
type ShellManager struct {
	IocagePath     string        // Path to iocage (defaults to "iocage")
	Runner         CommandRunner // Command execution strategy (defaults to ExecRunner)
	CommandTimeout time.Duration // Per-command timeout; zero disables it
}

var _ Manager = (*ShellManager)(nil)

// NewShellManager returns a ShellManager with the given binary path and timeout.
func NewShellManager(iocagePath string, runner CommandRunner, timeout time.Duration) *ShellManager {
	return &ShellManager{
		IocagePath:     iocagePath,
		Runner:         runner,
		CommandTimeout: timeout,
	}
}

func (m *ShellManager) List(ctx context.Context, scope Scope) ([]Record, error) {
	args := []string{"list", "-h"}
	switch scope {
	case ScopeAll, "":
	case ScopeTemplate:
		args = append(args, "-t")
	case ScopeBase:
		args = append(args, "-r")
	default:
		return nil, fmt.Errorf("unknown list scope %q", scope)
	}
	out, err := m.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if scope == ScopeBase {
		return parseReleaseList(out), nil
	}
	return parseJailList(out), nil
}

func (m *ShellManager) Exists(ctx context.Context, name string) (bool, error) {
	if name == DefaultsName {
		return true, nil
	}
	records, err := m.List(ctx, ScopeAll)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (m *ShellManager) Properties(ctx context.Context, name string) (*props.Map, error) {
	out, err := m.run(ctx, "get", "-a", name)
	if err != nil {
		return nil, wrapMissing(err, name)
	}
	return parseProperties(out), nil
}

func (m *ShellManager) Property(ctx context.Context, name, key string) (string, error) {
	out, err := m.run(ctx, "get", key, name)
	if err != nil {
		if isMissingPropertyError(err) {
			return "", fmt.Errorf("%w: %s: %v", ErrPropertyNotFound, key, err)
		}
		return "", wrapMissing(err, name)
	}
	return strings.TrimSpace(out), nil
}

func (m *ShellManager) SetProperty(ctx context.Context, name, key, value string) error {
	_, err := m.run(ctx, "set", props.Format(key, value), name)
	if err != nil {
		if isMissingPropertyError(err) {
			return fmt.Errorf("%w: %s: %v", ErrPropertyNotFound, key, err)
		}
		return wrapMissing(err, name)
	}
	return nil
}

func (m *ShellManager) Create(ctx context.Context, req CreateRequest) error {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return errors.New("jail name is required")
	}
	args := []string{"create", "-n", name}
	if req.Flags.Template != "" {
		args = append(args, "-t", req.Flags.Template)
	} else if req.Release != "" {
		args = append(args, "-r", req.Release)
	}
	if req.Flags.Thick {
		args = append(args, "--thickjail")
	}
	if req.Flags.Base {
		args = append(args, "--basejail")
	}
	if req.Flags.Empty {
		args = append(args, "--empty")
	}
	if req.Flags.Clone != "" {
		args = append(args, "--clone", req.Flags.Clone)
	}
	if req.PackageList != "" {
		args = append(args, "-p", req.PackageList)
	}
	args = append(args, req.Properties...)
	_, err := m.run(ctx, args...)
	if err != nil {
		if req.Flags.Clone != "" {
			return wrapMissing(err, req.Flags.Clone)
		}
		if req.Flags.Template != "" {
			return wrapMissing(err, req.Flags.Template)
		}
		return err
	}
	return nil
}

func (m *ShellManager) Start(ctx context.Context, name string) error {
	_, err := m.run(ctx, "start", name)
	return wrapMissing(err, name)
}

func (m *ShellManager) Stop(ctx context.Context, name string) error {
	_, err := m.run(ctx, "stop", name)
	return wrapMissing(err, name)
}

func (m *ShellManager) Restart(ctx context.Context, name string) error {
	_, err := m.run(ctx, "restart", name)
	return wrapMissing(err, name)
}

func (m *ShellManager) Destroy(ctx context.Context, name string) error {
	_, err := m.run(ctx, "destroy", "-f", name)
	return wrapMissing(err, name)
}

func (m *ShellManager) Fetch(ctx context.Context, release string) error {
	args := []string{"fetch"}
	if release = strings.TrimSpace(release); release != "" {
		args = append(args, "-r", release)
	}
	_, err := m.run(ctx, args...)
	return err
}

func (m *ShellManager) Update(ctx context.Context, name string, packages bool) error {
	args := []string{"update"}
	if packages {
		args = append(args, "-P")
	}
	args = append(args, name)
	_, err := m.run(ctx, args...)
	return wrapMissing(err, name)
}

func (m *ShellManager) runner() CommandRunner {
	if m.Runner != nil {
		return m.Runner
	}
	return ExecRunner{}
}

func (m *ShellManager) iocagePath() string {
	if m.IocagePath != "" {
		return m.IocagePath
	}
	return "iocage"
}

func (m *ShellManager) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := m.withCommandTimeout(ctx)
	defer cancel()
	return m.runner().Run(ctx, m.iocagePath(), args...)
}

func (m *ShellManager) withCommandTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.CommandTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.CommandTimeout)
}

func wrapMissing(err error, name string) error {
	if err == nil {
		return nil
	}
	if isMissingJailError(err, name) {
		return fmt.Errorf("%w: %v", ErrJailNotFound, err)
	}
	return err
}

// parseJailList parses `iocage list -h` output: JID, NAME, STATE, RELEASE, IP4
// separated by tabs. A JID of "-" means the jail is not running.
func parseJailList(output string) []Record {
	var records []Record
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) == 1 {
			fields = strings.Fields(line)
		}
		if len(fields) < 2 {
			continue
		}
		rec := Record{
			JID:  strings.TrimSpace(fields[0]),
			Name: strings.TrimSpace(fields[1]),
		}
		if len(fields) > 2 {
			rec.State = strings.TrimSpace(fields[2])
		}
		if len(fields) > 3 {
			rec.Release = strings.TrimSpace(fields[3])
		}
		if len(fields) > 4 {
			rec.IP4 = strings.TrimSpace(fields[4])
		}
		records = append(records, rec)
	}
	return records
}

func parseReleaseList(output string) []Record {
	var records []Record
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		records = append(records, Record{Name: strings.Fields(line)[0]})
	}
	return records
}

// parseProperties parses `iocage get -a` output, one "name:value" per line.
func parseProperties(output string) *props.Map {
	m := props.New()
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		m.Set(key, value)
	}
	return m
}
