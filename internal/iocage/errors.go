// ABOUTME: This file provides error definitions and the CommandRunner interface used by
// the ShellManager implementation for executing iocage commands.
package iocage

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

var (
	// ErrJailNotFound is returned when a jail or template does not exist.
	ErrJailNotFound = errors.New("jail not found")

	// ErrPropertyNotFound is returned when a jail has no such property.
	ErrPropertyNotFound = errors.New("property not found")
)

// CommandRunner defines the interface for executing shell commands.
// ABOUTME: This abstraction lets ShellManager run iocage directly or through a
// wrapper, and lets tests record the exact argv without a FreeBSD host.
type CommandRunner interface {
	// Run executes a command with the given name and arguments.
	// ABOUTME: Returns stdout or an error carrying stderr if the command fails.
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// isMissingJailError reports whether err is iocage saying that the named jail
// does not exist. Failures to run iocage at all never match.
func isMissingJailError(err error, name string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, exec.ErrNotFound) {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "command not found") || strings.Contains(msg, "executable file not found") {
		return false
	}
	if strings.Contains(msg, "no such jail") || strings.Contains(msg, "jail does not exist") {
		return true
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	return strings.Contains(msg, name+" not found") || strings.Contains(msg, name+" does not exist")
}

func isMissingPropertyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "is not a valid property") ||
		strings.Contains(msg, "invalid property") ||
		strings.Contains(msg, "unknown property")
}
