// ABOUTME: Helpers for consistent CLI error messages with hints and next steps.
// ABOUTME: Usage errors are flagged so main can exit with status 2.

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jailkeeper/jailkeeper/internal/jail"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var errHelp = errors.New("help requested")

type cliError struct {
	msg   string
	next  string
	hints []string
	usage bool
	err   error
}

func (e *cliError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.msg) != "" {
		return e.msg
	}
	if e.err != nil {
		return e.err.Error()
	}
	return "unknown error"
}

func (e *cliError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func newCLIError(msg, next string, hints ...string) error {
	return &cliError{
		msg:   strings.TrimSpace(msg),
		next:  strings.TrimSpace(next),
		hints: normalizeHints(hints),
	}
}

func wrapCLIError(err error, msg, next string, hints ...string) error {
	if err == nil {
		return newCLIError(msg, next, hints...)
	}
	return &cliError{
		msg:   strings.TrimSpace(msg),
		next:  strings.TrimSpace(next),
		hints: normalizeHints(hints),
		err:   err,
	}
}

// usageErrorf reports a malformed invocation; usage is the command synopsis.
func usageErrorf(usage, format string, args ...any) error {
	return &cliError{
		msg:   fmt.Sprintf(format, args...),
		next:  "usage: " + strings.TrimSpace(usage),
		usage: true,
	}
}

func withHints(err error, hints ...string) error {
	if err == nil {
		return nil
	}
	hints = normalizeHints(hints)
	if len(hints) == 0 {
		return err
	}
	var ce *cliError
	if errors.As(err, &ce) {
		ce.hints = normalizeHints(append(ce.hints, hints...))
		return err
	}
	return &cliError{err: err, hints: hints}
}

// withJailHints attaches hints for the core error taxonomy.
func withJailHints(err error, name string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jail.ErrNotFound):
		return withHints(err, "run 'jailkeeper list' to see existing jails")
	case errors.Is(err, jail.ErrInvalidArgument):
		return withHints(err, fmt.Sprintf("run 'jailkeeper get %s' to see valid property names", jail.DefaultsTarget))
	case errors.Is(err, jail.ErrInvalidState):
		return withHints(err, fmt.Sprintf("run 'jailkeeper get %s state' to check the jail state", name))
	case errors.Is(err, jail.ErrExecution):
		return withHints(err, "check that iocage_path points to a working iocage and the pool is activated")
	default:
		return err
	}
}

func describeError(err error) (string, string, []string) {
	if err == nil {
		return "", "", nil
	}
	var ce *cliError
	if errors.As(err, &ce) {
		msg := strings.TrimSpace(ce.msg)
		if msg == "" && ce.err != nil {
			msg = strings.TrimSpace(ce.err.Error())
		} else if ce.err != nil {
			msg = msg + ": " + strings.TrimSpace(ce.err.Error())
		}
		return msg, strings.TrimSpace(ce.next), normalizeHints(ce.hints)
	}
	return strings.TrimSpace(err.Error()), "", nil
}

func isUsageError(err error) bool {
	var ce *cliError
	return errors.As(err, &ce) && ce.usage
}

// exitCode prints err to w and maps it to a process exit status.
func exitCode(w io.Writer, err error) int {
	switch {
	case err == nil, errors.Is(err, errHelp):
		return exitOK
	case isUsageError(err):
		msg, next, hints := describeError(err)
		printError(w, msg, next, hints)
		return exitUsage
	default:
		msg, next, hints := describeError(err)
		printError(w, msg, next, hints)
		return exitFailure
	}
}

func normalizeHints(hints []string) []string {
	seen := make(map[string]struct{}, len(hints))
	out := make([]string, 0, len(hints))
	for _, hint := range hints {
		value := strings.TrimSpace(hint)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func printError(w io.Writer, msg, next string, hints []string) {
	if w == nil {
		return
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "unknown error"
	}
	_, _ = io.WriteString(w, "error: "+msg+"\n")
	next = strings.TrimSpace(next)
	if next != "" {
		_, _ = io.WriteString(w, "next: "+next+"\n")
	}
	for _, hint := range normalizeHints(hints) {
		_, _ = io.WriteString(w, "hint: "+hint+"\n")
	}
}
