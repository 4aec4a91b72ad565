package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"

	"github.com/jailkeeper/jailkeeper/internal/state"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// useColor reports whether w is a terminal that should get ANSI colours.
func useColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// isInteractive returns true if both stdin and stdout are terminals.
func isInteractive() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
}

func outcomeLabel(o state.Outcome, color bool) string {
	label := "ok"
	code := ansiGreen
	switch o {
	case state.OutcomeFailed:
		label, code = "failed", ansiRed
	case state.OutcomePending:
		label, code = "pending", ansiYellow
	}
	padded := fmt.Sprintf("%-7s", label)
	if !color {
		return padded
	}
	return code + padded + ansiReset
}

func printResult(w io.Writer, res state.Result, color bool) {
	fmt.Fprintf(w, "%s %s: %s\n", outcomeLabel(res.Result, color), res.Name, res.Comment)
	indent := strings.Repeat(" ", 8)
	for _, ch := range res.Changes {
		fmt.Fprintf(w, "%s%s: %q -> %q\n", indent, ch.Key, ch.Old, ch.New)
	}
	if res.Transition != nil {
		fmt.Fprintf(w, "%sstatus: %s -> %s\n", indent, res.Transition.From, res.Transition.To)
	}
}

// printResults renders results as json or one block per result followed by
// a summary line.
func (c *cli) printResults(results []state.Result) error {
	if c.opts.jsonOutput {
		if results == nil {
			results = []state.Result{}
		}
		return writeJSON(c.stdout, results)
	}
	color := useColor(c.stdout)
	var ok, pending, failed int
	for _, res := range results {
		printResult(c.stdout, res, color)
		switch res.Result {
		case state.OutcomeSucceeded:
			ok++
		case state.OutcomePending:
			pending++
		default:
			failed++
		}
	}
	_, err := fmt.Fprintf(c.stdout, "%d ok, %d pending, %d failed\n", ok, pending, failed)
	return err
}

func (c *cli) printOne(res state.Result) error {
	if c.opts.jsonOutput {
		return writeJSON(c.stdout, res)
	}
	printResult(c.stdout, res, useColor(c.stdout))
	return nil
}
