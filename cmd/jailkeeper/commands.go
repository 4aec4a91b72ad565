package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/jailkeeper/jailkeeper/internal/iocage"
	"github.com/jailkeeper/jailkeeper/internal/jail"
	"github.com/jailkeeper/jailkeeper/internal/props"
	"github.com/jailkeeper/jailkeeper/internal/state"
)

const (
	applyUsage    = "jailkeeper apply <statefile>"
	ensureUsage   = "jailkeeper ensure <jail> [--type <type>] [--template <id>] [--release <release>] [--clone <jail>] [--pkglist <path>] [--set name=value ...]"
	propertyUsage = "jailkeeper property <name> <value> [--jail <jail>]"
	getUsage      = "jailkeeper get <jail> [property]"
	listUsage     = "jailkeeper list [--templates | --releases]"
	fetchUsage    = "jailkeeper fetch [release]"
	updateUsage   = "jailkeeper update <jail> [--packages]"
	historyUsage  = "jailkeeper history [--target <name>] [--limit <n>] [--prune <age>]"

	defaultHistoryLimit = 20
)

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parseFlags parses args and prints usage for --help.
func parseFlags(fs *pflag.FlagSet, args []string, usage string, w io.Writer) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(w, "Usage: "+usage)
			if flags := fs.FlagUsages(); flags != "" {
				fmt.Fprint(w, "\nFlags:\n"+flags)
			}
			return errHelp
		}
		return usageErrorf(usage, "%v", err)
	}
	return nil
}

func rejectDryRun(c *cli, command string) error {
	if c.opts.dryRun {
		return usageErrorf("jailkeeper "+command, "--dry-run is only supported by apply, ensure and property")
	}
	return nil
}

func runApply(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("apply")
	if err := parseFlags(fs, args, applyUsage, c.stdout); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageErrorf(applyUsage, "apply takes exactly one state file")
	}
	a, err := c.open(true)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.checkAgeKey(); err != nil {
		return err
	}

	store := a.stateStore()
	doc, err := store.Load(ctx, fs.Arg(0))
	if err != nil {
		return wrapCLIError(err, "load state file", "",
			fmt.Sprintf("bare names are looked up in %s as .age, .sops.yaml or .yaml", store.Dir))
	}
	decls, err := doc.Declarations()
	if err != nil {
		return wrapCLIError(err, "invalid state file", "")
	}

	started := time.Now()
	results := a.runner.Run(ctx, doc.Defaults, decls)
	defaults := doc.Defaults.Len()
	for i, res := range results {
		if i < defaults {
			a.record(ctx, "property", jail.DefaultsTarget, started, res)
			continue
		}
		a.record(ctx, "managed", res.Name, started, res)
	}
	if err := c.printResults(results); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrapCLIError(err, fmt.Sprintf("apply interrupted after %d of %d entries", len(results), defaults+len(decls)), "")
	}
	if failed := state.Failed(results); failed > 0 {
		return newCLIError(fmt.Sprintf("%d of %d entries failed", failed, len(results)), "",
			"run 'jailkeeper history --limit 10' to review recorded runs")
	}
	return nil
}

func runEnsure(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("ensure")
	var (
		typeName string
		opts     state.ManagedOptions
		sets     []string
	)
	fs.StringVar(&typeName, "type", "", "jail type when creating: full, clone, base, empty or template-clone")
	fs.StringVar(&opts.TemplateID, "template", "", "template jail for template-clone")
	fs.StringVar(&opts.Release, "release", "", "release to create from")
	fs.StringVar(&opts.Clone, "clone", "", "source jail for clone")
	fs.StringVar(&opts.PackageList, "pkglist", "", "package list file installed at creation")
	fs.StringArrayVarP(&sets, "set", "s", nil, "desired property as name=value (repeatable)")
	if err := parseFlags(fs, args, ensureUsage, c.stdout); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageErrorf(ensureUsage, "ensure takes exactly one jail name")
	}
	name := fs.Arg(0)
	if jail.IsDefaults(name) {
		return usageErrorf(propertyUsage, "use 'jailkeeper property' to change the defaults template")
	}
	jailType, err := jail.ParseType(typeName)
	if err != nil {
		return usageErrorf(ensureUsage, "%v", err)
	}
	opts.Type = jailType
	desired := props.New()
	for _, s := range sets {
		key, value, err := props.ParseAssignment(s)
		if err != nil {
			return usageErrorf(ensureUsage, "%v", err)
		}
		desired.Set(key, value)
	}

	a, err := c.open(true)
	if err != nil {
		return err
	}
	defer a.close()
	started := time.Now()
	res := a.runner.Managed(ctx, name, desired, opts)
	a.record(ctx, "managed", name, started, res)
	if err := c.printOne(res); err != nil {
		return err
	}
	if !res.OK() {
		return newCLIError(fmt.Sprintf("ensure %s failed", name), "", "fix the reported problem and re-run; ensure is idempotent")
	}
	return nil
}

func runProperty(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("property")
	target := fs.String("jail", "", "jail to change (default: the defaults template)")
	if err := parseFlags(fs, args, propertyUsage, c.stdout); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return usageErrorf(propertyUsage, "property takes a name and a value")
	}
	name, value := fs.Arg(0), fs.Arg(1)

	a, err := c.open(true)
	if err != nil {
		return err
	}
	defer a.close()
	started := time.Now()
	res := a.runner.Property(ctx, name, value, *target)
	recordTarget := *target
	if recordTarget == "" {
		recordTarget = jail.DefaultsTarget
	}
	a.record(ctx, "property", recordTarget, started, res)
	if err := c.printOne(res); err != nil {
		return err
	}
	if !res.OK() {
		return newCLIError(fmt.Sprintf("property %s failed", name), "")
	}
	return nil
}

func runGet(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("get")
	if err := parseFlags(fs, args, getUsage, c.stdout); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return usageErrorf(getUsage, "get takes a jail name and an optional property")
	}
	name := fs.Arg(0)
	a, err := c.open(false)
	if err != nil {
		return err
	}
	defer a.close()

	if fs.NArg() == 2 {
		key := fs.Arg(1)
		value, found, err := a.engine.Property(ctx, name, key)
		if err != nil {
			return withJailHints(err, name)
		}
		if !found {
			return withJailHints(fmt.Errorf("%w: %s has no property %s", jail.ErrNotFound, name, key), name)
		}
		if c.opts.jsonOutput {
			return writeJSON(c.stdout, props.FromPairs(key, value))
		}
		_, err = fmt.Fprintln(c.stdout, value)
		return err
	}

	m, found, err := a.engine.Properties(ctx, name)
	if err != nil {
		return withJailHints(err, name)
	}
	if !found {
		return withJailHints(fmt.Errorf("%w: jail %s does not exist", jail.ErrNotFound, name), name)
	}
	if c.opts.jsonOutput {
		return writeJSON(c.stdout, m)
	}
	w := newTabWriter(c.stdout)
	fmt.Fprintln(w, "PROPERTY\tVALUE")
	for _, key := range m.Keys() {
		fmt.Fprintf(w, "%s\t%s\n", key, m.Value(key))
	}
	return w.Flush()
}

func runList(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("list")
	templates := fs.Bool("templates", false, "list template jails")
	releases := fs.Bool("releases", false, "list fetched releases")
	if err := parseFlags(fs, args, listUsage, c.stdout); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return usageErrorf(listUsage, "list takes no arguments")
	}
	if *templates && *releases {
		return usageErrorf(listUsage, "--templates and --releases are mutually exclusive")
	}
	scope := iocage.ScopeAll
	switch {
	case *templates:
		scope = iocage.ScopeTemplate
	case *releases:
		scope = iocage.ScopeBase
	}

	a, err := c.open(false)
	if err != nil {
		return err
	}
	defer a.close()
	records, err := a.engine.List(ctx, scope)
	if err != nil {
		return withJailHints(err, "")
	}
	if c.opts.jsonOutput {
		if records == nil {
			records = []iocage.Record{}
		}
		return writeJSON(c.stdout, records)
	}
	w := newTabWriter(c.stdout)
	if scope == iocage.ScopeBase {
		fmt.Fprintln(w, "RELEASE")
		for _, r := range records {
			fmt.Fprintln(w, r.Name)
		}
		return w.Flush()
	}
	fmt.Fprintln(w, "JID\tNAME\tSTATE\tRELEASE\tIP4")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", orDash(r.JID), r.Name, orDash(r.State), orDash(r.Release), orDash(r.IP4))
	}
	return w.Flush()
}

type lifecycleView struct {
	Name   string      `json:"name"`
	Op     string      `json:"op"`
	Status jail.Status `json:"status"`
}

var lifecyclePast = map[string]string{
	"start":   "started",
	"stop":    "stopped",
	"restart": "restarted",
	"destroy": "destroyed",
}

func runLifecycle(ctx context.Context, c *cli, op string, args []string) error {
	usage := fmt.Sprintf("jailkeeper %s <jail>", op)
	fs := newFlagSet(op)
	var force bool
	if op == "destroy" {
		usage += " [--force]"
		fs.BoolVarP(&force, "force", "f", false, "destroy without prompting")
	}
	if err := parseFlags(fs, args, usage, c.stdout); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageErrorf(usage, "%s takes exactly one jail name", op)
	}
	if err := rejectDryRun(c, op); err != nil {
		return err
	}
	name := fs.Arg(0)

	a, err := c.open(false)
	if err != nil {
		return err
	}
	defer a.close()
	switch op {
	case "start":
		err = a.engine.Start(ctx, name)
	case "stop":
		err = a.engine.Stop(ctx, name)
	case "restart":
		err = a.engine.Restart(ctx, name)
	case "destroy":
		if cerr := requireConfirmation(confirmOptions{
			action:     "destroy jail " + name,
			force:      force,
			jsonOutput: c.opts.jsonOutput,
		}); cerr != nil {
			return cerr
		}
		err = a.engine.Destroy(ctx, name)
	}
	if err != nil {
		return withJailHints(err, name)
	}
	status, err := a.engine.Status(ctx, name)
	if err != nil {
		return withJailHints(err, name)
	}
	if c.opts.jsonOutput {
		return writeJSON(c.stdout, lifecycleView{Name: name, Op: op, Status: status})
	}
	_, err = fmt.Fprintf(c.stdout, "%s %s (%s)\n", lifecyclePast[op], name, status)
	return err
}

func runFetch(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("fetch")
	if err := parseFlags(fs, args, fetchUsage, c.stdout); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return usageErrorf(fetchUsage, "fetch takes at most one release")
	}
	if err := rejectDryRun(c, "fetch"); err != nil {
		return err
	}
	a, err := c.open(false)
	if err != nil {
		return err
	}
	defer a.close()

	release := strings.TrimSpace(fs.Arg(0))
	if release == "" {
		value, _, err := a.engine.Property(ctx, jail.DefaultsTarget, "release")
		if err != nil {
			return withJailHints(err, jail.DefaultsTarget)
		}
		if value != "" && value != "none" {
			release = value
		}
	}
	if release == "" {
		return usageErrorf(fetchUsage, "no release given and the defaults template names none")
	}
	if err := a.engine.Fetch(ctx, release); err != nil {
		return withJailHints(err, release)
	}
	if c.opts.jsonOutput {
		return writeJSON(c.stdout, map[string]string{"release": release})
	}
	_, err = fmt.Fprintf(c.stdout, "fetched %s\n", release)
	return err
}

func runUpdate(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("update")
	packages := fs.Bool("packages", false, "also upgrade installed packages")
	if err := parseFlags(fs, args, updateUsage, c.stdout); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageErrorf(updateUsage, "update takes exactly one jail name")
	}
	if err := rejectDryRun(c, "update"); err != nil {
		return err
	}
	name := fs.Arg(0)
	a, err := c.open(false)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.engine.Update(ctx, name, *packages); err != nil {
		return withJailHints(err, name)
	}
	if c.opts.jsonOutput {
		return writeJSON(c.stdout, map[string]any{"name": name, "packages": *packages})
	}
	_, err = fmt.Fprintf(c.stdout, "updated %s\n", name)
	return err
}

type historyChange struct {
	Key string `json:"key"`
	Old string `json:"old"`
	New string `json:"new"`
}

type historyEntry struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Entry      string          `json:"entry"`
	Target     string          `json:"target"`
	Mode       string          `json:"mode"`
	Outcome    string          `json:"outcome"`
	Comment    string          `json:"comment"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	Changes    []historyChange `json:"changes"`
}

func runHistory(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet("history")
	target := fs.String("target", "", "only show runs for this jail (or defaults)")
	limit := fs.Int("limit", defaultHistoryLimit, "maximum number of runs to show")
	prune := fs.Duration("prune", 0, "delete runs older than this age (e.g. 720h) instead of listing")
	if err := parseFlags(fs, args, historyUsage, c.stdout); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return usageErrorf(historyUsage, "history takes no arguments")
	}
	if *limit <= 0 {
		return usageErrorf(historyUsage, "--limit must be positive")
	}
	if *prune < 0 {
		return usageErrorf(historyUsage, "--prune must not be negative")
	}
	a, err := c.open(true)
	if err != nil {
		return err
	}
	defer a.close()
	if a.history == nil {
		return newCLIError("run history is disabled", "", "set history_enabled: true in "+a.cfg.ConfigPath)
	}

	if *prune > 0 {
		if c.opts.dryRun {
			return usageErrorf(historyUsage, "--dry-run is not supported with --prune")
		}
		removed, err := a.history.PruneRuns(ctx, time.Now().UTC().Add(-*prune))
		if err != nil {
			return wrapCLIError(err, "prune history", "")
		}
		if c.opts.jsonOutput {
			return writeJSON(c.stdout, map[string]int64{"pruned": removed})
		}
		_, err = fmt.Fprintf(c.stdout, "pruned %d runs\n", removed)
		return err
	}

	runs, err := a.history.ListRuns(ctx, *target, *limit)
	if err != nil {
		return wrapCLIError(err, "list history", "")
	}
	entries := make([]historyEntry, 0, len(runs))
	for _, run := range runs {
		entry := historyEntry{
			ID:         run.ID,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Entry:      run.Entry,
			Target:     run.Target,
			Mode:       run.Mode,
			Outcome:    run.Outcome,
			Comment:    run.Comment,
			From:       run.TransitionFrom,
			To:         run.TransitionTo,
			Changes:    make([]historyChange, 0, len(run.Changes)),
		}
		for _, ch := range run.Changes {
			entry.Changes = append(entry.Changes, historyChange{Key: ch.Key, Old: ch.OldValue, New: ch.NewValue})
		}
		entries = append(entries, entry)
	}
	if c.opts.jsonOutput {
		return writeJSON(c.stdout, entries)
	}
	w := newTabWriter(c.stdout)
	fmt.Fprintln(w, "STARTED\tENTRY\tTARGET\tMODE\tOUTCOME\tCHANGES\tCOMMENT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.StartedAt.Local().Format(time.DateTime), e.Entry, e.Target, e.Mode, e.Outcome, len(e.Changes), e.Comment)
	}
	return w.Flush()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
