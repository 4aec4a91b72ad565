package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/jailkeeper/jailkeeper/internal/buildinfo"
)

const usageText = `jailkeeper converges iocage jails to a declared state.

Usage:
  jailkeeper --version
  jailkeeper [global flags] apply <statefile>
  jailkeeper [global flags] ensure <jail> [--type <type>] [--template <id>] [--release <release>] [--clone <jail>] [--pkglist <path>] [--set name=value ...]
  jailkeeper [global flags] property <name> <value> [--jail <jail>]
  jailkeeper [global flags] get <jail> [property]
  jailkeeper [global flags] list [--templates | --releases]
  jailkeeper [global flags] start <jail>
  jailkeeper [global flags] stop <jail>
  jailkeeper [global flags] restart <jail>
  jailkeeper [global flags] destroy <jail> [--force]
  jailkeeper [global flags] fetch [release]
  jailkeeper [global flags] update <jail> [--packages]
  jailkeeper [global flags] history [--target <name>] [--limit <n>] [--prune <age>]

Global Flags:
  --config PATH   Config file (default /usr/local/etc/jailkeeper/config.yaml when present)
  --json          Output json
  --timeout       Overall deadline (e.g. 30s, 10m); 0 disables it
  -n, --dry-run   Report what apply, ensure and property would change without changing it
  -v, --verbose   Log engine activity to stderr
`

type globalOptions struct {
	configPath  string
	jsonOutput  bool
	showVersion bool
	dryRun      bool
	verbose     bool
	timeout     time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, rest, err := parseGlobal(args)
	if err != nil {
		printError(stderr, err.Error(), "", nil)
		printUsage(stderr)
		return exitUsage
	}
	if opts.showVersion {
		fmt.Fprintln(stdout, buildinfo.String())
		return exitOK
	}
	if len(rest) == 0 || isHelpToken(rest[0]) {
		printUsage(stdout)
		return exitOK
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	c := &cli{opts: opts, stdout: stdout, stderr: stderr}
	return exitCode(stderr, dispatch(ctx, c, rest))
}

func parseGlobal(args []string) (globalOptions, []string, error) {
	var opts globalOptions
	fs := pflag.NewFlagSet("jailkeeper", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)
	fs.StringVar(&opts.configPath, "config", "", "config file")
	fs.BoolVar(&opts.jsonOutput, "json", false, "output json")
	fs.DurationVar(&opts.timeout, "timeout", 0, "overall deadline (e.g. 30s, 10m)")
	fs.BoolVarP(&opts.dryRun, "dry-run", "n", false, "report changes without applying them")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "log engine activity to stderr")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return opts, []string{"help"}, nil
		}
		return opts, nil, err
	}
	if opts.timeout < 0 {
		return opts, nil, fmt.Errorf("--timeout must not be negative")
	}
	return opts, fs.Args(), nil
}

func dispatch(ctx context.Context, c *cli, args []string) error {
	switch args[0] {
	case "apply":
		return runApply(ctx, c, args[1:])
	case "ensure":
		return runEnsure(ctx, c, args[1:])
	case "property":
		return runProperty(ctx, c, args[1:])
	case "get":
		return runGet(ctx, c, args[1:])
	case "list":
		return runList(ctx, c, args[1:])
	case "start", "stop", "restart", "destroy":
		return runLifecycle(ctx, c, args[0], args[1:])
	case "fetch":
		return runFetch(ctx, c, args[1:])
	case "update":
		return runUpdate(ctx, c, args[1:])
	case "history":
		return runHistory(ctx, c, args[1:])
	default:
		printUsage(c.stderr)
		return usageErrorf("jailkeeper <command> [args]", "unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, usageText)
}

func isHelpToken(arg string) bool {
	switch strings.TrimSpace(arg) {
	case "help", "-h", "--help":
		return true
	default:
		return false
	}
}
