// ABOUTME: Wires config, logging, the iocage manager, the engine, metrics and
// ABOUTME: the run history store for one CLI invocation.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jailkeeper/jailkeeper/internal/config"
	"github.com/jailkeeper/jailkeeper/internal/db"
	"github.com/jailkeeper/jailkeeper/internal/iocage"
	"github.com/jailkeeper/jailkeeper/internal/jail"
	"github.com/jailkeeper/jailkeeper/internal/metrics"
	"github.com/jailkeeper/jailkeeper/internal/state"
	"github.com/jailkeeper/jailkeeper/internal/statefile"
)

const logPerms = 0o640

// newManager builds the jail manager for a config. Tests replace it.
var newManager = func(cfg config.Config) iocage.Manager {
	var runner iocage.CommandRunner = iocage.ExecRunner{}
	if cfg.UseBash {
		runner = iocage.BashRunner{}
	}
	return iocage.NewShellManager(cfg.IocagePath, runner, cfg.CommandTimeout)
}

type cli struct {
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer
}

type app struct {
	cfg     config.Config
	logger  *log.Logger
	engine  *jail.Engine
	runner  *state.Runner
	metrics *metrics.Metrics
	history *db.Store
	logFile *os.File
	stderr  io.Writer
}

// open loads the config and wires the engine. withHistory opens the run
// history store when history is enabled.
func (c *cli) open(withHistory bool) (*app, error) {
	cfg, err := loadConfig(c.opts.configPath, c.stderr)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, stderr: c.stderr}
	switch {
	case strings.TrimSpace(cfg.LogPath) != "":
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logPerms)
		if err != nil {
			return nil, wrapCLIError(err, "open log file", "", "check log_path in "+cfg.ConfigPath)
		}
		a.logFile = f
		a.logger = log.New(f, "jailkeeper: ", log.LstdFlags)
	case c.opts.verbose:
		a.logger = log.New(c.stderr, "jailkeeper: ", log.LstdFlags)
	default:
		a.logger = log.New(io.Discard, "", 0)
	}

	mode := state.ModeApply
	if c.opts.dryRun {
		mode = state.ModeDryRun
	}
	a.metrics = metrics.New()
	a.engine = jail.NewEngine(newManager(cfg), a.logger).WithMetrics(a.metrics)
	a.runner = state.NewRunner(a.engine, mode, a.logger).WithMetrics(a.metrics)

	if withHistory && cfg.HistoryEnabled {
		store, err := db.Open(cfg.DBPath)
		if err != nil {
			a.close()
			return nil, wrapCLIError(err, "open run history", "", "set history_enabled: false to run without history")
		}
		a.history = store
	}
	return a, nil
}

// close flushes the metrics textfile and releases the history store and
// log file.
func (a *app) close() {
	if a == nil {
		return
	}
	if path := strings.TrimSpace(a.cfg.MetricsTextfile); path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			fmt.Fprintf(a.stderr, "warning: write metrics textfile %s: %v\n", path, err)
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Printf("close history: %v", err)
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

func (a *app) stateStore() statefile.Store {
	return statefile.Store{
		Dir:            a.cfg.StateDir,
		AgeKeyPath:     a.cfg.AgeKeyPath,
		SopsPath:       a.cfg.SopsPath,
		AllowPlaintext: a.cfg.AllowPlaintext,
	}
}

// checkAgeKey warns about or rejects a loosely protected age identity. A
// missing identity is left to the state file loader.
func (a *app) checkAgeKey() error {
	path := strings.TrimSpace(a.cfg.AgeKeyPath)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	warning, err := config.CheckPermissions("age key", path)
	if err != nil {
		return wrapCLIError(err, "", "", "chmod 0600 "+path)
	}
	if warning != "" {
		fmt.Fprintln(a.stderr, "warning: "+warning)
	}
	return nil
}

// record stores one entry-point result in the run history. Failures are
// logged and never fail the command.
func (a *app) record(ctx context.Context, entry, target string, started time.Time, res state.Result) {
	if a.history == nil {
		return
	}
	run := db.Run{
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
		Entry:      entry,
		Target:     target,
		Mode:       a.runner.Mode().String(),
		Outcome:    res.Result.String(),
		Comment:    res.Comment,
	}
	if res.Transition != nil {
		run.TransitionFrom = string(res.Transition.From)
		run.TransitionTo = string(res.Transition.To)
	}
	for _, ch := range res.Changes {
		run.Changes = append(run.Changes, db.Change{Key: ch.Key, OldValue: ch.Old, NewValue: ch.New})
	}
	if _, err := a.history.RecordRun(ctx, run); err != nil {
		a.logger.Printf("history record failed entry=%s target=%s: %v", entry, target, err)
		fmt.Fprintf(a.stderr, "warning: record history for %s: %v\n", target, err)
	}
}

// loadConfig reads the config named by path, else the default path when it
// exists, else the built-in defaults.
func loadConfig(path string, stderr io.Writer) (config.Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return config.Config{}, wrapCLIError(err, "stat default config", "")
			}
			cfg := config.DefaultConfig()
			if err := cfg.Validate(); err != nil {
				return cfg, wrapCLIError(err, "invalid default config", "")
			}
			return cfg, nil
		}
		path = config.DefaultPath
	}
	warning, err := config.CheckConfigPermissions(path)
	if err != nil {
		return config.Config{}, wrapCLIError(err, "", "", "chmod 0600 "+path)
	}
	if warning != "" {
		fmt.Fprintln(stderr, "warning: "+warning)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, wrapCLIError(err, "", "fix the config file and retry")
	}
	return cfg, nil
}
