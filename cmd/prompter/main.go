// Command prompter drives an AI coding assistant through a sequence of
// declaratively defined tasks, verifying each one with a local command.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/prompter/internal/backend"
	"github.com/aristath/prompter/internal/config"
	"github.com/aristath/prompter/internal/events"
	"github.com/aristath/prompter/internal/history"
	"github.com/aristath/prompter/internal/orchestrator"
	"github.com/aristath/prompter/internal/progress"
	"github.com/aristath/prompter/internal/scheduler"
	"github.com/aristath/prompter/internal/state"
	"github.com/aristath/prompter/internal/verify"
)

var flags struct {
	dryRun         bool
	task           string
	status         bool
	clearState     bool
	verbose        bool
	debug          bool
	logFile        string
	simpleProgress bool
	noProgress     bool
}

func main() {
	root := &cobra.Command{
		Use:           "prompter <config.toml>",
		Short:         "Run AI-assisted tasks with command verification",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0])
		},
	}

	root.Flags().BoolVar(&flags.dryRun, "dry-run", false, "show what would run without executing anything")
	root.Flags().StringVar(&flags.task, "task", "", "run only the named task")
	root.Flags().BoolVar(&flags.status, "status", false, "print the recorded run status and exit")
	root.Flags().BoolVar(&flags.clearState, "clear-state", false, "delete the recorded run state and exit")
	root.Flags().BoolVar(&flags.verbose, "verbose", false, "verbose logging")
	root.Flags().BoolVar(&flags.debug, "debug", false, "debug logging")
	root.Flags().StringVar(&flags.logFile, "log-file", "", "write logs to this file instead of stderr")
	root.Flags().BoolVar(&flags.simpleProgress, "simple-progress", false, "force plain-text progress output")
	root.Flags().BoolVar(&flags.noProgress, "no-progress", false, "disable progress output")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if isArgumentError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// isArgumentError distinguishes cobra's flag/arg parse failures (exit 2)
// from failures of the run itself (exit 1). Everything from the run path
// is wrapped in *runError.
func isArgumentError(err error) bool {
	var re *runError
	return !errors.As(err, &re)
}

// runError wraps failures from the run itself so main can tell them apart
// from argument errors.
type runError struct{ err error }

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

func run(ctx context.Context, configPath string) error {
	setupLogging()

	cfg, err := config.Load(configPath)
	if err != nil {
		return &runError{err}
	}

	warnings, err := cfg.Validate()
	for _, w := range warnings {
		slog.Warn(w)
	}
	if err != nil {
		return &runError{err}
	}

	workDir := cfg.Settings.WorkingDirectory
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return &runError{fmt.Errorf("getting working directory: %w", err)}
		}
	}

	store, err := state.Open(filepath.Join(workDir, state.DefaultFileName))
	if err != nil {
		return &runError{err}
	}

	if flags.clearState {
		if err := store.Clear(); err != nil {
			return &runError{err}
		}
		fmt.Println("State cleared.")
		return nil
	}

	if flags.status {
		printStatus(store)
		return nil
	}

	graph, err := scheduler.Build(cfg.Tasks)
	if err != nil {
		return &runError{err}
	}
	if flags.dryRun {
		fmt.Print(graph.Describe())
	}

	pm := backend.NewProcessManager()
	go func() {
		<-ctx.Done()
		if err := pm.KillAll(); err != nil {
			slog.Debug("killing subprocesses", "error", err)
		}
	}()

	bus := events.NewBus()
	reporter := progress.New(os.Stdout, progressMode(cfg.Settings.ProgressMode))
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		reporter.Watch(bus.Subscribe(0))
	}()

	var archive *history.Store
	if !flags.dryRun {
		archive, err = history.Open(ctx, filepath.Join(workDir, history.DefaultFileName))
		if err != nil {
			slog.Warn("history archive unavailable", "error", err)
		} else {
			defer archive.Close()
		}
	}

	exec := orchestrator.NewExecutor(orchestrator.ExecutorOptions{
		Session:  backend.NewClaudeSession(backend.ClaudeConfig{WorkDir: workDir}, pm),
		Verifier: verify.New(workDir, 0),
		Store:    store,
		Archive:  archive,
		Bus:      bus,
		Settings: cfg.Settings,
		DryRun:   flags.dryRun,
	})

	runErr := orchestrator.Run(ctx, orchestrator.RunOptions{
		Config:        cfg,
		Executor:      exec,
		Store:         store,
		Bus:           bus,
		OnlyTask:      flags.task,
		MaxDispatches: maxDispatchesFromEnv(),
	})

	bus.Close()
	<-reporterDone

	fmt.Println("\nFinal status:")
	printStatus(store)

	if runErr != nil {
		return &runError{runErr}
	}
	if summary := store.Snapshot().Summarize(); summary.Failed > 0 {
		return &runError{fmt.Errorf("%d task(s) failed", summary.Failed)}
	}
	return nil
}

func setupLogging() {
	level := slog.LevelWarn
	if flags.verbose {
		level = slog.LevelInfo
	}
	if flags.debug {
		level = slog.LevelDebug
	}

	out := os.Stderr
	if flags.logFile != "" {
		f, err := os.OpenFile(flags.logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v\n", flags.logFile, err)
		} else {
			out = f
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}

func progressMode(configured config.ProgressMode) config.ProgressMode {
	switch {
	case flags.noProgress:
		return config.ProgressNone
	case flags.simpleProgress:
		return config.ProgressSimple
	default:
		return configured
	}
}

func printStatus(store *state.Store) {
	snap := store.Snapshot()
	s := snap.Summarize()
	fmt.Printf("Run %s: %d tasks — %d completed, %d failed, %d skipped, %d pending\n",
		s.SessionID, s.Total, s.Completed, s.Failed, s.Skipped, s.Pending+s.Running)
	for name, ts := range snap.Tasks {
		line := fmt.Sprintf("  %-20s %s (attempts: %d)", name, ts.Status, ts.Attempts)
		if ts.LastError != "" && flags.verbose {
			line += " — " + ts.LastError
		}
		fmt.Println(line)
	}
}

// maxDispatchesFromEnv reads the optional runaway-ceiling override. The
// core itself reads no environment variables.
func maxDispatchesFromEnv() int {
	v := os.Getenv("PROMPTER_MAX_ITERATIONS")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		slog.Warn("ignoring invalid PROMPTER_MAX_ITERATIONS", "value", v)
		return 0
	}
	return n
}
