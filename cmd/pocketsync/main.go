package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openmined/pocketsync/internal/client"
	"github.com/openmined/pocketsync/internal/config"
	"github.com/openmined/pocketsync/internal/sync"
	"github.com/openmined/pocketsync/internal/version"
	"github.com/openmined/pocketsync/internal/workspace"
	"github.com/spf13/cobra"
)

const (
	exitOK       = 0
	exitFailed   = 1
	exitLockHeld = 2
	exitPartial  = 3
	exitConfig   = 4
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code   int
	err    error
	logged bool
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func logExitError(err error) {
	var ee *exitError
	if errors.As(err, &ee) && !ee.logged {
		slog.Error("pocketsync", "error", ee.err)
		ee.logged = true
	}
}

// exitCode maps the outcome of a run to the process exit code.
func exitCode(res *sync.Result, err error) int {
	switch {
	case err == nil && res != nil && res.Partial():
		return exitPartial
	case err == nil:
		return exitOK
	case errors.Is(err, sync.ErrLockHeld):
		return exitLockHeld
	case errors.Is(err, sync.ErrConfig),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, config.ErrNotFound),
		errors.Is(err, workspace.ErrNotInitialized):
		return exitConfig
	default:
		return exitFailed
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pocketsync",
		Short:         "Two-way sync of a local directory with a remote directory",
		Long:          "Runs exactly one sync of the local root with its configured remote. Changes on both sides are merged against the state of the last sync.",
		Version:       version.Detailed(),
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			setupConsoleLog(cmd.ErrOrStderr(), verbose)
		},
		RunE: runSync,
	}

	cmd.Flags().SortFlags = false
	cmd.PersistentFlags().StringP("root", "r", ".", "Local root directory, or any directory below it")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to the console")
	cmd.Flags().String("remote", "", "Remote to sync with, overriding the configured one")
	cmd.Flags().IntP("workers", "w", config.DefaultWorkers, "Number of parallel transfers")
	cmd.Flags().BoolP("dry-run", "n", false, "Print the plan and change nothing")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func runSync(cmd *cobra.Command, _ []string) (err error) {
	root, _ := cmd.Flags().GetString("root")
	ws, err := workspace.Find(root)
	if err != nil {
		return withCode(exitConfig, err)
	}

	logFile, err := attachLogFile(ws.LogPath)
	if err != nil {
		return withCode(exitFailed, err)
	}
	defer func() {
		logExitError(err)
		logFile.Close()
	}()

	v := config.NewViper()
	v.BindPFlag(config.ViperKey(config.KeyRemote), cmd.Flags().Lookup("remote"))
	v.BindPFlag(config.ViperKey(config.KeyWorkers), cmd.Flags().Lookup("workers"))
	cfg, err := config.Load(ws.ConfigPath, v)
	if err != nil {
		return withCode(exitConfig, err)
	}

	// all good now, no usage on errors past this point
	cmd.SilenceUsage = true

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	c, err := client.New(cmd.Context(), ws, cfg, client.Options{DryRun: dryRun})
	if err != nil {
		return withCode(exitCode(nil, err), err)
	}
	defer c.Close()

	res, err := c.Run(cmd.Context())
	if err != nil {
		return withCode(exitCode(res, err), err)
	}

	out := cmd.OutOrStdout()
	if dryRun {
		printPlan(out, res.Plan)
		return nil
	}
	printSummary(out, res)
	if res.Partial() {
		return withCode(exitPartial, fmt.Errorf("%d paths failed, see %s", len(res.Report.Failed()), ws.LogPath))
	}
	return nil
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		logExitError(ee)
		return ee.code
	}
	// flag and argument errors
	fmt.Fprintln(stderr, "Error:", err)
	return exitConfig
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
