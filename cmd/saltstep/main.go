// saltstep runs one command on one minion through salt-api. Settings come
// from RD_* environment variables; the remote stdout and stderr are copied to
// the local ones and the remote exit code becomes the process exit code.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrej220/saltdispatch/internal/lg"
	"github.com/andrej220/saltdispatch/internal/orchestrator"
	"github.com/andrej220/saltdispatch/internal/stepenv"
	"github.com/andrej220/saltdispatch/pkg/failure"
)

const SERVICENAME = "saltstep"

// exitFailure is used for every failure that is not a remote exit code.
const exitFailure = 1

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(SERVICENAME, flag.ContinueOnError)
	fs.SetOutput(stderr)
	logCfg := lg.RegisterFlags(fs, SERVICENAME)
	envFile := fs.String("env-file", ".env", "optional file with RD_* variables")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	step, err := stepenv.Load(*envFile)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", failure.ArgumentsInvalid, err)
		return exitFailure
	}
	logCfg.Debug = logCfg.Debug || step.Debug
	logger := lg.New(logCfg)
	defer func() { _ = logger.Sync() }()

	if step.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.DispatchTimeout)
		defer cancel()
	}

	o := orchestrator.New(
		orchestrator.WithLogger(logger),
		orchestrator.WithPollSchedule(step.PollStep, step.PollMaxDelay),
	)
	return report(ctx, o, step.Request, stdout, stderr, logger)
}

// dispatcher is the part of the orchestrator report needs.
type dispatcher interface {
	Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

func report(ctx context.Context, d dispatcher, req orchestrator.Request, stdout, stderr io.Writer, logger lg.Logger) int {
	res, err := d.Execute(ctx, req)
	if res != nil {
		io.WriteString(stdout, res.Output.Stdout)
		io.WriteString(stderr, res.Output.Stderr)
	}
	if err == nil {
		return 0
	}

	reason, _ := failure.ReasonOf(err)
	logger.Error("node step failed", lg.String("reason", reason.String()), lg.Err(err))
	if reason == failure.ExitCode && res != nil {
		return res.Output.ExitCode
	}
	fmt.Fprintln(stderr, err)
	return exitFailure
}
