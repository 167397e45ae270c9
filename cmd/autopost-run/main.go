// Command autopost-run dispatches a single scheduled job and exits. It is
// meant to be started by an OS timer at the job's scheduled time.
//
//	autopost-run -config ./config.yaml <job-id>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"autopost/internal/app"
	"autopost/internal/runner"
	logx "autopost/pkg/logx"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("autopost-run", flag.ContinueOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config (yaml or json)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: autopost-run [-config path] <job-id>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return runner.ExitConfig
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return runner.ExitConfig
	}
	jobID := fs.Arg(0)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, *cfgPath)
	if err != nil {
		logx.Bootstrap(os.Stderr).Error("startup failed", logx.String("job", jobID), logx.Err(err))
		return runner.StartupExitCode(err)
	}
	defer a.Close()

	return runner.Run(ctx, a, jobID, a.Logger())
}
