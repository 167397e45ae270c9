package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"autopost/internal/app"
	"autopost/internal/runner"
	logx "autopost/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		logx.Bootstrap(os.Stderr).Error("startup failed", logx.Err(err))
		os.Exit(runner.StartupExitCode(err))
	}

	err = a.Run(ctx)
	if err != nil {
		a.Logger().Error("fatal", logx.Err(err))
	}
	_ = a.Close()
	if err != nil {
		os.Exit(1)
	}
}
