package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"courierops/internal/app"
	"courierops/internal/config"
	logx "courierops/pkg/logx"
	"courierops/pkg/systemd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("fatal: load config:", err)
		os.Exit(1)
	}

	logSvc, log, err := logx.New(cfg.Log)
	if err != nil {
		fmt.Println("fatal: init logging:", err)
		os.Exit(1)
	}
	defer logSvc.Close()

	a, err := app.New(cfg, logSvc, log)
	if err != nil {
		log.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}

	systemd.NotifyReady()
	go systemd.RunWatchdog(ctx)
	defer systemd.NotifyStopping()

	if err := a.Run(ctx); err != nil {
		log.Error("run failed", logx.Err(err))
		os.Exit(1)
	}
}
