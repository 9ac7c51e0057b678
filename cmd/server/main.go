package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tickwire/tickwire/internal/core/observability/log"
	"github.com/tickwire/tickwire/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := log.New(config.Level())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.NewServer(config, logger)
	if err != nil {
		logger.Fatal("server setup failed", log.Error(err))
	}
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server start failed", log.Error(err))
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	<-stopCh

	cancel()
	if err := srv.Stop(); err != nil {
		logger.Error("shutdown error", log.Error(err))
	}
}
