// lapphost runs a local-first lapp host node: it serves installed lapps over
// HTTP and WebSocket and synchronizes their events with peers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lappnet/lapphost/internal/app"
	"github.com/lappnet/lapphost/internal/config"
	"github.com/lappnet/lapphost/pkg/logger"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	log := logger.NewDefault("lapphost")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("load configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("assemble application")
		os.Exit(1)
	}
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}
	log.Infof("lapphost up, gateway on %s", cfg.HTTP.Addr)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
}
