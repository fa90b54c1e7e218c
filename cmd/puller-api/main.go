package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go-accurate-puller/internal/api"
	"go-accurate-puller/internal/api/handler"
	"go-accurate-puller/internal/config"
	"go-accurate-puller/internal/store"
	"go-accurate-puller/pkg/router"
	"go-accurate-puller/pkg/utils"
)

// @title Accurate Puller API
// @version 1.0
// @description Job registry, reports and exports of Accurate ERP pulls.
// @host localhost:8080
// @BasePath /api/v1
func main() {
	configPath := flag.String("config", "", "config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(false); err != nil {
		return err
	}
	log := config.NewLogger(os.Stderr, cfg.Log)

	// Init DB
	jobs, err := store.OpenJobStore(cfg.Store.JobDB)
	if err != nil {
		return fmt.Errorf("open job registry: %w", err)
	}
	defer jobs.Close()

	// Create router
	r := router.New(log)

	// Register API routes
	api.RegisterRoutes(r, handler.New(jobs, utils.NewOutputManager(cfg.Export.Dir), nil, log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server
	return r.Start(ctx, cfg.Server.Addr)
}
