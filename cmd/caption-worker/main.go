package main

import (
	"os"

	"github.com/linguameet/caption-worker/internal/config"
	"github.com/linguameet/caption-worker/internal/logging"
	"github.com/linguameet/caption-worker/internal/version"
	"github.com/linguameet/caption-worker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to load configuration: %v", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel)
	logging.Info(logging.CategoryApp, "starting caption-worker version=%s", version.Version)

	w, err := worker.NewWorker(cfg)
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to create worker: %v", err)
		os.Exit(1)
	}

	if err := w.Start(); err != nil {
		logging.Fail(logging.CategoryApp, "worker failed: %v", err)
		os.Exit(1)
	}

	logging.Info(logging.CategoryApp, "worker shutdown complete")
}
