// Command stepflow runs the workflow engine as a service: it executes
// workflows submitted by an embedding application and exposes the human
// side of the engine over HTTP, i.e. pending approvals, approval
// decisions, external event delivery and run cancellation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/runner"
)

func main() {
	var (
		configPath = flag.String("config", "stepflow.yaml", "path to the YAML configuration file")
		listenAddr = flag.String("listen", ":8080", "HTTP listen address")
	)
	flag.Parse()

	if err := run(*configPath, *listenAddr); err != nil {
		fmt.Fprintln(os.Stderr, "stepflow:", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr string) error {
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		return err
	}
	logger, err := cfg.BuildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, nil, logger)
	}

	r, err := runner.New(cfg, logger, runner.WithCollector(collector))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r.Start(ctx)
	defer func() {
		if err := r.Shutdown(); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	srv := newServer(r, logger)
	return srv.listenAndServe(ctx, listenAddr)
}
