package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/BongoMart/OrderPilot/config"
	"github.com/BongoMart/OrderPilot/internal/metrics"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	metrics.Register()

	w, closeFn, err := buildShipWorker(cfg, defaultWorkerFactories())
	if err != nil {
		panic(err)
	}
	defer closeFn()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(ctx)
	})
	g.Go(func() error {
		return runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.OrderPilot.WorkerHTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			worker:      w,
			cfg:         cfg,
		})
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		panic(err)
	}
}
