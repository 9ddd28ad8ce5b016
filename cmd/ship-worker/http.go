package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/BongoMart/OrderPilot/config"
	"github.com/BongoMart/OrderPilot/internal/services/dispatch"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	worker *dispatch.Worker
	cfg    *config.Config
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.worker == nil {
			_, _ = w.Write([]byte(`{"error":"worker not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.worker.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Секреты наружу не отдаём, только операционные настройки.
		out := map[string]any{
			"pollIntervalSeconds": opts.cfg.OrderPilot.WorkerPollIntervalSeconds,
			"batchSize":           opts.cfg.OrderPilot.WorkerBatchSize,
			"concurrency":         opts.cfg.OrderPilot.WorkerConcurrency,
			"leaseSeconds":        opts.cfg.OrderPilot.WorkerLeaseSeconds,
			"rateLimitPerMinute":  opts.cfg.OrderPilot.WorkerRateLimitPerMinute,
			"courierChain":        opts.cfg.Couriers.Chain,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.worker == nil {
			_, _ = w.Write([]byte(`{"error":"worker not wired"}`))
			return
		}
		opts.worker.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	// Swagger опционален: воркер — чисто операционный сервис.
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); err == nil {
			r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Cache-Control", "no-store")
				http.ServeFile(w, r, opts.swaggerPath)
			})
			swaggerURL := "/swagger.json"
			if fi, err := os.Stat(opts.swaggerPath); err == nil {
				swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
			}
			r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
		}
	}

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}
