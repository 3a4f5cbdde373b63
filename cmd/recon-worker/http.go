package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/BearBump/ShipRecon/config"
	"github.com/BearBump/ShipRecon/internal/services/reconciler"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	reconciler *reconciler.Reconciler
	cfg        *atomic.Pointer[config.Config]
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
		if opts.reconciler == nil {
			_, _ = w.Write([]byte(`{"error":"reconciler not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.reconciler.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil || opts.cfg.Load() == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		cfg := opts.cfg.Load()
		// Avoid dumping secrets; show only operational worker settings.
		out := map[string]any{
			"providerKind":          cfg.Provider.Kind,
			"degraded":              degradedMode(cfg),
			"pollIntervalSeconds":   cfg.ShipRecon.WorkerPollIntervalSeconds,
			"batchSize":             cfg.ShipRecon.WorkerBatchSize,
			"concurrency":           cfg.ShipRecon.WorkerConcurrency,
			"expiryDays":            cfg.ShipRecon.ExpiryDays,
			"expirySweepCron":       cfg.ShipRecon.ExpirySweepCron,
			"outForDeliverySeconds": cfg.ShipRecon.ScheduleOutForDeliverySeconds,
			"arrivedSeconds":        cfg.ShipRecon.ScheduleArrivedSeconds,
			"inTransitSeconds":      cfg.ShipRecon.ScheduleInTransitSeconds,
			"exceptionSeconds":      cfg.ShipRecon.ScheduleExceptionSeconds,
			"infoReceivedSeconds":   cfg.ShipRecon.ScheduleInfoReceivedSeconds,
			"noDataSeconds":         cfg.ShipRecon.ScheduleNoDataSeconds,
			"rateLimitDeferSeconds": cfg.ShipRecon.ScheduleRateLimitDeferSeconds,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.reconciler == nil {
			_, _ = w.Write([]byte(`{"error":"reconciler not wired"}`))
			return
		}
		opts.reconciler.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	// Swagger is optional for the worker; the admin surface must come up
	// even when no spec file is mounted.
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); err != nil {
			slog.Warn("worker swagger file not found, docs disabled", "path", opts.swaggerPath)
		} else {
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
