package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/3xpluto/quotagate/internal/admission"
	"github.com/3xpluto/quotagate/internal/config"
	"github.com/3xpluto/quotagate/internal/counter"
	"github.com/3xpluto/quotagate/internal/logging"
	"github.com/3xpluto/quotagate/internal/server"
)

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	log := logging.New("info")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log = logging.New(cfg.LogLevel)

	sched, err := cfg.Schedule()
	if err != nil {
		log.Error("failed to build schedule", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if validateOnly {
		log.Info("config ok", slog.Int("problems", len(sched.Problems())))
		return
	}

	// ---- Counter stores
	stores := server.OpenStores(context.Background(), cfg.Store, log)
	stores.StartSweeper(time.Duration(cfg.Store.SQL.SweepSeconds)*time.Second, log)
	defer func() {
		if err := stores.Close(); err != nil {
			log.Warn("closing counter store", slog.String("error", err.Error()))
		}
	}()

	// ---- Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// ---- Admission engine
	engine, err := admission.New(admission.Config{
		Schedule:                sched,
		Primary:                 stores.Primary,
		Fallback:                counter.NewMemoryStore(),
		ChargeLongOnShortReject: cfg.Admission.ChargeLongOnShortReject,
		FailurePolicy:           admission.FailurePolicy(cfg.Admission.FailurePolicy),
		GraceMultiplier:         cfg.Admission.GraceMultiplier,
		StoreTimeout:            cfg.StoreTimeout(),
		Logger:                  log,
		Metrics:                 admission.NewMetrics(reg),
	})
	if err != nil {
		log.Error("failed to create admission engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	h, err := server.NewHandler(server.Options{
		Config:    cfg,
		Engine:    engine,
		Stores:    stores,
		Logger:    log,
		Registry:  reg,
		AdminKey:  os.Getenv("QUOTAGATE_ADMIN_KEY"),
		StartedAt: time.Now(),
	})
	if err != nil {
		log.Error("failed to build handler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// ---- Server
	srv := server.NewHTTPServer(cfg.Server, h)

	go func() {
		log.Info("quotagate listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("store", stores.Backend),
			slog.String("failure_policy", cfg.Admission.FailurePolicy),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("shutdown complete")
}
