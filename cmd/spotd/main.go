package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"findmyspot-backend/config"
	"findmyspot-backend/internal/api"
	"findmyspot-backend/internal/db"
	"findmyspot-backend/internal/detection"
	"findmyspot-backend/internal/ledger"
	"findmyspot-backend/internal/metrics"
	"findmyspot-backend/internal/notification"
	"findmyspot-backend/internal/occupancy"
	"findmyspot-backend/internal/reconcile"
	"findmyspot-backend/internal/spot"
	"findmyspot-backend/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "findmyspot ", log.LstdFlags)

	config.LoadEnv()

	configPath := os.Getenv("CONFIG_PATH")
	explicit := configPath != ""
	if !explicit {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	switch {
	case err == nil:
		logger.Printf("configuration loaded successfully from %s", configPath)
	case !explicit && errors.Is(err, os.ErrNotExist):
		logger.Printf("no configuration at %s, using defaults", configPath)
		cfg = config.Default()
	default:
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}

	appStore, err := openStore(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize store: %v", err)
	}
	logger.Printf("%s store initialized", cfg.Database.Driver)

	spots, err := spot.LoadFile(cfg.Spots.File)
	if err != nil {
		var cfgErr *spot.ConfigError
		if !errors.As(err, &cfgErr) {
			logger.Fatalf("failed to load spots: %v", err)
		}
		logger.Printf("Warning: %v; continuing with zero spots", err)
	}
	logger.Printf("%d parking spots loaded from %s", spots.Len(), cfg.Spots.File)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.New()
	hub := notification.NewHub(256)
	go hub.Run(ctx)

	sinks := notification.Multi{notification.LogSink{}, hub, appMetrics}

	var webpushOptions *webpush.Options
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appStore, webpushOptions)
		pool.Start(ctx)
		sinks = append(sinks, pool)
	} else {
		logger.Println("VAPID keys not configured, web push disabled")
	}

	reservations := ledger.New(appStore, spots, ledger.Options{
		Hold:           cfg.Ledger.Hold,
		MaxHold:        cfg.Ledger.MaxHold,
		Cost:           cfg.Ledger.CostAmount,
		PersistTimeout: cfg.Ledger.PersistTimeout,
		Sink:           sinks,
	})
	if err := reservations.Restore(ctx); err != nil {
		logger.Fatalf("failed to restore reservations: %v", err)
	}

	loop := reconcile.New(reservations, spots, reconcile.Options{
		Filter:        occupancy.Filter{Labels: cfg.Detection.Labels, MinConfidence: cfg.Detection.MinConfidence},
		Warn:          cfg.Ledger.Warn,
		FrameInterval: cfg.Detection.FrameInterval,
		ExpiryTick:    cfg.Detection.ExpiryTick,
		Stride:        cfg.Detection.Stride,
		Loop:          cfg.Detection.Loop,
		Sink:          sinks,
		Observer:      appMetrics,
	})

	var (
		src  detection.Source
		feed *detection.Feed
	)
	switch cfg.Detection.Source {
	case "csv":
		csvSrc, err := detection.OpenCSV(cfg.Detection.CSVFile)
		if err != nil {
			logger.Fatalf("failed to open detection recording: %v", err)
		}
		src = csvSrc
	case "feed":
		feed = detection.NewFeed()
		src = feed
	case "http":
		src = detection.NewHTTPSource(detection.HTTPOptions{
			URL:          cfg.Detection.HTTP.URL,
			Method:       cfg.Detection.HTTP.Method,
			Headers:      cfg.Detection.HTTP.Headers,
			Payload:      cfg.Detection.HTTP.Payload,
			Proxy:        cfg.Detection.HTTP.HTTPProxy,
			Timeout:      cfg.Detection.HTTP.Timeout,
			PollInterval: cfg.Detection.HTTP.PollInterval,
		})
		logger.Printf("polling detector at %s", cfg.Detection.HTTP.URL)
	default:
		logger.Fatalf("unknown detection source %q", cfg.Detection.Source)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(ctx, src); err != nil {
			logger.Printf("reconciliation loop exited: %v", err)
		}
	}()

	router := api.NewRouter(api.Deps{
		Store:   appStore,
		Ledger:  reservations,
		Loop:    loop,
		Spots:   spots,
		Feed:    feed,
		Hub:     hub,
		Webpush: webpushOptions,
	}, cfg.Server, appMetrics.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	// Stops both tickers, closes the detection source, the push workers and the hub.
	cancel()
	<-loopDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}

func openStore(cfg *config.DatabaseConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	gormDB, err := db.Init(cfg)
	if err != nil {
		return nil, err
	}
	return store.NewGormStore(gormDB), nil
}
