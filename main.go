package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"meshecho/pkg/agent"
	"meshecho/pkg/mesh"
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	cfg, err := parseSettings(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshecho: %v\n", err)
		os.Exit(2)
	}
	logger, err := newLogger(cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshecho: %v\n", err)
		os.Exit(2)
	}

	identity, err := mesh.LoadOrCreateIdentity(cfg.IdentityFile, cfg.DisplayName, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("identity setup failed")
	}
	if dir := filepath.Dir(cfg.DB); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			logger.Fatal().Err(err).Msg("database directory setup failed")
		}
	}
	store, err := mesh.OpenStore(cfg.DB)
	if err != nil {
		logger.Fatal().Err(err).Str("db", cfg.DB).Msg("database open failed")
	}
	defer store.Close()

	router, err := mesh.NewRouter(mesh.Options{
		Identity:         identity,
		Relays:           mesh.ParseRelayURLs(cfg.Relays),
		Store:            store,
		Logger:           logger,
		PathTTL:          cfg.PathTTL,
		InboundStampCost: cfg.InboundStampCost,
		RatchetRotate:    cfg.RatchetRotate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("router setup failed")
	}
	if err := router.Start(); err != nil {
		logger.Fatal().Err(err).Msg("router start failed")
	}
	logger.Info().Strs("relays", router.RelayURLs()).Msg("connected to relays")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bot := agent.NewBot(router, agent.Config{
		AnnounceInterval:     cfg.AnnounceInterval,
		MaxOutboundStampCost: cfg.MaxOutboundStampCost,
		PathLookupTimeout:    cfg.PathLookupTimeout,
		Logger:               logger,
		Metrics:              agent.NewMetrics(reg),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		router.Close()
		return nil
	})
	if cfg.MetricsListen != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("listen", cfg.MetricsListen).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("stopped with error")
		return
	}
	logger.Info().Msg("echo bot stopped")
}
