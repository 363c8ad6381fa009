package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"multisigd/crypto"
	"multisigd/observability/otel"
	"multisigd/services/multisigd/collector"
	"multisigd/services/multisigd/composer"
	"multisigd/services/multisigd/config"
	"multisigd/services/multisigd/ledger"
	"multisigd/services/multisigd/middleware"
	"multisigd/services/multisigd/monitor"
	"multisigd/services/multisigd/proposals"
	"multisigd/services/multisigd/server"
	"multisigd/services/multisigd/store"
	"multisigd/services/multisigd/submission"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the policy monitor and the submission resolver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, flush, err := setup()
			if err != nil {
				return err
			}
			defer flush()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := otel.Init(ctx, otel.Config{
		ServiceName: programName,
		Version:     version,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	network, err := crypto.NetworkByName(cfg.Network)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db)
	if err := migrate(db); err != nil {
		return err
	}

	var storeOpts []store.Option
	if cfg.Monitor.InvalidRecovery {
		storeOpts = append(storeOpts, store.WithInvalidRecovery())
	}
	st := store.New(db, storeOpts...)

	gateway := ledger.NewClient(ledger.Config{
		BaseURL:           cfg.GatewayURL,
		Timeout:           cfg.Gateway.Timeout.Duration,
		ReadRetries:       cfg.Gateway.ReadRetries,
		RetryInterval:     cfg.Gateway.RetryInterval.Duration,
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Burst:             cfg.Gateway.Burst,
		Logger:            logger,
	})
	comp := composer.New(network, gateway, gateway)

	var payer composer.FeePayer
	if cfg.FeePayer.Enabled() {
		if payer, err = cfg.FeePayer.Resolve(); err != nil {
			return err
		}
		logger.Info("fee payer configured", "account", payer.Account, "key_hash", payer.Key.PublicKey().Hash().String())
	} else {
		logger.Warn("no fee payer key configured; submissions are disabled")
	}
	submitter := submission.New(st, comp, gateway, payer,
		submission.WithPreview(cfg.Submission.Preview),
		submission.WithSendTimeout(cfg.Submission.SendTimeout.Duration),
		submission.WithPolling(cfg.Submission.PollAttempts, cfg.Submission.PollInterval.Duration),
		submission.WithResubmit(cfg.Submission.ResubmitAfter.Duration, cfg.Submission.MaxAttempts),
		submission.WithResolveInterval(cfg.Submission.ResolveInterval.Duration),
		submission.WithLogger(logger),
	)
	mon := monitor.New(monitor.Config{
		Store:    st,
		Ledger:   gateway,
		Interval: cfg.Monitor.Interval.Duration,
		Logger:   logger,
	})

	srv := server.New(server.Config{
		DB: db,
		Proposals: proposals.New(proposals.Config{
			Store:     st,
			Composer:  comp,
			Ledger:    gateway,
			Account:   cfg.AccountAddress,
			MaxExpiry: cfg.Proposals.MaxExpiryRounds,
			Logger:    logger,
		}),
		Collector:  collector.New(st, gateway, logger),
		Submission: submitter,
		Logger:     logger,
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		},
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		AllowedOrigins: cfg.FrontendOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RequestTimeout: cfg.HTTP.RequestTimeout.Duration,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mon.Start(gctx)
		return nil
	})
	g.Go(func() error {
		submitter.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("multisigd listening", "addr", httpServer.Addr, "account", cfg.AccountAddress, "network", network.Name, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("multisigd stopped")
	return err
}
