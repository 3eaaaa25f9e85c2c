// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package node wires the wallet's services together and runs them until
// shutdown: database, keystore, orchestrator, pipeline runner, sweeper,
// HTTP API, and metrics listener.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blinklabs-io/gcwallet/api"
	"github.com/blinklabs-io/gcwallet/database"
	"github.com/blinklabs-io/gcwallet/event"
	"github.com/blinklabs-io/gcwallet/internal/config"
	"github.com/blinklabs-io/gcwallet/keystore"
	"github.com/blinklabs-io/gcwallet/pipeline"
	"github.com/blinklabs-io/gcwallet/registry"
	"github.com/blinklabs-io/gcwallet/sweeper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run starts the wallet and blocks until an interrupt or termination
// signal arrives, then shuts everything down gracefully
func Run(logger *slog.Logger, cfg *config.Config) error {
	shutdownTimeout, err := config.Duration(
		cfg.ShutdownTimeout,
		30*time.Second,
	)
	if err != nil {
		return err
	}
	clientTimeout, err := config.Duration(cfg.ClientTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	pollInterval, err := config.Duration(cfg.PipelinePollInterval, 0)
	if err != nil {
		return err
	}
	retryDelay, err := config.Duration(cfg.PipelineRetryDelay, 0)
	if err != nil {
		return err
	}
	staleAfter, err := config.Duration(cfg.PipelineStaleAfter, 0)
	if err != nil {
		return err
	}
	sweepInterval, err := config.Duration(cfg.SweepInterval, time.Minute)
	if err != nil {
		return err
	}
	expiryGrace, err := config.Duration(cfg.SweepExpiryGrace, 0)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	db, err := database.New(logger, cfg.DataDir, promRegistry)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck
	keyStore, err := keystore.LoadOrCreate(logger, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load keystore: %w", err)
	}

	bus := event.NewEventBus(promRegistry)

	registries := make(map[string]*registry.Client)
	for name, registryCfg := range cfg.Registries {
		registries[name] = registry.NewClient(
			registryCfg.URL,
			clientTimeout,
		)
	}
	notaries := make(map[string]*registry.NotaryClient)
	for gridArea, notaryCfg := range cfg.Notaries {
		notaries[gridArea] = registry.NewNotaryClient(
			notaryCfg.URL,
			clientTimeout,
		)
	}

	orchestrator := pipeline.NewOrchestrator(logger, db, notaries)
	runner := pipeline.NewRunner(
		pipeline.RunnerConfig{
			Workers:      cfg.PipelineWorkers,
			PollInterval: pollInterval,
			RetryDelay:   retryDelay,
			MaxAttempts:  cfg.PipelineMaxAttempts,
			StaleAfter:   staleAfter,
		},
		logger,
		db,
		keyStore,
		bus,
		registries,
		notaries,
		registry.NewCounterpartyClient(clientTimeout),
		promRegistry,
	)
	sweep := sweeper.NewSweeper(
		sweeper.Config{
			Interval:    sweepInterval,
			ExpiryGrace: expiryGrace,
		},
		logger,
		db,
		bus,
		registries,
		promRegistry,
	)
	apiServer := api.NewApi(api.Config{
		Logger:       logger,
		Database:     db,
		KeyStore:     keyStore,
		Orchestrator: orchestrator,
		EventBus:     bus,
		Host:         cfg.BindAddr,
		Port:         cfg.ApiPort,
	})

	// Metrics listener
	metricsMux := http.NewServeMux()
	metricsMux.Handle(
		"/metrics",
		promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
	)
	metricsServer := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		Handler:           metricsMux,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info(
		"serving prometheus metrics on "+metricsServer.Addr,
		"component", "node",
	)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "node",
			)
			os.Exit(1)
		}
	}()

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	runner.Start(signalCtx)
	sweep.Start(signalCtx)

	errChan := make(chan error, 1)
	go func() {
		err := apiServer.Start()
		select {
		case errChan <- err:
		case <-signalCtx.Done():
		}
	}()

	select {
	case <-signalCtx.Done():
		logger.Info(
			"signal received, initiating graceful shutdown",
			"component", "node",
		)
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(
				"metrics server shutdown error",
				"component", "node",
				"error", err,
			)
		}
		if err := apiServer.Stop(); err != nil {
			logger.Error(
				"api shutdown error",
				"component", "node",
				"error", err,
			)
		}
		sweep.Stop()
		runner.Stop()
		return nil
	case err := <-errChan:
		sweep.Stop()
		runner.Stop()
		return err
	}
}
