// Copyright 2026 The Grov Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TonyStef/Grov-sub001/internal/log"
	"github.com/TonyStef/Grov-sub001/pkg/adapter"
	"github.com/TonyStef/Grov-sub001/pkg/adapter/anthropic"
	"github.com/TonyStef/Grov-sub001/pkg/assist"
	"github.com/TonyStef/Grov-sub001/pkg/drift"
	"github.com/TonyStef/Grov-sub001/pkg/memory"
	"github.com/TonyStef/Grov-sub001/pkg/orchestrator"
	"github.com/TonyStef/Grov-sub001/pkg/proxy"
	"github.com/TonyStef/Grov-sub001/pkg/store"
	"github.com/TonyStef/Grov-sub001/pkg/worker"
)

// shutdownTimeout bounds the graceful drain of in-flight requests and
// queued background jobs.
const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) {
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		os.Exit(1)
	}

	closeLogs, err := log.Setup(config.Logging.Debug, config.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()
	logger := log.Logger()

	logger.Info("starting grov", zap.String("version", rootCmd.Version))

	// Show actual config file used (not just the --config flag)
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Info("config file loaded", zap.String("path", used))
	} else {
		logger.Info("no config file found, using defaults + environment",
			zap.String("searched", "./grov.yaml, "+config.DataDir))
	}

	retention, err := config.Retention()
	if err != nil {
		logger.Fatal("invalid retention", zap.Error(err))
	}

	st, err := store.New(store.Config{
		Path:          config.Store.Path,
		EncryptionKey: config.Store.EncryptionKey,
		Logger:        logger.Named("store"),
	})
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	if err := st.StartJanitor(retention); err != nil {
		logger.Fatal("failed to start retention janitor", zap.Error(err))
	}
	logger.Info("store ready", zap.String("path", config.Store.Path))

	// Aux-model key precedence: explicit config/env/keyring beats the
	// host client's credential file. The file is watched so a rotated
	// token reaches a long-running proxy without restart.
	var keys *assist.KeySource
	if config.Assist.APIKey != "" {
		keys = assist.StaticKey(config.Assist.APIKey)
	} else {
		keys, err = assist.WatchCredentials(CredentialsPath(), logger.Named("assist"))
		if err != nil {
			logger.Warn("credential watcher unavailable, helper analysis degrades to heuristics",
				zap.String("path", CredentialsPath()), zap.Error(err))
		}
	}

	var completer assist.Completer
	if keys != nil {
		completer = assist.NewSDKCompleter(assist.ClientConfig{
			Keys:    keys,
			Model:   config.Assist.Model,
			BaseURL: config.Assist.BaseURL,
			Logger:  logger.Named("assist"),
		})
	}
	helper := assist.New(assist.Config{
		Completer: completer,
		Timeout:   time.Duration(config.Assist.TimeoutSeconds) * time.Second,
		Logger:    logger.Named("assist"),
	})

	adapters := adapter.NewRegistry(anthropic.New(anthropic.Config{
		BaseURL: config.Upstream.BaseURL,
		Timeout: time.Duration(config.Upstream.TimeoutSeconds) * time.Second,
		Logger:  logger.Named("anthropic"),
	}))

	mem := memory.New(memory.Config{
		Store:  st,
		Logger: logger.Named("memory"),
	})
	checker := drift.New(drift.Config{
		Helper:   helper,
		Store:    st,
		Interval: config.Drift.CheckInterval,
		Logger:   logger.Named("drift"),
	})
	orch := orchestrator.New(orchestrator.Config{
		Store:     st,
		Helper:    helper,
		Memory:    mem,
		Retention: retention,
		Logger:    logger.Named("orchestrator"),
	})

	pool := worker.New(worker.Config{
		Workers: config.Workers.Count,
		Queue:   config.Workers.Queue,
		Logger:  logger.Named("worker"),
	})
	pool.Start()

	p := proxy.New(proxy.Config{
		Host:            config.Proxy.Host,
		Port:            config.Proxy.Port,
		Adapters:        adapters,
		Store:           st,
		Memory:          mem,
		Drift:           checker,
		Orchestrator:    orch,
		Helper:          helper,
		Workers:         pool,
		MaxBodyBytes:    config.Proxy.MaxBodyBytes,
		ClearThreshold:  config.Proxy.ClearThreshold,
		PrecomputeRatio: config.Proxy.PrecomputeRatio,
		BypassModels:    config.Proxy.BypassModels,
		Logger:          logger.Named("proxy"),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start() }()

	logger.Info("proxy listening",
		zap.String("addr", fmt.Sprintf("http://%s:%d", config.Proxy.Host, config.Proxy.Port)),
		zap.String("upstream", config.Upstream.BaseURL),
		zap.Bool("helper_configured", helper.Available()))

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("proxy server failed", zap.Error(err))
		}
	case <-sigch:
		logger.Info("shutting down gracefully, press Ctrl+C again to force")
		go func() {
			<-sigch
			logger.Warn("force shutdown requested")
			os.Exit(1)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop the listener first so no new work arrives, then drain the
		// background queue, then release the key watcher and the store.
		if err := p.Stop(ctx); err != nil {
			logger.Warn("error stopping proxy", zap.Error(err))
		}
		if err := pool.Stop(ctx); err != nil {
			logger.Warn("error draining worker pool", zap.Error(err))
		}
	}

	if keys != nil {
		if err := keys.Close(); err != nil {
			logger.Warn("error closing key source", zap.Error(err))
		}
	}
	if err := st.Close(); err != nil {
		logger.Warn("error closing store", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
