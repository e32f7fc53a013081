// Copyright 2024 The Atrium Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/atrium-web/atrium/server"
	"go.uber.org/zap"
)

const version = "1.4.0"

func main() {
	tmpLogger := server.NewConsoleLogger(os.Stdout, true)

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("Atrium realtime server starting", zap.String("version", version), zap.String("name", config.GetName()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := server.NewLocalMetrics(logger, config)

	var store server.SubscriptionStore
	var pgStore *server.PostgresSubscriptionStore
	if config.GetDatabase().Address != "" {
		var err error
		pgStore, err = server.NewPostgresSubscriptionStore(ctx, logger, config)
		if err != nil {
			logger.Fatal("Could not set up subscription store", zap.Error(err))
		}
		store = pgStore
	} else {
		startupLogger.Warn("Using in-memory subscription store, push subscriptions will not survive a restart")
		store = server.NewInMemorySubscriptionStore()
	}

	sessionRegistry := server.NewLocalSessionRegistry(logger, metrics)
	tracker := server.StartLocalTracker(logger, metrics)
	router := server.NewLocalMessageRouter(sessionRegistry, tracker, metrics)
	pipeline := server.NewPipeline(logger, config, tracker, metrics)
	notifier := server.NewNotifier(logger, store, server.NewWebPushSender(config), metrics)

	apiServer := server.StartApiServer(logger, startupLogger, config, sessionRegistry, tracker, router, notifier, metrics, pipeline)

	startupLogger.Info("Startup done")

	// Respect OS stop signals.
	interrupt := make(chan os.Signal, 2)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-interrupt

	startupLogger.Info("Shutting down")

	apiServer.Stop()
	sessionRegistry.Stop()
	tracker.Stop()
	if pgStore != nil {
		pgStore.Stop()
	}
	metrics.Stop(logger)

	startupLogger.Info("Shutdown complete")
}
