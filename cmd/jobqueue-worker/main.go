package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/jobqueue/handlers/pdf"
	"github.com/ternarybob/quaero/internal/jobqueue/handlers/session"
	"github.com/ternarybob/quaero/internal/jobqueue/registry"
	"github.com/ternarybob/quaero/internal/jobqueue/repository/mongostore"
	"github.com/ternarybob/quaero/internal/jobqueue/webhook"
	"github.com/ternarybob/quaero/internal/jobqueue/worker"
	"github.com/ternarybob/quaero/internal/jobqueue/wsstats"
)

var (
	configFile  = flag.String("config", "", "Configuration file path")
	configFileC = flag.String("c", "", "Configuration file path (shorthand)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("jobqueue-worker version %s\n", common.GetVersion())
		os.Exit(0)
	}

	path := *configFile
	if path == "" {
		path = *configFileC
	}
	if path == "" {
		if _, err := os.Stat("jobqueue.toml"); err == nil {
			path = "jobqueue.toml"
		}
	}

	config, err := common.LoadFromFile(path)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Str("path", path).Msg("failed to load configuration")
		os.Exit(1)
	}

	logger := common.SetupLogger(config)
	defer common.Stop()

	common.PrintBanner(config, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dispatcherOpts := []webhook.Option{
		webhook.WithHTTPClient(&http.Client{Timeout: time.Duration(config.Webhook.TimeoutSec) * time.Second}),
		webhook.WithRateLimit(config.Webhook.RateLimit),
	}
	if workerID, err := os.Hostname(); err == nil && workerID != "" {
		dispatcherOpts = append(dispatcherOpts, webhook.WithWorkerID(workerID))
	}
	dispatcher := webhook.New(logger, dispatcherOpts...)

	store, err := mongostore.Connect(connectCtx, config.Mongo.URI, config.Mongo.Database, logger,
		mongostore.WithLogCap(config.Worker.LogEntriesCap),
		mongostore.WithBatchWebhookDispatch(dispatcher.DispatchBatch),
	)
	if err != nil {
		logger.Fatal().Err(err).Str("uri", config.Mongo.URI).Msg("failed to connect to mongo")
	}
	dispatcher.SetLogAppender(store)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("error closing mongo connection")
		}
	}()

	reg := registry.New(logger)
	reg.Register(session.JobType, session.New(logger, config.Archive.Dir))
	reg.Register(pdf.JobType, pdf.New(logger, config.Archive.Dir))

	var stats worker.StatsBroadcaster
	var broadcaster *wsstats.Broadcaster
	if config.WebSocket.Enabled {
		broadcaster = wsstats.New(logger)
		stats = broadcaster
	}

	manager := worker.New(store, reg, dispatcher, stats, logger, worker.Config{
		Active:               config.Worker.Active,
		MaxConcurrentWorkers: config.Worker.MaxConcurrentWorkers,
		PollInterval:         time.Duration(config.Worker.PollIntervalSec) * time.Second,
		StallTimeout:         time.Duration(config.Worker.StallTimeoutSec) * time.Second,
		StallCheckEvery:      config.Worker.StallCheckEvery,
	})
	manager.Start(ctx)

	var scheduler *worker.Scheduler
	if config.Processing.Enabled {
		scheduler = worker.NewScheduler(store, logger, time.Duration(config.Worker.StallTimeoutSec)*time.Second)
		if err := scheduler.Start(config.Processing.Schedule); err != nil {
			logger.Error().Err(err).Msg("failed to start admin maintenance sweep")
			scheduler = nil
		}
	}

	var httpServer *http.Server
	if config.WebSocket.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc(config.WebSocket.Path, broadcaster.HandleWebSocket)
		httpServer = &http.Server{Addr: ":8089", Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("websocket stats server failed")
			}
		}()
		logger.Info().Str("path", config.WebSocket.Path).Msg("websocket stats server listening on :8089")
	}

	logger.Info().Msg("jobqueue worker ready")

	<-ctx.Done()
	common.PrintShutdownBanner(logger)

	if scheduler != nil {
		scheduler.Stop()
	}
	manager.Stop()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("error shutting down websocket server")
		}
	}

	logger.Info().Msg("jobqueue worker stopped")
}
