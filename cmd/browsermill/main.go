// Package main wires together the browsermill service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcpstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/browsermill/browsermill/internal/api"
	artifactgcs "github.com/browsermill/browsermill/internal/artifact/gcs"
	artifactlocal "github.com/browsermill/browsermill/internal/artifact/local"
	artifactmemory "github.com/browsermill/browsermill/internal/artifact/memory"
	"github.com/browsermill/browsermill/internal/automation"
	"github.com/browsermill/browsermill/internal/browser"
	"github.com/browsermill/browsermill/internal/clock/system"
	"github.com/browsermill/browsermill/internal/config"
	"github.com/browsermill/browsermill/internal/dispatcher"
	"github.com/browsermill/browsermill/internal/engine"
	"github.com/browsermill/browsermill/internal/executor"
	"github.com/browsermill/browsermill/internal/hash/sha256"
	"github.com/browsermill/browsermill/internal/id/uuid"
	"github.com/browsermill/browsermill/internal/logging"
	publishermemory "github.com/browsermill/browsermill/internal/publisher/memory"
	publisherpubsub "github.com/browsermill/browsermill/internal/publisher/pubsub"
	"github.com/browsermill/browsermill/internal/queue"
	"github.com/browsermill/browsermill/internal/session"
	storememory "github.com/browsermill/browsermill/internal/store/memory"
	storepostgres "github.com/browsermill/browsermill/internal/store/postgres"
	"github.com/browsermill/browsermill/internal/supervisor"
	"github.com/browsermill/browsermill/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()
	jobQueue := queue.New()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("result store init failed", zap.Error(err))
	}

	artifacts, err := buildArtifacts(ctx, cfg)
	if err != nil {
		logger.Fatal("artifact store init failed", zap.Error(err))
	}

	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}

	var factory automation.SessionFactory
	if cfg.Browser.Provider == "chromedp" {
		chromeFactory := browser.NewFactory(browser.Config{
			UserAgent:      cfg.Browser.UserAgent,
			NavigationWait: time.Duration(cfg.Browser.NavigationWaitMs) * time.Millisecond,
		}, idGen, logger.Named("browser"))
		defer chromeFactory.Close()
		factory = chromeFactory
	} else {
		factory = browser.NewNoopFactory()
	}

	pool := session.NewPool(factory, clock, logger.Named("pool"), session.Config{
		MaxSessions:     cfg.Pool.MaxSessions,
		SessionMaxJobs:  cfg.Pool.SessionMaxJobs,
		SessionMaxAge:   time.Duration(cfg.Pool.SessionMaxAgeSec) * time.Second,
		AcquireTimeout:  cfg.AcquireTimeout(),
		RecycleInterval: time.Duration(cfg.Pool.RecycleIntervalSec) * time.Second,
	})

	sup := supervisor.New(jobQueue, pool, logger.Named("supervisor"), supervisor.Config{
		BaseBackoffDelay: cfg.BaseBackoff(),
		MaxBackoffDelay:  cfg.MaxBackoff(),
		QuarantineAfter:  cfg.Retry.QuarantineAfter,
	})

	exec := executor.New(pool, artifacts, idGen, clock, logger.Named("executor"), executor.Config{
		JobTimeout:     cfg.JobTimeout(),
		ArtifactPrefix: cfg.Executor.ArtifactPrefix,
	})

	workerCfg := worker.Config{Topic: cfg.PubSub.TopicName}
	var workers []*worker.Worker
	for i := 0; i < cfg.Workers.Count; i++ {
		workers = append(workers, worker.New(
			jobQueue,
			store,
			exec,
			sup,
			publisher,
			clock,
			logger.Named("worker").With(zap.Int("index", i)),
			workerCfg,
		))
	}

	core := engine.New(
		jobQueue,
		store,
		pool,
		sup,
		dispatcher.New(workers),
		idGen,
		hasher,
		clock,
		logger.Named("engine"),
		engine.Config{MaxAttemptsDefault: cfg.Retry.MaxAttemptsDefault},
	)

	apiServer := api.NewServer(core, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("workers started", zap.Int("count", cfg.Workers.Count))
		core.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	core.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func buildStore(ctx context.Context, cfg config.Config) (automation.ResultStore, error) {
	if cfg.DB.Provider != "postgres" {
		return storememory.New(), nil
	}
	store, err := storepostgres.New(ctx, storepostgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        int32(cfg.DB.MaxConns),
		MinConns:        int32(cfg.DB.MinConns),
		MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func buildArtifacts(ctx context.Context, cfg config.Config) (automation.ArtifactStore, error) {
	switch cfg.Artifacts.Provider {
	case "local":
		return artifactlocal.New(artifactlocal.Config{BaseDir: cfg.Artifacts.BaseDir})
	case "gcs":
		client, err := gcpstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return artifactgcs.New(client, artifactgcs.Config{Bucket: cfg.Artifacts.GCSBucket})
	default:
		return artifactmemory.New(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (automation.Publisher, error) {
	if !cfg.PubSub.Enabled {
		return publishermemory.New(), nil
	}
	client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return publisherpubsub.New(client), nil
}
