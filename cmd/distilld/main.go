// Package main provides the distill worker daemon. It resumes every
// non-terminal job on startup and drives jobs stage by stage until they park
// at a curation gate or finish.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jfellner/distill/internal/config"
	"github.com/jfellner/distill/internal/curation"
	"github.com/jfellner/distill/internal/db"
	"github.com/jfellner/distill/internal/embedding"
	"github.com/jfellner/distill/internal/engine"
	"github.com/jfellner/distill/internal/gateway"
	"github.com/jfellner/distill/internal/graphwriter"
	"github.com/jfellner/distill/internal/llm"
	"github.com/jfellner/distill/internal/metrics"
	"github.com/jfellner/distill/internal/notify"
	"github.com/jfellner/distill/internal/refine"
)

func main() {
	cfg := config.Load()

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = cleanup() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting distilld",
		"provider", cfg.LLMProvider,
		"model", cfg.LLMModel,
		"poll_interval", cfg.PollInterval,
		"concurrency", cfg.WorkerConcurrency)

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("distilld exited", "error", err)
		os.Exit(1)
	}
	slog.Info("distilld stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	dbClient, err := db.NewClient(connectCtx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(context.Background()); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()

	if err := dbClient.InitSchema(connectCtx); err != nil {
		return err
	}

	embedder, err := embedding.New(cfg)
	if err != nil {
		return err
	}
	model, err := llm.NewModel(connectCtx, cfg)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	gw := gateway.New(model, cfg).WithMetrics(collector)
	gate := curation.NewSurrealStore(dbClient)
	loop := refine.NewLoop(gw, dbClient, embedder, cfg)
	writer := graphwriter.NewWriter(dbClient, embedder).WithMetrics(collector)
	feed := notify.NewFeed(dbClient)

	eng := engine.New(dbClient, gate, gw, loop, writer, feed, cfg)
	sched := engine.NewScheduler(eng, dbClient, gate.Resolutions(), cfg.PollInterval, cfg.WorkerConcurrency)

	err = sched.Run(ctx)

	snap := collector.Snapshot()
	slog.Info("operation totals",
		"extraction_calls", opCount(snap.Extraction),
		"embedding_calls", opCount(snap.Embedding),
		"graph_writes", opCount(snap.GraphWrite),
		"uptime_seconds", snap.UptimeSeconds)
	return err
}

func opCount(op *metrics.OperationSnapshot) int64 {
	if op == nil {
		return 0
	}
	return op.Count
}
