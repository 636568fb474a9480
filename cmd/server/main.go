// Copyright (c) 2026 John Earle
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

// casebridge server
//
// Entry point for the bridge service. It:
//  1. Loads office configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Builds the legacy client, shadow store, job queue and lease
//  4. Registers the queue workers: triage, legacy writes, decision
//     realisation and email delivery
//  5. Runs the reconciliation poller for every office
//  6. Serves the API and runs periodic queue and outbox housekeeping
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/casebridge/internal/automation"
	"github.com/bcem/casebridge/internal/classifier"
	"github.com/bcem/casebridge/internal/config"
	"github.com/bcem/casebridge/internal/dedup"
	"github.com/bcem/casebridge/internal/delta"
	"github.com/bcem/casebridge/internal/dualwrite"
	"github.com/bcem/casebridge/internal/httpapi"
	"github.com/bcem/casebridge/internal/lease"
	"github.com/bcem/casebridge/internal/legacy"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/outbox"
	"github.com/bcem/casebridge/internal/queue"
	"github.com/bcem/casebridge/internal/shadow"
	"github.com/bcem/casebridge/internal/triage"
)

const housekeepingInterval = time.Hour

func main() {
	// A .env file is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting casebridge",
		"offices", len(cfg.Offices),
		"poll_interval", cfg.Poll.Interval,
		"workers", cfg.Queue.Workers,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	notifier := queue.NewNotifier(rdb, queue.DefaultChannel)
	if err := notifier.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Stores (Postgres) ---
	shadowStore, err := shadow.NewPGStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise shadow store", "error", err)
		os.Exit(1)
	}
	jobStore, err := queue.NewPGStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise job store", "error", err)
		os.Exit(1)
	}
	outboxStore, err := outbox.NewPGStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise outbox store", "error", err)
		os.Exit(1)
	}
	automationLease, err := lease.NewPGLease(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise automation lease", "error", err)
		os.Exit(1)
	}

	// --- Legacy client ---
	offices := make([]legacy.Office, 0, len(cfg.Offices))
	officeIDs := make([]string, 0, len(cfg.Offices))
	for _, o := range cfg.Offices {
		offices = append(offices, legacy.Office{
			ID:       o.ID,
			BaseURL:  o.BaseURL,
			Username: o.Username,
			Password: o.Password,
		})
		officeIDs = append(officeIDs, o.ID)
	}
	legacyClient := legacy.NewClient(offices, legacy.Options{
		Rate:       cfg.Legacy.Rate,
		Burst:      cfg.Legacy.Burst,
		GlobalRate: cfg.Legacy.GlobalRate,
		QueueDepth: cfg.Legacy.QueueDepth,
		SessionTTL: cfg.Legacy.SessionTTL,
		MaxReplays: cfg.Legacy.MaxReplays,
		HTTPClient: &http.Client{Timeout: cfg.Legacy.Timeout},
		Sessions:   legacy.NewRedisSessionCache(rdb),
	})

	// --- Job queue ---
	hostname, _ := os.Hostname()
	pool := queue.NewPool(queue.PoolConfig{
		Store:        jobStore,
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		Lease:        cfg.Queue.JobLease,
		Backoff: queue.Backoff{
			Base:   cfg.Queue.RetryBase,
			Factor: cfg.Queue.RetryFactor,
			Cap:    cfg.Queue.RetryCap,
		},
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Notifier:     notifier,
		WorkerPrefix: hostname,
	})

	// --- Sync engine ---
	engine := dualwrite.NewEngine(legacyClient, shadowStore, pool)

	// --- Triage ---
	intake := triage.NewIntake(dedup.NewFilter(rdb, dedup.DefaultTTL), pool, shadowStore)

	cls, err := classifier.New(ctx, cfg.Classifier)
	if err != nil {
		slog.Error("failed to create classifier", "error", err)
		os.Exit(1)
	}
	pipeline := triage.NewPipeline(triage.Config{
		Store:           shadowStore,
		Campaigns:       shadowStore,
		Suggestions:     shadowStore,
		Classifier:      cls,
		CampaignFloor:   cfg.Classifier.CampaignFloor,
		ConfidenceFloor: cfg.Classifier.ConfidenceFloor,
	})

	// --- Automation and outbox ---
	bot := automation.NewClient(&http.Client{Timeout: 2 * time.Minute}, cfg.Automation.BotURL)
	sessions := automation.NewSessions(automationLease, bot, cfg.Automation.LeaseTTL)
	mail := outbox.New(outboxStore, pool)
	deliverer := outbox.NewDeliverer(outboxStore, automationLease, bot, "casebridge/"+hostname, cfg.Automation.LeaseTTL)
	decider := triage.NewDecider(shadowStore, shadowStore, engine, mail, pool)

	pool.Register(models.KindTriageProcess, pipeline)
	pool.Register(models.KindLegacyWrite, engine)
	pool.Register(models.KindEmailDeliver, deliverer)
	pool.Register(models.KindDecisionRealise, decider)

	// --- Phase 1: API server ---
	handler := httpapi.NewHandler(httpapi.Deps{
		Offices:     cfg.Offices,
		Jobs:        pool,
		Writes:      engine,
		Entities:    shadowStore,
		Intake:      intake,
		Suggestions: shadowStore,
		Decider:     decider,
		Sessions:    sessions,
		Outbox:      outboxStore,
		Health: map[string]func(context.Context) error{
			"postgres": pgPool.Ping,
			"redis":    notifier.Ping,
		},
	})
	ready, serveErr, err := httpapi.Serve(ctx, cfg.Port, handler.Routes())
	if err != nil {
		slog.Error("failed to start api server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Phase 2: workers and reconciliation ---
	pool.Start(ctx)

	poller := delta.NewPoller(delta.Config{
		Legacy:      legacyClient,
		Store:       shadowStore,
		Offices:     officeIDs,
		Interval:    cfg.Poll.Interval,
		PageSize:    cfg.Poll.PageSize,
		PageCeiling: cfg.Poll.PageCeiling,
		Intake:      intake.Observe,
	})
	poller.Start(ctx)

	go housekeeping(ctx, pool, mail, cfg.Queue.Retention)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var serveFailure error
	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		serveFailure = <-serveErr
	case serveFailure = <-serveErr:
		cancel()
	}

	poller.Stop()
	pool.Stop()

	if serveFailure != nil {
		slog.Error("api server error", "error", serveFailure)
		os.Exit(1)
	}
	slog.Info("casebridge stopped")
}

// housekeeping purges finished jobs and delivered mail past retention and
// re-enqueues outbox rows whose delivery job never made it onto the queue.
func housekeeping(ctx context.Context, pool *queue.Pool, mail *outbox.Outbox, retention time.Duration) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := pool.Purge(ctx, retention); err != nil {
			slog.Error("job purge failed", "error", err)
		} else if n > 0 {
			slog.Info("purged finished jobs", "count", n)
		}
		if n, err := mail.Purge(ctx, retention); err != nil {
			slog.Error("outbox purge failed", "error", err)
		} else if n > 0 {
			slog.Info("purged delivered mail", "count", n)
		}
		if n, err := mail.Requeue(ctx, 10*time.Minute); err != nil {
			slog.Error("outbox requeue failed", "error", err)
		} else if n > 0 {
			slog.Warn("requeued stranded outbox messages", "count", n)
		}
	}
}
