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

// casebridgectl is the operator CLI: one-off polls, office backfill, job
// inspection, lease recovery and housekeeping against the same Postgres and
// Redis the server uses.
//
// Usage:
//
//	casebridgectl backfill --office <id|alias> [--types case,contact] [--triage-since 168h]
//	casebridgectl poll --office <id|alias> [--type email]
//	casebridgectl job status <job-id>
//	casebridgectl lease release
//	casebridgectl gc [--retention 168h]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bcem/casebridge/internal/config"
	"github.com/bcem/casebridge/internal/legacy"
	"github.com/bcem/casebridge/internal/queue"
)

var (
	jsonOutput bool
	verbose    bool

	cfg    *config.Config
	pgPool *pgxpool.Pool
	rdb    *redis.Client
)

var rootCmd = &cobra.Command{
	Use:           "casebridgectl",
	Short:         "casebridgectl - operate a casebridge deployment",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		_ = godotenv.Load()

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		pgPool, err = pgxpool.New(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("create Postgres pool: %w", err)
		}
		if err := pgPool.Ping(cmd.Context()); err != nil {
			return fmt.Errorf("connect to PostgreSQL: %w", err)
		}

		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rdb != nil {
			rdb.Close()
		}
		if pgPool != nil {
			pgPool.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Machine-readable output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveOffice maps an office id or alias to its configuration.
func resolveOffice(ref string) (config.OfficeConfig, error) {
	if ref == "" {
		return config.OfficeConfig{}, fmt.Errorf("--office is required")
	}
	if o := cfg.Office(ref); o != nil {
		return *o, nil
	}
	return config.OfficeConfig{}, fmt.Errorf("office %q is not configured", ref)
}

// legacyClient builds a client for the configured offices. Sessions are
// shared with the server through redis.
func legacyClient() *legacy.Client {
	offices := make([]legacy.Office, 0, len(cfg.Offices))
	for _, o := range cfg.Offices {
		offices = append(offices, legacy.Office{
			ID:       o.ID,
			BaseURL:  o.BaseURL,
			Username: o.Username,
			Password: o.Password,
		})
	}
	return legacy.NewClient(offices, legacy.Options{
		Rate:       cfg.Legacy.Rate,
		Burst:      cfg.Legacy.Burst,
		GlobalRate: cfg.Legacy.GlobalRate,
		QueueDepth: cfg.Legacy.QueueDepth,
		SessionTTL: cfg.Legacy.SessionTTL,
		MaxReplays: cfg.Legacy.MaxReplays,
		HTTPClient: &http.Client{Timeout: cfg.Legacy.Timeout},
		Sessions:   legacy.NewRedisSessionCache(rdb),
	})
}

// jobPool opens the job queue without starting workers. Enqueued jobs wake
// the server's workers through the redis notifier.
func jobPool(ctx context.Context) (*queue.Pool, error) {
	store, err := queue.NewPGStore(ctx, pgPool)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return queue.NewPool(queue.PoolConfig{
		Store:       store,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Notifier:    queue.NewNotifier(rdb, queue.DefaultChannel),
	}), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
