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

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcem/casebridge/internal/backfill"
	"github.com/bcem/casebridge/internal/dedup"
	"github.com/bcem/casebridge/internal/delta"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/shadow"
	"github.com/bcem/casebridge/internal/triage"
)

var (
	officeFlag      string
	typesFlag       []string
	triageSinceFlag time.Duration
	typeDelayFlag   time.Duration
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Mirror an office's full legacy history into the shadow store",
	Long: `Mirror every record of the selected entity types from the beginning of
the legacy history, ignoring the poller's page ceiling, then queue triage
for recent inbound email that has never been triaged.

Examples:
  casebridgectl backfill --office north
  casebridgectl backfill --office north --types case_type,tag --triage-since 0
  casebridgectl backfill --office north --triage-since 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		office, err := resolveOffice(officeFlag)
		if err != nil {
			return err
		}
		types, err := parseTypes(typesFlag)
		if err != nil {
			return err
		}

		poller, store, intake, err := syncStack(ctx, office.ID)
		if err != nil {
			return err
		}

		runner := backfill.NewRunner(backfill.RunnerConfig{
			Poller:    poller,
			Store:     store,
			Intake:    intake,
			TypeDelay: typeDelayFlag,
		})
		res, err := runner.Run(ctx, backfill.BackfillRequest{
			OfficeID:    office.ID,
			Types:       types,
			TriageSince: triageSinceFlag,
		})
		if res != nil {
			printBackfill(res)
		}
		return err
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one reconciliation poll for an office",
	Long: `Run one bounded reconciliation poll, the same pass the server runs on
its interval. New inbound email is handed to triage.

Examples:
  casebridgectl poll --office north
  casebridgectl poll --office north --types email`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		office, err := resolveOffice(officeFlag)
		if err != nil {
			return err
		}
		types, err := parseTypes(typesFlag)
		if err != nil {
			return err
		}

		poller, _, _, err := syncStack(ctx, office.ID)
		if err != nil {
			return err
		}

		var results []delta.Result
		if len(types) == 0 {
			results = poller.PollOffice(ctx, office.ID)
		} else {
			for _, t := range types {
				res, err := poller.PollOnce(ctx, office.ID, t)
				if err != nil {
					return fmt.Errorf("poll %s: %w", t, err)
				}
				results = append(results, res)
			}
		}

		if jsonOutput {
			return printJSON(results)
		}
		for _, r := range results {
			fmt.Printf("%-16s pages=%d records=%d inserted=%d updated=%d conflicts=%d truncated=%t watermark=%s\n",
				r.Type, r.Pages, r.Records, r.Inserted, r.Updated, r.Conflicts, r.Truncated,
				r.Watermark.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{backfillCmd, pollCmd} {
		c.Flags().StringVar(&officeFlag, "office", "", "Office id or alias (required)")
		c.Flags().StringSliceVar(&typesFlag, "types", nil, "Entity types (default: all mirrored types)")
	}
	backfillCmd.Flags().DurationVar(&triageSinceFlag, "triage-since", 7*24*time.Hour, "Queue triage for untriaged inbound email received within this window (0 skips)")
	backfillCmd.Flags().DurationVar(&typeDelayFlag, "type-delay", 500*time.Millisecond, "Pause between entity types")

	rootCmd.AddCommand(backfillCmd, pollCmd)
}

// syncStack builds the poller with triage intake for one office.
func syncStack(ctx context.Context, officeID string) (*delta.Poller, *shadow.PGStore, *triage.Intake, error) {
	store, err := shadow.NewPGStore(ctx, pgPool)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open shadow store: %w", err)
	}
	jobs, err := jobPool(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	intake := triage.NewIntake(dedup.NewFilter(rdb, dedup.DefaultTTL), jobs, store)

	poller := delta.NewPoller(delta.Config{
		Legacy:      legacyClient(),
		Store:       store,
		Offices:     []string{officeID},
		PageSize:    cfg.Poll.PageSize,
		PageCeiling: cfg.Poll.PageCeiling,
		Intake:      intake.Observe,
	})
	return poller, store, intake, nil
}

func parseTypes(raw []string) ([]models.EntityType, error) {
	var types []models.EntityType
	for _, s := range raw {
		t := models.EntityType(strings.TrimSpace(s))
		if !t.Valid() {
			return nil, fmt.Errorf("unknown entity type %q", s)
		}
		types = append(types, t)
	}
	return types, nil
}

func printBackfill(res *backfill.BackfillResult) {
	if jsonOutput {
		type typeOut struct {
			Type     models.EntityType `json:"type"`
			Pages    int               `json:"pages"`
			Records  int               `json:"records"`
			Inserted int               `json:"inserted"`
			Updated  int               `json:"updated"`
			Error    string            `json:"error,omitempty"`
		}
		out := struct {
			Office  string    `json:"office"`
			Types   []typeOut `json:"types"`
			Records int       `json:"records"`
			Triaged int       `json:"triaged"`
			Skipped int       `json:"skipped"`
			Elapsed string    `json:"elapsed"`
		}{
			Office: res.OfficeID, Records: res.TotalRecords,
			Triaged: res.Triaged, Skipped: res.Skipped, Elapsed: res.Elapsed.String(),
		}
		for _, tr := range res.TypeResults {
			to := typeOut{Type: tr.Type, Pages: tr.Pages, Records: tr.Records, Inserted: tr.Inserted, Updated: tr.Updated}
			if tr.Err != nil {
				to.Error = tr.Err.Error()
			}
			out.Types = append(out.Types, to)
		}
		_ = printJSON(out)
		return
	}

	fmt.Printf("Backfill for %s (%s)\n", res.OfficeID, res.Elapsed.Round(time.Millisecond))
	for _, tr := range res.TypeResults {
		status := "ok"
		if tr.Err != nil {
			status = tr.Err.Error()
		}
		fmt.Printf("  %-16s pages=%d records=%d inserted=%d updated=%d  %s\n",
			tr.Type, tr.Pages, tr.Records, tr.Inserted, tr.Updated, status)
	}
	fmt.Printf("  records=%d triage queued=%d skipped=%d\n", res.TotalRecords, res.Triaged, res.Skipped)
}
