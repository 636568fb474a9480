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
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcem/casebridge/internal/lease"
	"github.com/bcem/casebridge/internal/models"
	"github.com/bcem/casebridge/internal/outbox"
	"github.com/bcem/casebridge/internal/queue"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and cancel queued jobs",
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's state, attempts and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := jobPool(cmd.Context())
		if err != nil {
			return err
		}
		st, err := jobs.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printJob(st)
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not started or is waiting to retry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := jobPool(cmd.Context())
		if err != nil {
			return err
		}
		st, err := jobs.Cancel(cmd.Context(), args[0])
		if errors.Is(err, queue.ErrTerminal) {
			printJob(st)
			return fmt.Errorf("job already %s", st.State)
		}
		if err != nil {
			return err
		}
		printJob(st)
		return nil
	},
}

var queueHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show queue depth per kind and whether the queue is stalled",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := jobPool(cmd.Context())
		if err != nil {
			return err
		}
		h, err := jobs.Health(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(h)
	},
}

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Inspect and recover the automation lease",
}

var leaseShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show who holds the automation lease",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := lease.NewPGLease(cmd.Context(), pgPool)
		if err != nil {
			return err
		}
		cur, err := l.Current(cmd.Context())
		if err != nil {
			return err
		}
		if cur == nil {
			fmt.Println("automation lease is free")
			return nil
		}
		if jsonOutput {
			return printJSON(cur)
		}
		fmt.Printf("held by %s for office %s since %s, expires %s\n",
			cur.Holder, cur.OfficeID,
			cur.LockedAt.Format(time.RFC3339), cur.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var leaseReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Force-release the automation lease after a crashed holder",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := lease.NewPGLease(cmd.Context(), pgPool)
		if err != nil {
			return err
		}
		held, err := l.ForceRelease(cmd.Context())
		if err != nil {
			return err
		}
		if held {
			fmt.Println("automation lease released")
		} else {
			fmt.Println("automation lease was already free")
		}
		return nil
	},
}

var retentionFlag time.Duration

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Purge finished jobs and delivered mail, and requeue stranded outbox rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobs, err := jobPool(ctx)
		if err != nil {
			return err
		}
		store, err := outbox.NewPGStore(ctx, pgPool)
		if err != nil {
			return err
		}
		mail := outbox.New(store, jobs)

		retention := retentionFlag
		if retention == 0 {
			retention = cfg.Queue.Retention
		}

		purgedJobs, err := jobs.Purge(ctx, retention)
		if err != nil {
			return fmt.Errorf("purge jobs: %w", err)
		}
		purgedMail, err := mail.Purge(ctx, retention)
		if err != nil {
			return fmt.Errorf("purge outbox: %w", err)
		}
		requeued, err := mail.Requeue(ctx, 10*time.Minute)
		if err != nil {
			return fmt.Errorf("requeue outbox: %w", err)
		}
		fmt.Printf("purged %d jobs and %d messages, requeued %d\n", purgedJobs, purgedMail, requeued)
		return nil
	},
}

func init() {
	gcCmd.Flags().DurationVar(&retentionFlag, "retention", 0, "Keep finished rows this long (default JOB_RETENTION)")

	jobCmd.AddCommand(jobStatusCmd, jobCancelCmd, queueHealthCmd)
	leaseCmd.AddCommand(leaseShowCmd, leaseReleaseCmd)
	rootCmd.AddCommand(jobCmd, leaseCmd, gcCmd)
}

func printJob(st models.JobStatus) {
	if jsonOutput {
		_ = printJSON(st)
		return
	}
	fmt.Printf("%s  %s  %s  attempts=%d\n", st.ID, st.Kind, st.State, st.AttemptCount)
	if st.Error != "" {
		fmt.Printf("  error: %s\n", st.Error)
	}
	if len(st.Output) > 0 {
		fmt.Printf("  output: %s\n", st.Output)
	}
}
