// Copyright 2025 Tom Barlow
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
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/internal/events"
	"github.com/tombee/dispatch/internal/store"
)

// newRunsCommand creates the runs command group.
func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage runs",
	}
	cmd.AddCommand(
		newRunsListCommand(),
		newRunsShowCommand(),
		newRunsCancelCommand(),
		newRunsRollbackCommand(),
		newRunsDeleteCommand(),
	)
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			runs, err := e.store.ListRuns(cmd.Context(), store.RunFilter{
				Status: store.RunStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSTATUS\tPROJECT\tGOAL\tCREATED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.Status, run.ProjectID, run.Plan.Goal,
					run.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to list (0 for all)")
	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var since int64

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its steps and timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			ctx := cmd.Context()

			run, err := e.store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := e.store.ListStepsByRun(ctx, run.ID)
			if err != nil {
				return err
			}
			evs, err := e.store.ListEvents(ctx, run.ID, since)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:     %s\n", run.ID)
			fmt.Fprintf(out, "Status:  %s\n", run.Status)
			fmt.Fprintf(out, "Goal:    %s\n", run.Plan.Goal)
			if run.Error != "" {
				fmt.Fprintf(out, "Error:   %s\n", run.Error)
			}
			if v, ok := run.Metadata[events.MetaLastRollback]; ok {
				fmt.Fprintf(out, "Rolled back to sequence %v\n", v)
			}

			fmt.Fprintln(out, "\nSteps:")
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  NAME\tSTATUS\tTOOL\tERROR")
			for _, st := range steps {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", st.Name, st.Status, st.Tool, st.Error)
			}
			w.Flush()

			fmt.Fprintln(out, "\nTimeline:")
			for _, ev := range evs {
				fmt.Fprintf(out, "  %4d  %-20s %s\n",
					ev.Sequence, ev.Type, ev.OccurredAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&since, "since", 0, "Only show events after this sequence")
	return cmd
}

func newRunsCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run and its outstanding steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.coord.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s cancelled\n", args[0])
			return nil
		},
	}
}

func newRunsRollbackCommand() *cobra.Command {
	var sequence int64

	cmd := &cobra.Command{
		Use:   "rollback <run-id>",
		Short: "Truncate a run's timeline back to a sequence number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sequence < 0 {
				return fmt.Errorf("--sequence must be >= 0, got %d", sequence)
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.recorder.Rollback(cmd.Context(), args[0], sequence); err != nil {
				return err
			}
			fmt.Printf("%s rolled back to sequence %d\n", args[0], sequence)
			return nil
		},
	}

	cmd.Flags().Int64Var(&sequence, "sequence", 0, "Highest event sequence to keep")
	cmd.MarkFlagRequired("sequence")
	return cmd
}

func newRunsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and everything recorded under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s deleted\n", args[0])
			return nil
		},
	}
}
