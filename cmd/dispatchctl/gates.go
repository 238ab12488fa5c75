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
	"os/user"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newGatesCommand creates the gates command group.
func newGatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gates",
		Short: "Inspect and resolve policy gates",
	}
	cmd.AddCommand(
		newGatesListCommand(),
		newGatesResolveCommand("approve", "Approve a pending gate"),
		newGatesResolveCommand("waive", "Waive a pending gate"),
		newGatesFailCommand(),
	)
	return cmd
}

func newGatesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <run-id>",
		Short: "List a run's gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			gates, err := e.store.ListGatesByRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GATE ID\tTYPE\tSTATUS\tSTEP\tAPPROVED BY")
			for _, g := range gates {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					g.ID, g.GateType, g.Status, g.StepID, g.ApprovedBy)
			}
			return w.Flush()
		},
	}
}

func newGatesResolveCommand(verb, short string) *cobra.Command {
	var (
		actor  string
		reason string
	)

	cmd := &cobra.Command{
		Use:   verb + " <gate-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				if u, err := user.Current(); err == nil {
					actor = u.Username
				}
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			resolve := e.gates.Approve
			if verb == "waive" {
				resolve = e.gates.Waive
			}
			g, err := resolve(cmd.Context(), args[0], actor, reason)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (%s)\n", g.ID, g.Status, g.GateType)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "Who is resolving the gate (defaults to the OS user)")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the gate is being resolved")
	return cmd
}

func newGatesFailCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fail <gate-id>",
		Short: "Fail a pending gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			g, err := e.gates.Fail(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (%s)\n", g.ID, g.Status, g.GateType)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the gate failed")
	return cmd
}
