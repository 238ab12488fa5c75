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

	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/internal/coordinator"
)

// newDLQCommand creates the dlq command group.
func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and rehydrate the dead-letter queue",
	}
	cmd.AddCommand(newDLQListCommand(), newDLQRehydrateCommand())
	return cmd
}

func newDLQListCommand() *cobra.Command {
	var topic string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print dead-lettered payloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			payloads, err := e.queue.ListDLQ(cmd.Context(), topic)
			if err != nil {
				return err
			}
			if len(payloads) == 0 {
				fmt.Println("dead-letter queue is empty")
				return nil
			}
			for i, payload := range payloads {
				fmt.Printf("%4d  %s\n", i+1, payload)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", coordinator.TopicStepReady, "Topic whose DLQ to inspect")
	return cmd
}

func newDLQRehydrateCommand() *cobra.Command {
	var (
		topic string
		max   int
	)

	cmd := &cobra.Command{
		Use:   "rehydrate",
		Short: "Move dead-lettered payloads back onto the topic",
		Long: `Rehydrate re-enqueues dead-lettered payloads with a fresh attempt
counter. Use it after fixing the condition that exhausted their retries.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.queue.RehydrateDLQ(cmd.Context(), topic, max)
			if err != nil {
				return err
			}
			fmt.Printf("rehydrated %d payload(s)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", coordinator.TopicStepReady, "Topic whose DLQ to rehydrate")
	cmd.Flags().IntVar(&max, "max", -1, "Maximum payloads to move (-1 for all)")
	return cmd
}
