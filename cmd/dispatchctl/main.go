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

// dispatchctl is the operator CLI: it submits plans, inspects runs and the
// event timeline, resolves gates and manages the dead-letter queue. It talks
// to the same store and queue the daemon is configured with.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Operate the dispatch control plane",
		Long: `dispatchctl submits plans and inspects runs.

Driver selection follows the daemon's environment (QUEUE_DRIVER, DATA_DRIVER,
DISPATCH_REDIS_ADDR, DISPATCH_DB_PATH). Point it at the same sqlite file and
redis broker as the running daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newSubmitCommand(),
		newRunsCommand(),
		newGatesCommand(),
		newDLQCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dispatchctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
