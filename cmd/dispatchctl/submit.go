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
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/pkg/plan"
)

// newSubmitCommand creates the submit command.
func newSubmitCommand() *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "submit <plan-file>",
		Short: "Submit a plan for execution",
		Long: `Submit validates a plan document (JSON or YAML, by extension) and
materialises a run from it. The run ID is printed on success; execution
progress is reported through the run's status and timeline.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var p *plan.Plan
			switch strings.ToLower(filepath.Ext(args[0])) {
			case ".yaml", ".yml":
				p, err = plan.ParseYAML(data)
			default:
				p, err = plan.ParseJSON(data)
			}
			if err != nil {
				return err
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.coord.Submit(cmd.Context(), p, projectID)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", run.ID, run.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "default", "Project the run belongs to")
	return cmd
}
