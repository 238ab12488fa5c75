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

package store

import (
	"time"

	"github.com/tombee/dispatch/pkg/plan"
)

// Materialise builds the run and step entities for a validated plan.
// Both drivers persist the result inside a single transaction so the run
// never exists without its steps.
func Materialise(p *plan.Plan, projectID string, now time.Time) (*Run, []*Step) {
	run := &Run{
		ID:        NewRunID(),
		ProjectID: projectID,
		Plan:      p,
		Status:    RunQueued,
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	steps := make([]*Step, 0, len(p.Steps))
	for i := range p.Steps {
		spec := &p.Steps[i]
		steps = append(steps, &Step{
			ID:             NewStepID(),
			RunID:          run.ID,
			Name:           spec.Name,
			Tool:           spec.Tool,
			Inputs:         spec.Inputs,
			Status:         StepQueued,
			IdempotencyKey: spec.IdempotencyKey,
			Needs:          spec.Needs,
			When:           spec.When,
			Gates:          spec.Gates,
			ToolsAllowed:   spec.ToolsAllowed,
			EnvAllowed:     spec.EnvAllowed,
			SecretsScope:   spec.SecretsScope,
			CreatedAt:      now.Add(time.Duration(i) * time.Microsecond),
		})
	}
	return run, steps
}
