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

// Package plan defines the plan document accepted from external callers and
// its validation rules. A plan is parsed from JSON or YAML, validated into a
// normalised form, and stored verbatim on the run it creates. Free-form input
// never travels past Validate.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"

	"github.com/tombee/dispatch/pkg/errors"
)

// Plan is a validated plan document.
type Plan struct {
	// Goal is a human-readable statement of what the run should achieve.
	Goal string `json:"goal" yaml:"goal"`

	// Steps are the units of work, executed subject to their declared
	// predecessors, conditions and gates.
	Steps []StepSpec `json:"steps" yaml:"steps"`
}

// StepSpec describes one step of a plan.
type StepSpec struct {
	// Name uniquely identifies the step within the plan.
	Name string `json:"name" yaml:"name"`

	// Tool is the registry key of the tool that executes this step.
	Tool string `json:"tool" yaml:"tool"`

	// Inputs is the JSON value handed to the tool. Defaults to an empty object.
	Inputs map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Needs lists predecessor step names that must succeed first.
	Needs []string `json:"needs,omitempty" yaml:"needs,omitempty"`

	// When is an optional expr condition evaluated once all predecessors
	// have succeeded. A false result cancels the step.
	When string `json:"when,omitempty" yaml:"when,omitempty"`

	// Gates lists gate types created pending for this step.
	Gates []string `json:"gates,omitempty" yaml:"gates,omitempty"`

	// IdempotencyKey overrides the derived inbox dedup key.
	IdempotencyKey string `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`

	// Policy fields, recorded verbatim and enforced by tool authors.
	ToolsAllowed []string `json:"tools_allowed,omitempty" yaml:"tools_allowed,omitempty"`
	EnvAllowed   []string `json:"env_allowed,omitempty" yaml:"env_allowed,omitempty"`
	SecretsScope string   `json:"secrets_scope,omitempty" yaml:"secrets_scope,omitempty"`
}

// ParseJSON decodes and validates a JSON plan document.
// Unknown fields are rejected at the boundary.
func ParseJSON(data []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, &errors.InvalidPlanError{Message: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseYAML decodes and validates a YAML plan document.
func ParseYAML(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, &errors.InvalidPlanError{Message: fmt.Sprintf("malformed YAML: %v", err)}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan against the acceptance rules and normalises
// defaults (nil inputs become empty objects). It returns an InvalidPlanError
// naming the first offending field.
func (p *Plan) Validate() error {
	if p.Goal == "" {
		return &errors.InvalidPlanError{Field: "goal", Message: "must not be empty"}
	}
	if len(p.Steps) == 0 {
		return &errors.InvalidPlanError{Field: "steps", Message: "must contain at least one step"}
	}

	names := make(map[string]int, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		field := fmt.Sprintf("steps[%d]", i)

		if s.Name == "" {
			return &errors.InvalidPlanError{Field: field + ".name", Message: "must not be empty"}
		}
		if prev, dup := names[s.Name]; dup {
			return &errors.InvalidPlanError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate step name %q (first declared at steps[%d])", s.Name, prev),
			}
		}
		names[s.Name] = i

		if s.Tool == "" {
			return &errors.InvalidPlanError{Field: field + ".tool", Message: "must not be empty"}
		}
		if s.Inputs == nil {
			s.Inputs = map[string]any{}
		}
		if s.When != "" {
			if _, err := expr.Compile(s.When); err != nil {
				return &errors.InvalidPlanError{
					Field:   field + ".when",
					Message: fmt.Sprintf("condition does not compile: %v", err),
				}
			}
		}
		for _, g := range s.Gates {
			if g == "" {
				return &errors.InvalidPlanError{Field: field + ".gates", Message: "gate type must not be empty"}
			}
		}
	}

	// Predecessors must reference declared steps and must not form a cycle.
	for i := range p.Steps {
		s := &p.Steps[i]
		for _, need := range s.Needs {
			if need == s.Name {
				return &errors.InvalidPlanError{
					Field:   fmt.Sprintf("steps[%d].needs", i),
					Message: fmt.Sprintf("step %q depends on itself", s.Name),
				}
			}
			if _, ok := names[need]; !ok {
				return &errors.InvalidPlanError{
					Field:   fmt.Sprintf("steps[%d].needs", i),
					Message: fmt.Sprintf("unknown predecessor %q", need),
				}
			}
		}
	}
	if cycle := p.findCycle(); cycle != "" {
		return &errors.InvalidPlanError{Field: "steps", Message: fmt.Sprintf("dependency cycle through %q", cycle)}
	}

	return nil
}

// Step returns the StepSpec with the given name, or nil.
func (p *Plan) Step(name string) *StepSpec {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

// findCycle runs a three-colour DFS over the needs graph and returns the name
// of a step on a cycle, or "".
func (p *Plan) findCycle() string {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(p.Steps))

	var visit func(name string) string
	visit = func(name string) string {
		colour[name] = grey
		for _, need := range p.Step(name).Needs {
			switch colour[need] {
			case grey:
				return need
			case white:
				if hit := visit(need); hit != "" {
					return hit
				}
			}
		}
		colour[name] = black
		return ""
	}

	for i := range p.Steps {
		if colour[p.Steps[i].Name] == white {
			if hit := visit(p.Steps[i].Name); hit != "" {
				return hit
			}
		}
	}
	return ""
}
