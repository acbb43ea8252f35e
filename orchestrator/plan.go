package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/conductor/engine"
	"github.com/martinemde/conductor/toolcall"
)

// Complexity grades a plan. Simple plans keep executing independent steps
// after a failure; anything above stops early.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// TaskStep is one unit of delegated work.
type TaskStep struct {
	ID            string   `json:"id"`
	Description   string   `json:"description"`
	AgentType     string   `json:"agentType"`
	DependencyIDs []string `json:"dependencyIds,omitempty"`
	Instruction   string   `json:"instruction"`
}

// TaskPlan is a dependency-ordered decomposition of one user request.
// The dependency graph over step ids must be acyclic; ExecutePlan rejects
// cyclic plans outright.
type TaskPlan struct {
	Summary    string     `json:"summary"`
	Steps      []TaskStep `json:"steps"`
	Complexity Complexity `json:"complexity"`
}

// planPrompt instructs the planning model to emit a structured plan.
func planPrompt(request string) string {
	types := make([]string, 0, 4)
	for _, p := range engine.Profiles() {
		types = append(types, fmt.Sprintf("%q (%s)", p.Type, p.Vocabulary[0]))
	}
	return fmt.Sprintf(`Decompose the following request into a dependency-ordered
plan of sub-tasks for specialized agents. Agent types: %s.

Respond with ONLY a JSON object of this shape:
{
  "summary": "one line",
  "complexity": "simple" | "moderate" | "complex",
  "steps": [
    {
      "id": "1",
      "description": "what this step achieves",
      "agentType": "coder",
      "dependencyIds": [],
      "instruction": "the full instruction handed to the agent"
    }
  ]
}

Steps may only depend on earlier steps. Keep the plan as small as the
request allows.

Request:
%s`, strings.Join(types, ", "), request)
}

// parsePlan extracts and validates a TaskPlan from planning-model output.
// The model wraps JSON in prose often enough that the text is first cut
// down to its first balanced object.
func parsePlan(text string) (*TaskPlan, error) {
	jsonText := toolcall.Repair(text)
	if !strings.HasPrefix(strings.TrimSpace(jsonText), "{") {
		return nil, fmt.Errorf("no JSON object in planning output")
	}

	var plan TaskPlan
	if err := json.Unmarshal([]byte(jsonText), &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := normalizePlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// normalizePlan fills defaults and rejects structurally unusable plans.
func normalizePlan(plan *TaskPlan) error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	switch plan.Complexity {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex:
	case "":
		plan.Complexity = ComplexityModerate
	default:
		plan.Complexity = ComplexityModerate
	}

	seen := make(map[string]struct{}, len(plan.Steps))
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}
		if step.Instruction == "" {
			step.Instruction = step.Description
		}
		if step.Instruction == "" {
			return fmt.Errorf("step %q has no instruction", step.ID)
		}
		if known := engine.ProfileFor(step.AgentType); known.Type != step.AgentType {
			// Unknown agent type: infer one from the step text.
			step.AgentType = engine.InferAgentType(step.Description + " " + step.Instruction)
		}
	}
	for _, step := range plan.Steps {
		for _, dep := range step.DependencyIDs {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", step.ID, dep)
			}
			if dep == step.ID {
				return fmt.Errorf("step %q depends on itself", step.ID)
			}
		}
	}
	return validateAcyclic(plan.Steps)
}

// fallbackPlan wraps the whole request in a single step. Used whenever the
// planning model fails or returns unusable output, so plan creation never
// yields no plan at all.
func fallbackPlan(request string) *TaskPlan {
	agentType := engine.InferAgentType(request)
	summary := request
	if len(summary) > 120 {
		summary = summary[:120] + "..."
	}
	return &TaskPlan{
		Summary:    summary,
		Complexity: ComplexitySimple,
		Steps: []TaskStep{{
			ID:          "1",
			Description: summary,
			AgentType:   agentType,
			Instruction: request,
		}},
	}
}
