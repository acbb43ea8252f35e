package engine

import "strings"

// Profile describes one agent specialty: the prompt it works under, the
// vocabulary that routes work to it, and its iteration budget.
type Profile struct {
	// Type is the agent type identifier ("coder", "tester", ...).
	Type string
	// Role is the opening of the system prompt.
	Role string
	// Vocabulary is the keyword set used to infer this agent type from
	// free-form task text.
	Vocabulary []string
	// MaxIterations is the default loop budget for this specialty.
	MaxIterations int
}

// Built-in agent types.
const (
	TypeCoder      = "coder"
	TypeTester     = "tester"
	TypeReviewer   = "reviewer"
	TypeResearcher = "researcher"
)

var builtinProfiles = []Profile{
	{
		Type: TypeCoder,
		Role: "You are a coding agent. You implement features, fix bugs, and " +
			"modify source files to satisfy the task.",
		Vocabulary: []string{
			"implement", "create", "add", "build", "write", "fix", "refactor",
			"code", "function", "class", "entity", "module", "bug", "feature",
		},
		MaxIterations: 20,
	},
	{
		Type: TypeTester,
		Role: "You are a testing agent. You write and run tests, reproduce " +
			"failures, and verify that code behaves as specified.",
		Vocabulary: []string{
			"test", "tests", "testing", "verify", "validate", "coverage",
			"assert", "spec", "regression", "reproduce",
		},
		MaxIterations: 15,
	},
	{
		Type: TypeReviewer,
		Role: "You are a review agent. You read code, judge correctness and " +
			"clarity, and report concrete problems with suggested changes.",
		Vocabulary: []string{
			"review", "audit", "inspect", "check", "critique", "lint",
			"quality", "style", "security",
		},
		MaxIterations: 10,
	},
	{
		Type: TypeResearcher,
		Role: "You are a research agent. You explore the codebase and gather " +
			"the facts other agents need, without modifying anything.",
		Vocabulary: []string{
			"research", "find", "locate", "explore", "investigate", "explain",
			"understand", "analyze", "summarize", "document",
		},
		MaxIterations: 10,
	},
}

// ProfileFor returns the profile for an agent type. Unknown types fall
// back to the coder profile, which carries the broadest toolset.
func ProfileFor(agentType string) Profile {
	for _, p := range builtinProfiles {
		if p.Type == agentType {
			return p
		}
	}
	return builtinProfiles[0]
}

// Profiles returns the built-in agent profiles.
func Profiles() []Profile {
	out := make([]Profile, len(builtinProfiles))
	copy(out, builtinProfiles)
	return out
}

// InferAgentType picks the agent type whose vocabulary best matches the
// text. Ties and no-match fall to coder. Used by the orchestrator's
// fallback plan when the planning model's output is unusable.
func InferAgentType(text string) string {
	lower := strings.ToLower(text)
	best := TypeCoder
	bestScore := 0
	for _, p := range builtinProfiles {
		score := 0
		for _, word := range p.Vocabulary {
			if strings.Contains(lower, word) {
				score++
			}
		}
		if score > bestScore {
			best = p.Type
			bestScore = score
		}
	}
	return best
}
