package toolexec

import "context"

// Binding pairs a Registry with the Environment its tools execute against.
// It is the concrete Tool Executor handed to agent engines: one binding per
// workspace, shared by every agent working in it.
type Binding struct {
	reg *Registry
	env Environment
}

// NewBinding creates a Binding.
func NewBinding(reg *Registry, env Environment) *Binding {
	return &Binding{reg: reg, env: env}
}

// Execute dispatches one named tool call through the registry.
func (b *Binding) Execute(ctx context.Context, name string, params map[string]interface{}) (string, error) {
	return b.reg.Execute(ctx, b.env, name, params)
}

// Describe renders the available tools for a system prompt.
func (b *Binding) Describe() string {
	return b.reg.Describe()
}
