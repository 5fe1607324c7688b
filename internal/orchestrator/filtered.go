package orchestrator

import (
	"context"
	"fmt"
)

// ToolExecutor matches toolloop.ToolExecutor's shape without importing
// it, so this package stays usable from anything that exposes a
// list+execute pair (the shared tool registry, a test double, ...).
type ToolExecutor interface {
	Execute(ctx context.Context, name, argsJSON string) (string, error)
	List() []map[string]any
}

// filteredExecutor restricts a shared ToolExecutor to a SubTask's
// allowed_tools set: execute rejects any other tool name, and list
// only returns the allowed subset's schemas.
type filteredExecutor struct {
	underlying ToolExecutor
	allowed    map[string]bool
}

func newFilteredExecutor(underlying ToolExecutor, allowed map[string]bool) *filteredExecutor {
	return &filteredExecutor{underlying: underlying, allowed: allowed}
}

func (f *filteredExecutor) Execute(ctx context.Context, name, argsJSON string) (string, error) {
	if !f.allowed[name] {
		return "", fmt.Errorf("tool %q is not permitted for this sub-task", name)
	}
	return f.underlying.Execute(ctx, name, argsJSON)
}

func (f *filteredExecutor) List() []map[string]any {
	all := f.underlying.List()
	out := make([]map[string]any, 0, len(all))
	for _, schema := range all {
		name := toolName(schema)
		if name != "" && f.allowed[name] {
			out = append(out, schema)
		}
	}
	return out
}

// toolName extracts the tool's name from its OpenAI-style
// {"type":"function","function":{"name":...}} schema map.
func toolName(schema map[string]any) string {
	fn, ok := schema["function"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := fn["name"].(string)
	return name
}
