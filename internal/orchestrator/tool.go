package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Slot is a write-once, read-many holder for the Orchestrator the
// delegate_tasks tool handler calls into. It exists to break the
// registry↔orchestrator construction cycle: the tool definition must
// be registered before the orchestrator (which itself needs the fully
// built registry to execute sub-tasks) can be constructed. The handler
// closes over the Slot, not the Orchestrator directly, and Set is
// called exactly once after both sides exist.
type Slot struct {
	mu  sync.Mutex
	set atomic.Bool
	o   *Orchestrator
}

// Set installs the orchestrator. Panics if called more than once —
// a second call means the composition root has a construction bug,
// not a runtime condition to recover from.
func (s *Slot) Set(o *Orchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set.Load() {
		panic("orchestrator: Slot.Set called more than once")
	}
	s.o = o
	s.set.Store(true)
}

// Get returns the installed orchestrator, or nil if Set has not yet
// been called (the handler treats this as "not ready").
func (s *Slot) Get() *Orchestrator {
	if !s.set.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.o
}

// ToolDefinition returns the JSON schema for the delegate_tasks tool.
func ToolDefinition() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mode": map[string]any{
				"type":        "string",
				"enum":        []string{"parallel", "background"},
				"default":     "parallel",
				"description": "parallel awaits every sub-task and returns one summary; background runs detached and streams progress",
			},
			"tasks": map[string]any{
				"type":        "array",
				"description": "Independent sub-tasks to run concurrently",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"task_id":         map[string]any{"type": "string", "description": "Short identifier for this sub-task"},
						"prompt":          map[string]any{"type": "string", "description": "What this sub-task should accomplish"},
						"context_summary": map[string]any{"type": "string", "description": "Shared background the sub-task needs"},
						"allowed_tools":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Tool names this sub-task may call"},
					},
					"required": []string{"task_id", "prompt"},
				},
			},
		},
		"required": []string{"tasks"},
	}
}

// ToolDescription is the LLM-facing description for delegate_tasks.
const ToolDescription = "Fan a set of independent sub-tasks out to sandboxed sub-agents, each restricted to an allow-listed subset of tools. Use parallel mode for sub-tasks whose combined results you need before continuing; use background mode for long-running work you don't need to block on."

// ToolHandler returns a handler bound to slot. It resolves the
// orchestrator lazily on each call — by the time any conversation
// reaches a tool call, Slot.Set has already run during startup.
func ToolHandler(slot *Slot, channel, replyTo string) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		o := slot.Get()
		if o == nil {
			return "Error: orchestrator is not yet available", nil
		}

		mode, _ := args["mode"].(string)
		if mode == "" {
			mode = "parallel"
		}

		rawTasks, _ := args["tasks"].([]any)
		if len(rawTasks) == 0 {
			return "Error: tasks is required and must be non-empty", nil
		}

		tasks := make([]SubTask, 0, len(rawTasks))
		for _, rt := range rawTasks {
			m, ok := rt.(map[string]any)
			if !ok {
				continue
			}
			taskID, _ := m["task_id"].(string)
			prompt, _ := m["prompt"].(string)
			contextSummary, _ := m["context_summary"].(string)
			allowed := map[string]bool{}
			if list, ok := m["allowed_tools"].([]any); ok {
				for _, v := range list {
					if name, ok := v.(string); ok {
						allowed[name] = true
					}
				}
			}
			tasks = append(tasks, SubTask{
				TaskID:         taskID,
				Prompt:         prompt,
				ContextSummary: contextSummary,
				AllowedTools:   allowed,
			})
		}

		group := &TaskGroup{Channel: channel, ReplyTo: replyTo, Tasks: tasks}

		switch mode {
		case "background":
			msg, err := o.StartBackground(ctx, group)
			if err != nil {
				return fmt.Sprintf("Error: %s", err.Error()), nil
			}
			return msg, nil
		default:
			summary, err := o.RunParallel(ctx, group)
			if err != nil {
				return fmt.Sprintf("Error: %s", err.Error()), nil
			}
			return summary, nil
		}
	}
}
