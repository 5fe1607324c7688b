// Package orchestrator fans a TaskGroup out to bounded-concurrency
// sub-tasks, each running its own tool-use loop against a filtered
// tool set. Groups run in parallel mode (await all, return a combined
// summary) or background mode (claim a slot, run detached, stream
// progress to the originating channel).
package orchestrator

import "time"

// Mode selects how a TaskGroup is executed.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeBackground Mode = "background"
)

// SubTaskStatus is the terminal state of one SubTask's execution.
type SubTaskStatus string

const (
	SubTaskCompleted SubTaskStatus = "completed"
	SubTaskFailed    SubTaskStatus = "failed"
	SubTaskTimedOut  SubTaskStatus = "timed_out"
)

// SubTask is one independent unit of work within a TaskGroup.
type SubTask struct {
	TaskID         string
	Prompt         string
	ContextSummary string
	AllowedTools   map[string]bool
}

// SubTaskResult is what a SubTask produces once it reaches a terminal
// state.
type SubTaskResult struct {
	TaskID      string
	Status      SubTaskStatus
	Output      string
	TokensUsed  int
	Err         error
}

// TaskGroup is a bounded-concurrency fan-out of SubTasks, either
// awaited inline (parallel) or run detached with progress streaming
// (background).
type TaskGroup struct {
	GroupID   string
	Mode      Mode
	Channel   string
	ReplyTo   string
	Tasks     []SubTask
	CreatedAt time.Time
}
