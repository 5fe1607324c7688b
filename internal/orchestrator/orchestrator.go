package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/corvidwatch/sentinel/internal/llm"
	"github.com/corvidwatch/sentinel/internal/toolloop"
)

var (
	ErrTooManySubtasks  = errors.New("orchestrator: task group exceeds max_subtasks_per_request")
	ErrNoBackgroundSlot = errors.New("orchestrator: no free background group slot")
)

// Sink delivers progress and final-summary text for a background group
// back out to wherever it came from. Defined locally (not against the
// channel bus's OutgoingMessage type) to keep this package free of a
// dependency on the channel layer; the composition root adapts the bus.
type Sink interface {
	SendProgress(ctx context.Context, channel, replyTo, text string)
}

// Config holds the orchestrator's tunables, mirroring
// config.OrchestratorConfig.
type Config struct {
	MaxSubtasksPerRequest int
	MaxConcurrentSubtasks int
	MaxBackgroundGroups   int
	ParallelTimeout       time.Duration
	BackgroundTimeout     time.Duration
}

// Orchestrator runs TaskGroups against a shared provider+tool registry
// under bounded concurrency.
type Orchestrator struct {
	logger   *slog.Logger
	provider toolloop.Provider
	model    string
	tools    ToolExecutor
	sink     Sink
	store    *Store
	cfg      Config

	backgroundSlots int32 // current number of in-flight background groups
	mu              sync.Mutex
}

// New builds an Orchestrator. provider+model drive every sub-task's
// tool-use loop; tools is the shared (unfiltered) registry each
// sub-task's filtered view wraps.
func New(logger *slog.Logger, provider toolloop.Provider, model string, tools ToolExecutor, sink Sink, store *Store, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSubtasksPerRequest <= 0 {
		cfg.MaxSubtasksPerRequest = 10
	}
	if cfg.MaxConcurrentSubtasks <= 0 {
		cfg.MaxConcurrentSubtasks = 5
	}
	if cfg.MaxBackgroundGroups <= 0 {
		cfg.MaxBackgroundGroups = 3
	}
	if cfg.ParallelTimeout <= 0 {
		cfg.ParallelTimeout = 120 * time.Second
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = 600 * time.Second
	}
	return &Orchestrator{
		logger:   logger.With("component", "orchestrator"),
		provider: provider,
		model:    model,
		tools:    tools,
		sink:     sink,
		store:    store,
		cfg:      cfg,
	}
}

// RunParallel awaits completion of every sub-task and returns a
// combined markdown summary in definition order.
func (o *Orchestrator) RunParallel(ctx context.Context, g *TaskGroup) (string, error) {
	if len(g.Tasks) > o.cfg.MaxSubtasksPerRequest {
		return "", ErrTooManySubtasks
	}
	if g.GroupID == "" {
		g.GroupID = newGroupID()
	}
	g.Mode = ModeParallel
	g.CreatedAt = time.Now()

	if o.store != nil {
		if err := o.store.Start(g); err != nil {
			o.logger.Error("record group start failed", "group_id", g.GroupID, "error", err)
		}
	}

	results := o.runSubtasks(ctx, g, o.cfg.ParallelTimeout)

	if o.store != nil {
		if err := o.store.Complete(g.GroupID, results); err != nil {
			o.logger.Error("record group completion failed", "group_id", g.GroupID, "error", err)
		}
	}

	return summarize(results), nil
}

// StartBackground claims a background slot (CAS-style) and runs the
// group detached, streaming progress to g.Channel/g.ReplyTo. Returns
// immediately with a start message, or ErrNoBackgroundSlot if all
// max_background_groups slots are taken.
func (o *Orchestrator) StartBackground(ctx context.Context, g *TaskGroup) (string, error) {
	if len(g.Tasks) > o.cfg.MaxSubtasksPerRequest {
		return "", ErrTooManySubtasks
	}
	if !o.claimSlot() {
		return "", ErrNoBackgroundSlot
	}

	if g.GroupID == "" {
		g.GroupID = newGroupID()
	}
	g.Mode = ModeBackground
	g.CreatedAt = time.Now()

	if o.store != nil {
		if err := o.store.Start(g); err != nil {
			o.logger.Error("record group start failed", "group_id", g.GroupID, "error", err)
		}
	}

	go o.runBackgroundDetached(g)

	return fmt.Sprintf("Started task group %s (%d sub-tasks)…", g.GroupID, len(g.Tasks)), nil
}

func (o *Orchestrator) claimSlot() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if int(o.backgroundSlots) >= o.cfg.MaxBackgroundGroups {
		return false
	}
	o.backgroundSlots++
	return true
}

func (o *Orchestrator) releaseSlot() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.backgroundSlots > 0 {
		o.backgroundSlots--
	}
}

func (o *Orchestrator) runBackgroundDetached(g *TaskGroup) {
	defer o.releaseSlot()

	// Detached from the caller's context: a background group must
	// survive the tool call that started it returning.
	ctx := context.Background()

	results := o.runSubtasksWithProgress(ctx, g, o.cfg.BackgroundTimeout)

	if o.store != nil {
		if err := o.store.Complete(g.GroupID, results); err != nil {
			o.logger.Error("record group completion failed", "group_id", g.GroupID, "error", err)
		}
	}

	if o.sink != nil {
		o.sink.SendProgress(ctx, g.Channel, g.ReplyTo, summarize(results))
	}
}

// runSubtasks runs every sub-task under a size-MaxConcurrentSubtasks
// semaphore, without progress streaming (parallel mode).
func (o *Orchestrator) runSubtasks(ctx context.Context, g *TaskGroup, perTaskTimeout time.Duration) []SubTaskResult {
	return o.runSubtasksInner(ctx, g, perTaskTimeout, nil)
}

// runSubtasksWithProgress is runSubtasks plus a progress message sent
// to the sink after each sub-task completes (background mode).
func (o *Orchestrator) runSubtasksWithProgress(ctx context.Context, g *TaskGroup, perTaskTimeout time.Duration) []SubTaskResult {
	return o.runSubtasksInner(ctx, g, perTaskTimeout, func(r SubTaskResult) {
		if o.sink == nil {
			return
		}
		o.sink.SendProgress(ctx, g.Channel, g.ReplyTo, progressLine(r))
	})
}

func (o *Orchestrator) runSubtasksInner(ctx context.Context, g *TaskGroup, perTaskTimeout time.Duration, onComplete func(SubTaskResult)) []SubTaskResult {
	sem := make(chan struct{}, o.cfg.MaxConcurrentSubtasks)
	results := make([]SubTaskResult, len(g.Tasks))

	var wg sync.WaitGroup
	for i, task := range g.Tasks {
		wg.Add(1)
		go func(i int, task SubTask) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			r := o.runOne(ctx, task, perTaskTimeout)
			results[i] = r
			if onComplete != nil {
				onComplete(r)
			}
		}(i, task)
	}
	wg.Wait()

	return results
}

// runOne executes a single sub-task's tool-use loop under its own
// timeout, isolating panics into a synthetic Failed result.
func (o *Orchestrator) runOne(ctx context.Context, task SubTask, timeout time.Duration) (result SubTaskResult) {
	result = SubTaskResult{TaskID: task.TaskID, Status: SubTaskFailed}

	defer func() {
		if rec := recover(); rec != nil {
			result = SubTaskResult{
				TaskID: task.TaskID,
				Status: SubTaskFailed,
				Output: fmt.Sprintf("Task panicked: %v", rec),
			}
		}
	}()

	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	filtered := newFilteredExecutor(o.tools, task.AllowedTools)
	loop := toolloop.New(o.provider, o.model, o.logger)

	systemPrompt := buildSystemPrompt(task)
	messages := []llm.Message{{Role: "user", Content: systemPrompt}}

	res, err := loop.Run(subCtx, messages, filtered)
	if err != nil {
		if errors.Is(err, toolloop.ErrTimeout) || errors.Is(subCtx.Err(), context.DeadlineExceeded) {
			return SubTaskResult{TaskID: task.TaskID, Status: SubTaskTimedOut, Output: err.Error(), Err: err}
		}
		return SubTaskResult{TaskID: task.TaskID, Status: SubTaskFailed, Output: err.Error(), Err: err}
	}

	return SubTaskResult{
		TaskID:     task.TaskID,
		Status:     SubTaskCompleted,
		Output:     res.Text,
		TokensUsed: res.Usage.InputTokens + res.Usage.OutputTokens,
	}
}

// buildSystemPrompt clearly delimits shared context from the task
// itself; exact format is free per the contract, so long as the two
// are distinguishable.
func buildSystemPrompt(task SubTask) string {
	var b strings.Builder
	if task.ContextSummary != "" {
		b.WriteString("## Context\n")
		b.WriteString(task.ContextSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("## Task\n")
	b.WriteString(task.Prompt)
	return b.String()
}

// summarize renders a combined markdown summary of a group's results,
// in definition order.
func summarize(results []SubTaskResult) string {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "### %s (%s)\n", r.TaskID, r.Status)
		if r.Output != "" {
			b.WriteString(r.Output)
		}
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func progressLine(r SubTaskResult) string {
	return fmt.Sprintf("Sub-task %s: %s", r.TaskID, r.Status)
}

func newGroupID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("group-%d", time.Now().UnixNano())
	}
	return id.String()
}
