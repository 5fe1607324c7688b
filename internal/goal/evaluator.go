package goal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultMinConfidence is the default minimum confidence an "act" decision
// must clear to be honored; below it, the decision is treated as defer.
const DefaultMinConfidence = 0.7

// Runner drives a tool-use loop for the batch evaluation prompt. It is
// a narrow seam so this package doesn't depend on toolloop/llm
// directly — the composition root supplies a closure over the real
// tool-use loop.
type Runner func(ctx context.Context, prompt string) (string, error)

// ActionSink receives the recursively-constructed internal prompt for
// each accepted "act" decision (source=Autonomous, channel=Internal in
// the composition root's terms).
type ActionSink func(ctx context.Context, goalID, actionPrompt string)

// Evaluator batches due goals into one evaluation prompt, parses the
// model's decisions, and applies them.
type Evaluator struct {
	logger       *slog.Logger
	store        *Store
	run          Runner
	onAction     ActionSink
	minConfidence float64
}

// NewEvaluator builds an Evaluator. minConfidence <= 0 defaults to
// DefaultMinConfidence.
func NewEvaluator(logger *slog.Logger, store *Store, run Runner, onAction ActionSink, minConfidence float64) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Evaluator{
		logger:        logger.With("component", "goal_evaluator"),
		store:         store,
		run:           run,
		onAction:      onAction,
		minConfidence: minConfidence,
	}
}

// EvaluateDue fetches due goals, runs one batch evaluation, and applies
// the resulting decisions. Returns the number of goals evaluated.
func (e *Evaluator) EvaluateDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.DueGoals(now)
	if err != nil {
		return 0, fmt.Errorf("fetch due goals: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	prompt := buildBatchPrompt(due)
	raw, err := e.run(ctx, prompt)
	if err != nil {
		return 0, fmt.Errorf("run goal evaluation: %w", err)
	}

	decisions, err := parseDecisions(raw)
	if err != nil {
		e.logger.Error("goal evaluation decisions unparseable", "error", err, "raw", truncateForLog(raw))
		return 0, fmt.Errorf("parse goal decisions: %w", err)
	}

	byID := make(map[string]*Goal, len(due))
	for _, g := range due {
		byID[g.ID] = g
	}

	for _, d := range decisions {
		g, ok := byID[d.GoalID]
		if !ok {
			e.logger.Warn("decision referenced unknown goal, skipping", "goal_id", d.GoalID)
			continue
		}
		e.apply(ctx, g, d, now)
	}

	return len(due), nil
}

func (e *Evaluator) apply(ctx context.Context, g *Goal, d Decision, now time.Time) {
	kind := d.Kind
	if kind == DecisionAct && d.Confidence < e.minConfidence {
		kind = DecisionDefer
	}

	switch kind {
	case DecisionComplete:
		g.Status = StatusCompleted
	case DecisionAbandon:
		g.Status = StatusFailed
	case DecisionDefer, DecisionInvestigate:
		g.LastCheckedAt = &now
		if d.Reasoning != "" {
			g.Strategy = d.Reasoning
		}
	case DecisionAct:
		g.LastCheckedAt = &now
		if d.Reasoning != "" {
			g.Strategy = d.Reasoning
		}
		if e.onAction != nil && d.ActionPrompt != "" {
			e.onAction(ctx, g.ID, d.ActionPrompt)
		}
	default:
		e.logger.Warn("unrecognized decision kind, treating as defer", "goal_id", g.ID, "kind", d.Kind)
		g.LastCheckedAt = &now
	}

	if err := e.store.Save(g); err != nil {
		e.logger.Error("save goal after evaluation failed", "goal_id", g.ID, "error", err)
	}
}

func buildBatchPrompt(due []*Goal) string {
	var b strings.Builder
	b.WriteString("Evaluate the following goals. For each, decide one of: act, defer, complete, abandon, investigate.\n")
	b.WriteString("Respond with a JSON array of objects: {\"goal_id\", \"decision\", \"confidence\" (0-1), \"reasoning\", \"action_prompt\" (only for act)}.\n\n")
	for _, g := range due {
		fmt.Fprintf(&b, "- id=%s priority=%d description=%q", g.ID, g.Priority, g.Description)
		if g.SuccessCriteria != "" {
			fmt.Fprintf(&b, " success_criteria=%q", g.SuccessCriteria)
		}
		if g.Strategy != "" {
			fmt.Fprintf(&b, " current_strategy=%q", g.Strategy)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// parseDecisions tolerantly extracts a JSON array of Decision from raw
// model output: a ```json fenced block, a plain ``` fenced block, or
// the substring between the first '[' and last ']'.
func parseDecisions(raw string) ([]Decision, error) {
	candidate := extractJSONArray(raw)
	var decisions []Decision
	if err := json.Unmarshal([]byte(candidate), &decisions); err != nil {
		return nil, fmt.Errorf("unmarshal decisions: %w", err)
	}
	return decisions, nil
}

func extractJSONArray(raw string) string {
	trimmed := strings.TrimSpace(raw)

	for _, fence := range []string{"```json", "```"} {
		if idx := strings.Index(trimmed, fence); idx >= 0 {
			rest := trimmed[idx+len(fence):]
			if end := strings.Index(rest, "```"); end >= 0 {
				return strings.TrimSpace(rest[:end])
			}
		}
	}

	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}

func truncateForLog(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
