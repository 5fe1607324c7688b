// Package goal implements persistent, self-evaluating goals: standing
// objectives the autonomous loop periodically re-checks and advances
// by asking the model for a decision, rather than a one-shot task.
package goal

import "time"

// Status is a goal's lifecycle state. completed and failed are sticky
// terminal states.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Goal is a standing objective, re-evaluated on its own interval.
type Goal struct {
	ID                string
	Description       string
	Status            Status
	Priority          int // 1 (lowest) .. 5 (highest)
	SuccessCriteria   string
	Strategy          string
	CheckIntervalSecs int
	LastCheckedAt     *time.Time
	Source            string // "user" or "template:<name>"
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsDue reports whether the goal should be re-evaluated now: active,
// and either never checked or the interval has elapsed.
func (g *Goal) IsDue(now time.Time) bool {
	if g.Status != StatusActive {
		return false
	}
	if g.LastCheckedAt == nil {
		return true
	}
	return now.Sub(*g.LastCheckedAt) >= time.Duration(g.CheckIntervalSecs)*time.Second
}

// DecisionKind is what the evaluator decided for one due goal.
type DecisionKind string

const (
	DecisionAct        DecisionKind = "act"
	DecisionDefer      DecisionKind = "defer"
	DecisionComplete   DecisionKind = "complete"
	DecisionAbandon    DecisionKind = "abandon"
	DecisionInvestigate DecisionKind = "investigate"
)

// Decision is one goal's evaluation outcome for this tick.
type Decision struct {
	GoalID       string       `json:"goal_id"`
	Kind         DecisionKind `json:"decision"`
	Confidence   float64      `json:"confidence"`
	Reasoning    string       `json:"reasoning,omitempty"`
	ActionPrompt string       `json:"action_prompt,omitempty"`
}
