package orchestrator

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GroupRecord is a persisted TaskGroup execution, kept for replay and
// inspection after a background group completes.
type GroupRecord struct {
	ID            string
	Mode          Mode
	Channel       string
	ReplyTo       string
	TaskCount     int
	StartedAt     time.Time
	CompletedAt   time.Time
	Results       []SubTaskResult
}

// Store persists TaskGroup executions. It shares a connection the way
// the delegation store does, creating its own tables on first use.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing *sql.DB connection (typically the archive
// database) with the orchestrator's own tables.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("orchestrator store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_groups (
			id           TEXT PRIMARY KEY,
			mode         TEXT NOT NULL,
			channel      TEXT NOT NULL,
			reply_to     TEXT,
			task_count   INTEGER NOT NULL,
			results_json TEXT,
			started_at   TEXT NOT NULL,
			completed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_task_groups_started ON task_groups(started_at DESC);
	`)
	return err
}

// recordResult is the JSON-safe projection of SubTaskResult (Err can't
// round-trip through encoding/json as an error interface).
type recordResult struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Output     string `json:"output"`
	TokensUsed int    `json:"tokens_used"`
	Error      string `json:"error,omitempty"`
}

// Start records a group beginning execution.
func (s *Store) Start(g *TaskGroup) error {
	_, err := s.db.Exec(
		`INSERT INTO task_groups (id, mode, channel, reply_to, task_count, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		g.GroupID, string(g.Mode), g.Channel, g.ReplyTo, len(g.Tasks),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record group start: %w", err)
	}
	return nil
}

// Complete records a group's final results.
func (s *Store) Complete(groupID string, results []SubTaskResult) error {
	projected := make([]recordResult, len(results))
	for i, r := range results {
		rr := recordResult{TaskID: r.TaskID, Status: string(r.Status), Output: r.Output, TokensUsed: r.TokensUsed}
		if r.Err != nil {
			rr.Error = r.Err.Error()
		}
		projected[i] = rr
	}
	raw, err := json.Marshal(projected)
	if err != nil {
		return fmt.Errorf("marshal group results: %w", err)
	}

	_, err = s.db.Exec(
		`UPDATE task_groups SET results_json = ?, completed_at = ? WHERE id = ?`,
		string(raw), time.Now().UTC().Format(time.RFC3339Nano), groupID,
	)
	if err != nil {
		return fmt.Errorf("record group completion: %w", err)
	}
	return nil
}

// Get retrieves a group's record, or nil if not found.
func (s *Store) Get(groupID string) (*GroupRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, mode, channel, reply_to, task_count, results_json, started_at, completed_at
		 FROM task_groups WHERE id = ?`, groupID,
	)

	var rec GroupRecord
	var mode string
	var replyTo, resultsJSON, completedAt sql.NullString
	var startedAt string
	if err := row.Scan(&rec.ID, &mode, &rec.Channel, &replyTo, &rec.TaskCount, &resultsJSON, &startedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	rec.Mode = Mode(mode)
	rec.ReplyTo = replyTo.String
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt.String)
	}
	if resultsJSON.Valid && resultsJSON.String != "" {
		var projected []recordResult
		if err := json.Unmarshal([]byte(resultsJSON.String), &projected); err == nil {
			rec.Results = make([]SubTaskResult, len(projected))
			for i, p := range projected {
				sr := SubTaskResult{TaskID: p.TaskID, Status: SubTaskStatus(p.Status), Output: p.Output, TokensUsed: p.TokensUsed}
				rec.Results[i] = sr
			}
		}
	}
	return &rec, nil
}
