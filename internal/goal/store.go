package goal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists goals in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the goal database at path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open goal database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate goal schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS goals (
		id                  TEXT PRIMARY KEY,
		description         TEXT NOT NULL,
		status              TEXT NOT NULL,
		priority            INTEGER NOT NULL,
		success_criteria    TEXT,
		strategy            TEXT,
		check_interval_secs INTEGER NOT NULL,
		last_checked_at     TEXT,
		source              TEXT NOT NULL,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_goals_status ON goals(status);
	`)
	return err
}

// Create inserts a new goal, generating a UUIDv7 id if g.ID is empty.
func (s *Store) Create(g *Goal) error {
	if g.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate goal id: %w", err)
		}
		g.ID = id.String()
	}
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.Status == "" {
		g.Status = StatusActive
	}

	return s.upsert(g)
}

// Save upserts a goal by id (used by the evaluator after applying a
// decision).
func (s *Store) Save(g *Goal) error {
	g.UpdatedAt = time.Now().UTC()
	return s.upsert(g)
}

func (s *Store) upsert(g *Goal) error {
	var lastChecked sql.NullString
	if g.LastCheckedAt != nil {
		lastChecked = sql.NullString{String: g.LastCheckedAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO goals (id, description, status, priority, success_criteria, strategy,
			check_interval_secs, last_checked_at, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			description=excluded.description,
			status=excluded.status,
			priority=excluded.priority,
			success_criteria=excluded.success_criteria,
			strategy=excluded.strategy,
			check_interval_secs=excluded.check_interval_secs,
			last_checked_at=excluded.last_checked_at,
			updated_at=excluded.updated_at`,
		g.ID, g.Description, string(g.Status), g.Priority, g.SuccessCriteria, g.Strategy,
		g.CheckIntervalSecs, lastChecked, g.Source,
		g.CreatedAt.UTC().Format(time.RFC3339), g.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save goal %s: %w", g.ID, err)
	}
	return nil
}

// GetByID fetches one goal, or (nil, nil) if not found.
func (s *Store) GetByID(id string) (*Goal, error) {
	row := s.db.QueryRow(
		`SELECT id, description, status, priority, success_criteria, strategy,
			check_interval_secs, last_checked_at, source, created_at, updated_at
		 FROM goals WHERE id = ?`, id,
	)
	g, err := scanGoal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

// ListActive returns every goal with status=active.
func (s *Store) ListActive() ([]*Goal, error) {
	rows, err := s.db.Query(
		`SELECT id, description, status, priority, success_criteria, strategy,
			check_interval_secs, last_checked_at, source, created_at, updated_at
		 FROM goals WHERE status = ?`, string(StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("list active goals: %w", err)
	}
	defer rows.Close()

	var out []*Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DueGoals returns every active goal whose check interval has
// elapsed, evaluated against now.
func (s *Store) DueGoals(now time.Time) ([]*Goal, error) {
	active, err := s.ListActive()
	if err != nil {
		return nil, err
	}
	var due []*Goal
	for _, g := range active {
		if g.IsDue(now) {
			due = append(due, g)
		}
	}
	return due, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGoal(sc scanner) (*Goal, error) {
	var g Goal
	var status, createdAt, updatedAt string
	var successCriteria, strategy, lastChecked sql.NullString

	err := sc.Scan(&g.ID, &g.Description, &status, &g.Priority, &successCriteria, &strategy,
		&g.CheckIntervalSecs, &lastChecked, &g.Source, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	g.Status = Status(status)
	g.SuccessCriteria = successCriteria.String
	g.Strategy = strategy.String
	g.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	g.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if lastChecked.Valid {
		t, err := time.Parse(time.RFC3339, lastChecked.String)
		if err == nil {
			g.LastCheckedAt = &t
		}
	}
	return &g, nil
}
