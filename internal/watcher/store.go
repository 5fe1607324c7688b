package watcher

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is durable storage for watchers and their event history.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the watcher database at path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open watcher database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate watcher schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS watchers (
		id            TEXT PRIMARY KEY,
		kind          TEXT NOT NULL,
		kind_json     TEXT NOT NULL,
		action        TEXT NOT NULL,
		reply_channel TEXT NOT NULL,
		active        INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS watcher_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		watcher_id  TEXT NOT NULL REFERENCES watchers(id) ON DELETE CASCADE,
		kind        TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		timestamp   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_watcher_events_watcher_id ON watcher_events(watcher_id);
	CREATE INDEX IF NOT EXISTS idx_watcher_events_timestamp ON watcher_events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// kindRow carries the subset of a watcher row needed to reconstruct
// kind-specific fields, also the column name that holds Kind.
type kindRow struct {
	kind Kind
	raw  []byte
}

// Save upserts a watcher by id.
func (s *Store) Save(w *Watcher) error {
	raw, err := w.MarshalKind()
	if err != nil {
		return fmt.Errorf("marshal watcher kind: %w", err)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(
		`INSERT INTO watchers (id, kind_json, action, reply_channel, kind, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			kind_json=excluded.kind_json,
			action=excluded.action,
			reply_channel=excluded.reply_channel,
			kind=excluded.kind,
			active=excluded.active`,
		w.ID, string(raw), w.Action, w.ReplyChannel, string(w.Kind), boolToInt(w.Active),
		w.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save watcher %s: %w", w.ID, err)
	}
	return nil
}

// GetActive returns all watchers with active=1. Rows whose kind_json
// fails to deserialize are logged-and-skipped by the caller: this
// method returns them in a separate slice rather than aborting.
func (s *Store) GetActive() ([]*Watcher, []BadRow, error) {
	return s.queryWatchers(`WHERE active = 1`)
}

// BadRow records a watcher row that failed kind_json deserialization.
type BadRow struct {
	ID  string
	Err error
}

// GetByID fetches a single watcher, or (nil, nil) if no row matches.
func (s *Store) GetByID(id string) (*Watcher, error) {
	ws, bad, err := s.queryWatchers(`WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(bad) > 0 {
		return nil, bad[0].Err
	}
	if len(ws) == 0 {
		return nil, nil
	}
	return ws[0], nil
}

func (s *Store) queryWatchers(whereClause string, args ...any) ([]*Watcher, []BadRow, error) {
	rows, err := s.db.Query(
		`SELECT id, kind_json, action, reply_channel, kind, active, created_at FROM watchers `+whereClause,
		args...,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query watchers: %w", err)
	}
	defer rows.Close()

	var out []*Watcher
	var bad []BadRow
	for rows.Next() {
		var (
			id, kindJSONStr, action, replyChannel, kindStr, createdAtStr string
			activeInt                                                   int
		)
		if err := rows.Scan(&id, &kindJSONStr, &action, &replyChannel, &kindStr, &activeInt, &createdAtStr); err != nil {
			return nil, nil, fmt.Errorf("scan watcher row: %w", err)
		}
		w := &Watcher{
			ID:           id,
			Kind:         Kind(kindStr),
			Action:       action,
			ReplyChannel: replyChannel,
			Active:       activeInt != 0,
		}
		if t, err := time.Parse(time.RFC3339, createdAtStr); err == nil {
			w.CreatedAt = t
		}
		if err := w.UnmarshalKind([]byte(kindJSONStr)); err != nil {
			bad = append(bad, BadRow{ID: id, Err: err})
			continue
		}
		out = append(out, w)
	}
	return out, bad, rows.Err()
}

// Deactivate sets active=0 without deleting the row or its events.
func (s *Store) Deactivate(id string) error {
	_, err := s.db.Exec(`UPDATE watchers SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate watcher %s: %w", id, err)
	}
	return nil
}

// Delete removes a watcher row; its events cascade-delete.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM watchers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete watcher %s: %w", id, err)
	}
	return nil
}

// SaveEvent appends a watcher event.
func (s *Store) SaveEvent(watcherID, kind string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO watcher_events (watcher_id, kind, payload_json, timestamp) VALUES (?, ?, ?, ?)`,
		watcherID, kind, string(raw), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save watcher event: %w", err)
	}
	return nil
}

// GetEvents returns up to limit most recent events for a watcher, most
// recent first.
func (s *Store) GetEvents(watcherID string, limit int) ([]*Event, error) {
	rows, err := s.db.Query(
		`SELECT id, watcher_id, kind, payload_json, timestamp FROM watcher_events
		 WHERE watcher_id = ? ORDER BY timestamp DESC LIMIT ?`,
		watcherID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query watcher events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var payloadStr, tsStr string
		if err := rows.Scan(&e.ID, &e.WatcherID, &e.Kind, &payloadStr, &tsStr); err != nil {
			return nil, fmt.Errorf("scan watcher event: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadStr), &e.Payload); err != nil {
			e.Payload = map[string]any{"_unparsed": payloadStr}
		}
		if t, err := time.Parse(time.RFC3339, tsStr); err == nil {
			e.Timestamp = t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CleanupEvents prunes events older than daysToKeep.
func (s *Store) CleanupEvents(daysToKeep int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep).Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM watcher_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup watcher events: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
