// Package watcher owns the lifecycle of all watchers: timers, file
// observers, cron schedules, and one-shot wakeups that feed WatcherEvents
// into the autonomous loop. It also durably persists watcher definitions
// and their event history so watchers survive a restart.
package watcher

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies which scheduling strategy a watcher uses. Exactly one
// of the Kind-specific fields on Watcher is populated, selected by this
// discriminator.
type Kind string

const (
	KindEmail     Kind = "email"
	KindCalendar  Kind = "calendar"
	KindGitHub    Kind = "github"
	KindFile      Kind = "file"
	KindMessage   Kind = "message"
	KindScheduled Kind = "scheduled"
	KindOneShot   Kind = "one_shot"
)

// EmailWatch polls a mailbox on an interval, optionally filtered by
// sender or subject substring.
type EmailWatch struct {
	From            string `json:"from,omitempty"`
	SubjectContains string `json:"subject_contains,omitempty"`
	IntervalSecs    int    `json:"interval_secs"`
}

// CalendarWatch polls for upcoming events within a lookahead window.
type CalendarWatch struct {
	LookaheadHours int `json:"lookahead_hours"`
	IntervalSecs   int `json:"interval_secs"`
}

// GitHubWatch polls a repository for the given event types.
type GitHubWatch struct {
	Repo         string   `json:"repo"`
	Events       []string `json:"events"`
	IntervalSecs int      `json:"interval_secs"`
}

// FileWatch observes a path (recursively, if a directory) for
// create/modify/remove events.
type FileWatch struct {
	Path string `json:"path"`
}

// MessageWatch is tracked for presence only; the autonomous loop matches
// incoming messages against Pattern itself. The runner never schedules
// anything for this kind.
type MessageWatch struct {
	Pattern string `json:"pattern"`
}

// Scheduled fires task on a cron schedule.
type Scheduled struct {
	CronExpr string `json:"cron_expr"`
	Task     string `json:"task"`
}

// OneShot fires task exactly once at At, then deactivates itself.
type OneShot struct {
	At   time.Time `json:"at"`
	Task string    `json:"task"`
}

// ActiveHours optionally restricts polling kinds to a daily window.
// Start < End is a same-day window; Start > End wraps past midnight.
// Both are "HH:MM", compared against the hour and minute of the time
// passed to WithinActiveHours in that time's own location (empty means
// "always active").
type ActiveHours struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Watcher is a durable watcher definition. Kind selects which of the
// embedded *Watch/*Shot fields is populated; Action carries the
// reaction to take when the watcher fires (opaque to the runner itself;
// Scheduled/OneShot put their own Task field in the fired event).
type Watcher struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Action       string    `json:"action"`
	ReplyChannel string    `json:"reply_channel"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`

	Email     *EmailWatch    `json:"email,omitempty"`
	Calendar  *CalendarWatch `json:"calendar,omitempty"`
	GitHub    *GitHubWatch   `json:"github,omitempty"`
	File      *FileWatch     `json:"file,omitempty"`
	Message   *MessageWatch  `json:"message,omitempty"`
	Scheduled *Scheduled     `json:"scheduled,omitempty"`
	OneShot   *OneShot       `json:"one_shot,omitempty"`

	ActiveHours *ActiveHours `json:"active_hours,omitempty"`
}

// kindJSON is the on-disk shape of a watcher's kind-specific payload;
// storage serializes/deserializes just this slice of fields as
// kind_json, keeping the rest of the row's columns flat.
type kindJSON struct {
	Email       *EmailWatch    `json:"email,omitempty"`
	Calendar    *CalendarWatch `json:"calendar,omitempty"`
	GitHub      *GitHubWatch   `json:"github,omitempty"`
	File        *FileWatch     `json:"file,omitempty"`
	Message     *MessageWatch  `json:"message,omitempty"`
	Scheduled   *Scheduled     `json:"scheduled,omitempty"`
	OneShot     *OneShot       `json:"one_shot,omitempty"`
	ActiveHours *ActiveHours   `json:"active_hours,omitempty"`
}

// MarshalKind encodes the watcher's kind-specific fields for storage.
func (w *Watcher) MarshalKind() ([]byte, error) {
	return json.Marshal(kindJSON{
		Email:       w.Email,
		Calendar:    w.Calendar,
		GitHub:      w.GitHub,
		File:        w.File,
		Message:     w.Message,
		Scheduled:   w.Scheduled,
		OneShot:     w.OneShot,
		ActiveHours: w.ActiveHours,
	})
}

// UnmarshalKind decodes kind_json into the watcher's kind-specific
// fields. A row that fails here must be logged and skipped by the
// caller, never allowed to crash startup recovery.
func (w *Watcher) UnmarshalKind(raw []byte) error {
	var kj kindJSON
	if err := json.Unmarshal(raw, &kj); err != nil {
		return fmt.Errorf("unmarshal watcher kind_json: %w", err)
	}
	w.Email = kj.Email
	w.Calendar = kj.Calendar
	w.GitHub = kj.GitHub
	w.File = kj.File
	w.Message = kj.Message
	w.Scheduled = kj.Scheduled
	w.OneShot = kj.OneShot
	w.ActiveHours = kj.ActiveHours
	return nil
}

// WithinActiveHours reports whether now falls inside the watcher's
// configured active window. An unconfigured window is always active.
func (w *Watcher) WithinActiveHours(now time.Time) bool {
	if w.ActiveHours == nil || w.ActiveHours.Start == "" || w.ActiveHours.End == "" {
		return true
	}
	start, err1 := time.Parse("15:04", w.ActiveHours.Start)
	end, err2 := time.Parse("15:04", w.ActiveHours.End)
	if err1 != nil || err2 != nil {
		return true
	}
	nowMins := now.Hour()*60 + now.Minute()
	startMins := start.Hour()*60 + start.Minute()
	endMins := end.Hour()*60 + end.Minute()

	if startMins <= endMins {
		return nowMins >= startMins && nowMins < endMins
	}
	// Wraps past midnight.
	return nowMins >= startMins || nowMins < endMins
}

// Event is an append-only record of something a watcher observed.
type Event struct {
	ID        int64
	WatcherID string
	Kind      string
	Payload   map[string]any
	Timestamp time.Time
}
