package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"
)

// Emitter is how the runner hands observed events to the autonomous
// loop. Implementations must not block indefinitely — the runner's
// scheduling goroutines depend on timely delivery to reschedule.
type Emitter interface {
	Emit(ctx context.Context, event WatcherEvent)
}

// WatcherEvent is what the runner hands to the autonomous loop.
type WatcherEvent struct {
	WatcherID string
	Kind      string
	Payload   map[string]any
	Timestamp time.Time
}

// PollFunc executes one poll tick for a kind-specific watcher (Email,
// Calendar, GitHub). It returns events observed since the last poll;
// a non-nil error is logged and does not stop the schedule.
type PollFunc func(ctx context.Context, w *Watcher) ([]WatcherEvent, error)

// Pollers maps a polling Kind to the function that services it. The
// composition root supplies the map; cmd/sentineld currently passes an
// empty one, so a polling watcher logs "no poller registered" and its
// goroutine exits. The runner itself knows nothing about IMAP, CalDAV,
// or GitHub's API.
type Pollers map[Kind]PollFunc

var ErrAlreadyRunning = fmt.Errorf("watcher: already running")
var ErrAtCapacity = fmt.Errorf("watcher: at max_concurrent_watchers capacity")

// Runner owns the lifecycle of every active watcher: one goroutine per
// watcher, each cancellable independently or all at once.
type Runner struct {
	logger  *slog.Logger
	store   *Store
	emitter Emitter
	pollers Pollers

	minPollInterval time.Duration
	maxConcurrent   int

	mu      sync.Mutex
	handles map[string]*handle
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner builds a Runner. minPollInterval and maxConcurrent come
// from WatcherConfig (min_poll_interval_secs, max_concurrent_watchers).
func NewRunner(logger *slog.Logger, store *Store, emitter Emitter, pollers Pollers, minPollInterval time.Duration, maxConcurrent int) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger:          logger.With("component", "watcher_runner"),
		store:           store,
		emitter:         emitter,
		pollers:         pollers,
		minPollInterval: minPollInterval,
		maxConcurrent:   maxConcurrent,
		handles:         make(map[string]*handle),
	}
}

// ActiveCount returns the number of watchers with a live handle.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// IsRunning reports whether id has a live cancellation handle.
func (r *Runner) IsRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}

// Start spawns the watcher's scheduling goroutine and records its
// cancel handle. Fails if already running or at capacity.
func (r *Runner) Start(w *Watcher) error {
	r.mu.Lock()
	if _, exists := r.handles[w.ID]; exists {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(r.handles) >= r.maxConcurrent {
		r.mu.Unlock()
		return ErrAtCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	r.handles[w.ID] = h
	r.mu.Unlock()

	go r.run(ctx, h, w)
	return nil
}

// Stop cancels and drops id's handle. Idempotent: stopping an unknown
// or already-stopped id is a no-op that returns false.
func (r *Runner) Stop(id string) bool {
	r.mu.Lock()
	h, exists := r.handles[id]
	r.mu.Unlock()
	if !exists {
		return false
	}
	h.cancel()
	<-h.done
	return true
}

// StopAll cancels every running watcher and waits for each to exit.
func (r *Runner) StopAll() {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

// remove drops id from the map; called by a watcher's own goroutine
// just before it exits, so the map only ever holds live handles.
func (r *Runner) remove(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// run dispatches to the kind-specific scheduling loop and guarantees
// the handle is removed and done is closed no matter how the loop
// exits, including via panic.
func (r *Runner) run(ctx context.Context, h *handle, w *Watcher) {
	defer close(h.done)
	defer r.remove(w.ID)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("watcher goroutine panicked", "watcher_id", w.ID, "kind", w.Kind, "panic", rec)
		}
	}()

	switch w.Kind {
	case KindEmail, KindCalendar, KindGitHub:
		r.runPolling(ctx, w)
	case KindFile:
		r.runFile(ctx, w)
	case KindScheduled:
		r.runScheduled(ctx, w)
	case KindOneShot:
		r.runOneShot(ctx, w)
	case KindMessage:
		// Tracked for presence only; the goroutine just waits for
		// cancellation so ActiveCount/IsRunning stay accurate.
		<-ctx.Done()
	default:
		r.logger.Error("watcher has unknown kind, not scheduled", "watcher_id", w.ID, "kind", w.Kind)
	}
}

func (r *Runner) intervalFor(w *Watcher) time.Duration {
	secs := 0
	switch w.Kind {
	case KindEmail:
		if w.Email != nil {
			secs = w.Email.IntervalSecs
		}
	case KindCalendar:
		if w.Calendar != nil {
			secs = w.Calendar.IntervalSecs
		}
	case KindGitHub:
		if w.GitHub != nil {
			secs = w.GitHub.IntervalSecs
		}
	}
	interval := time.Duration(secs) * time.Second
	if interval < r.minPollInterval {
		interval = r.minPollInterval
	}
	return interval
}

func (r *Runner) runPolling(ctx context.Context, w *Watcher) {
	poll, ok := r.pollers[w.Kind]
	if !ok {
		r.logger.Error("no poller registered for kind", "watcher_id", w.ID, "kind", w.Kind)
		return
	}

	interval := r.intervalFor(w)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.WithinActiveHours(time.Now()) {
				continue
			}
			r.safePoll(ctx, poll, w)
		}
	}
}

// safePoll runs one poll tick, isolating a panic or error so the
// schedule continues uninterrupted — a bad tick must never take down
// the watcher's goroutine.
func (r *Runner) safePoll(ctx context.Context, poll PollFunc, w *Watcher) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("watcher poll panicked", "watcher_id", w.ID, "panic", rec)
		}
	}()

	events, err := poll(ctx, w)
	if err != nil {
		r.logger.Error("watcher poll failed", "watcher_id", w.ID, "kind", w.Kind, "error", err)
		return
	}
	for _, ev := range events {
		r.persistAndEmit(ctx, ev)
	}
}

func (r *Runner) runFile(ctx context.Context, w *Watcher) {
	if w.File == nil || w.File.Path == "" {
		r.logger.Error("file watcher missing path", "watcher_id", w.ID)
		return
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("create fsnotify watcher failed", "watcher_id", w.ID, "error", err)
		return
	}
	defer fw.Close()

	if err := fw.Add(w.File.Path); err != nil {
		r.logger.Error("watch path failed", "watcher_id", w.ID, "path", w.File.Path, "error", err)
		return
	}
	_ = filepath.WalkDir(w.File.Path, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && p != w.File.Path {
			if addErr := fw.Add(p); addErr != nil {
				r.logger.Error("watch subdirectory failed", "watcher_id", w.ID, "path", p, "error", addErr)
			}
		}
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			changeType := fileChangeType(ev.Op)
			if changeType == "" {
				continue
			}
			if changeType == "create" {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = fw.Add(ev.Name)
				}
			}
			r.persistAndEmit(ctx, WatcherEvent{
				WatcherID: w.ID,
				Kind:      "file_changed",
				Payload:   map[string]any{"path": ev.Name, "change_type": changeType},
				Timestamp: time.Now(),
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			r.logger.Error("fsnotify error", "watcher_id", w.ID, "error", err)
		}
	}
}

func fileChangeType(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "modify"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "remove"
	default:
		return ""
	}
}

func (r *Runner) runScheduled(ctx context.Context, w *Watcher) {
	if w.Scheduled == nil || w.Scheduled.CronExpr == "" {
		r.logger.Error("scheduled watcher missing cron_expr", "watcher_id", w.ID)
		return
	}

	for {
		next, err := gronx.NextTick(w.Scheduled.CronExpr, false)
		if err != nil {
			r.logger.Error("invalid cron expression", "watcher_id", w.ID, "cron", w.Scheduled.CronExpr, "error", err)
			return
		}

		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.persistAndEmit(ctx, WatcherEvent{
				WatcherID: w.ID,
				Kind:      "task_triggered",
				Payload:   map[string]any{"task": w.Scheduled.Task},
				Timestamp: time.Now(),
			})
			// Next occurrence is always recomputed from now, never
			// from the previous fire time — missed ticks are not
			// replayed.
		}
	}
}

func (r *Runner) runOneShot(ctx context.Context, w *Watcher) {
	if w.OneShot == nil {
		r.logger.Error("one-shot watcher missing payload", "watcher_id", w.ID)
		return
	}

	delay := time.Until(w.OneShot.At)
	if delay < 0 {
		delay = 0
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		r.persistAndEmit(ctx, WatcherEvent{
			WatcherID: w.ID,
			Kind:      "task_triggered",
			Payload:   map[string]any{"task": w.OneShot.Task},
			Timestamp: time.Now(),
		})
		if err := r.store.Deactivate(w.ID); err != nil {
			r.logger.Error("deactivate fired one-shot watcher failed", "watcher_id", w.ID, "error", err)
		}
	}
}

func (r *Runner) persistAndEmit(ctx context.Context, ev WatcherEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := r.store.SaveEvent(ev.WatcherID, ev.Kind, ev.Payload); err != nil {
		r.logger.Error("persist watcher event failed", "watcher_id", ev.WatcherID, "error", err)
	}
	if r.emitter != nil {
		r.emitter.Emit(ctx, ev)
	}
}
