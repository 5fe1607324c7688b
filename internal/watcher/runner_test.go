package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []WatcherEvent
}

func (e *recordingEmitter) Emit(ctx context.Context, ev WatcherEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func newTestRunner(t *testing.T, pollers Pollers) (*Runner, *Store, *recordingEmitter) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "watchers.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	emitter := &recordingEmitter{}
	r := NewRunner(nil, store, emitter, pollers, 0, 8)
	return r, store, emitter
}

func TestRunner_StartStopIdempotent(t *testing.T) {
	r, _, _ := newTestRunner(t, nil)
	w := &Watcher{ID: "w1", Kind: KindMessage, Active: true, Message: &MessageWatch{Pattern: "hi"}}

	if err := r.Start(w); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !r.IsRunning("w1") {
		t.Error("IsRunning = false after Start")
	}
	if err := r.Start(w); err != ErrAlreadyRunning {
		t.Errorf("second Start err = %v, want ErrAlreadyRunning", err)
	}

	if !r.Stop("w1") {
		t.Error("Stop returned false for a running watcher")
	}
	if r.Stop("w1") {
		t.Error("second Stop returned true, want idempotent false")
	}
	if r.IsRunning("w1") {
		t.Error("IsRunning = true after Stop")
	}
}

func TestRunner_AtCapacityRejectsStart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "watchers.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	r := NewRunner(nil, store, &recordingEmitter{}, nil, 0, 1)
	w1 := &Watcher{ID: "w1", Kind: KindMessage, Active: true, Message: &MessageWatch{Pattern: "a"}}
	w2 := &Watcher{ID: "w2", Kind: KindMessage, Active: true, Message: &MessageWatch{Pattern: "b"}}

	if err := r.Start(w1); err != nil {
		t.Fatalf("Start w1: %v", err)
	}
	defer r.Stop("w1")

	if err := r.Start(w2); err != ErrAtCapacity {
		t.Errorf("Start w2 err = %v, want ErrAtCapacity", err)
	}
}

func TestRunner_OneShotFiresOnceAndDeactivates(t *testing.T) {
	r, store, emitter := newTestRunner(t, nil)
	w := &Watcher{
		ID:     "os1",
		Kind:   KindOneShot,
		Active: true,
		OneShot: &OneShot{
			At:   time.Now().Add(10 * time.Millisecond),
			Task: "say_hi",
		},
	}
	if err := store.Save(w); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := r.Start(w); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for emitter.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if emitter.count() != 1 {
		t.Fatalf("emitter received %d events, want 1", emitter.count())
	}

	for r.IsRunning("os1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.IsRunning("os1") {
		t.Error("one-shot watcher still running after firing, want self-removal from the handle map")
	}

	got, err := store.GetByID("os1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Active {
		t.Error("one-shot watcher still active=1 in storage after firing")
	}
}

func TestRunner_PollingCallsRegisteredPoller(t *testing.T) {
	calls := make(chan struct{}, 4)
	pollers := Pollers{
		KindEmail: func(ctx context.Context, w *Watcher) ([]WatcherEvent, error) {
			calls <- struct{}{}
			return []WatcherEvent{{WatcherID: w.ID, Kind: "email_received", Payload: map[string]any{"subject": "hi"}}}, nil
		},
	}
	r, _, emitter := newTestRunner(t, pollers)
	r.minPollInterval = 20 * time.Millisecond

	w := &Watcher{ID: "e1", Kind: KindEmail, Active: true, Email: &EmailWatch{IntervalSecs: 0}}
	if err := r.Start(w); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop("e1")

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("poller was never invoked")
	}

	deadline := time.Now().Add(2 * time.Second)
	for emitter.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if emitter.count() == 0 {
		t.Error("no events emitted from polling watcher")
	}
}

func TestRunner_PollErrorDoesNotStopSchedule(t *testing.T) {
	var calls int
	var mu sync.Mutex
	pollers := Pollers{
		KindEmail: func(ctx context.Context, w *Watcher) ([]WatcherEvent, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				panic("boom")
			}
			return nil, nil
		},
	}
	r, _, _ := newTestRunner(t, pollers)
	r.minPollInterval = 15 * time.Millisecond

	w := &Watcher{ID: "e2", Kind: KindEmail, Active: true, Email: &EmailWatch{}}
	if err := r.Start(w); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop("e2")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d poll calls after a panicking tick, want schedule to continue", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcher_WithinActiveHoursWraparound(t *testing.T) {
	w := &Watcher{ActiveHours: &ActiveHours{Start: "22:00", End: "06:00"}}
	late := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	early := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	midday := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if !w.WithinActiveHours(late) {
		t.Error("expected within window at 23:00 for a 22:00-06:00 window")
	}
	if !w.WithinActiveHours(early) {
		t.Error("expected within window at 03:00 for a 22:00-06:00 window")
	}
	if w.WithinActiveHours(midday) {
		t.Error("expected outside window at 12:00 for a 22:00-06:00 window")
	}
}
