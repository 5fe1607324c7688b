package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corvidwatch/sentinel/internal/channel"
	"github.com/corvidwatch/sentinel/internal/events"
	"github.com/corvidwatch/sentinel/internal/goal"
	"github.com/corvidwatch/sentinel/internal/watcher"
)

// AutonomousConfig tunes the outer scheduling cycle (§4.6). DrainBatchSize
// bounds how many incoming messages and how many watcher events are
// serviced per wake before the loop checks the goal tick and, failing
// that, sleeps.
type AutonomousConfig struct {
	TickInterval        time.Duration
	DrainBatchSize       int
	SendAcknowledgments  bool
}

// DefaultAutonomousConfig matches config.AutonomyConfig's own defaults
// (drain_batch_size 16) plus a one-minute goal tick.
func DefaultAutonomousConfig() AutonomousConfig {
	return AutonomousConfig{
		TickInterval:        time.Minute,
		DrainBatchSize:       16,
		SendAcknowledgments:  true,
	}
}

// watcherEventBuffer is the bounded mailbox an AutonomousLoop exposes as
// a watcher.Emitter. Emit must not block the runner's scheduling
// goroutines indefinitely, so a full buffer drops the oldest event
// rather than stalling the sender.
type watcherEventBuffer struct {
	logger *slog.Logger
	mu     sync.Mutex
	events []watcher.WatcherEvent
	cap    int
	wake   func()
}

func newWatcherEventBuffer(logger *slog.Logger, capacity int, wake func()) *watcherEventBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &watcherEventBuffer{logger: logger, cap: capacity, wake: wake}
}

// Emit implements watcher.Emitter.
func (b *watcherEventBuffer) Emit(_ context.Context, event watcher.WatcherEvent) {
	b.mu.Lock()
	if len(b.events) >= b.cap {
		dropped := b.events[0]
		b.events = b.events[1:]
		b.logger.Warn("watcher event buffer full, dropping oldest", "dropped_watcher_id", dropped.WatcherID)
	}
	b.events = append(b.events, event)
	b.mu.Unlock()
	if b.wake != nil {
		b.wake()
	}
}

// drain pops up to n buffered events, oldest first.
func (b *watcherEventBuffer) drain(n int) []watcher.WatcherEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.events) {
		n = len(b.events)
	}
	if n == 0 {
		return nil
	}
	out := make([]watcher.WatcherEvent, n)
	copy(out, b.events[:n])
	b.events = b.events[n:]
	return out
}

// AutonomousLoop is the single-threaded coordinator described in §4.6:
// one turn at a time, fair drain of incoming messages and watcher
// events, periodic goal evaluation, cooperative cancellation. It wraps
// an existing *Loop as the per-turn executor rather than reimplementing
// conversation handling.
type AutonomousLoop struct {
	logger *slog.Logger
	loop   *Loop
	cfg    AutonomousConfig

	ingress <-chan channel.IncomingMessage
	egress  func(channel.OutgoingMessage)

	watcherEvents *watcherEventBuffer
	watcherStore  *watcher.Store

	goalEvaluator *goal.Evaluator

	eventBus *events.Bus

	wake chan struct{}

	mu       sync.Mutex
	lastTick time.Time
}

// NewAutonomousLoop wires an AutonomousLoop around an already-configured
// *Loop. ingress/egress come from channel.Bus.Split(); the returned
// watcher.Emitter should be registered with the watcher.Runner that
// feeds this loop.
func NewAutonomousLoop(
	logger *slog.Logger,
	loop *Loop,
	cfg AutonomousConfig,
	ingress <-chan channel.IncomingMessage,
	egress func(channel.OutgoingMessage),
	watcherStore *watcher.Store,
	goalEvaluator *goal.Evaluator,
) *AutonomousLoop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.DrainBatchSize <= 0 {
		cfg.DrainBatchSize = 16
	}
	a := &AutonomousLoop{
		logger:        logger.With("component", "autonomous_loop"),
		loop:          loop,
		cfg:           cfg,
		ingress:       ingress,
		egress:        egress,
		watcherStore:  watcherStore,
		goalEvaluator: goalEvaluator,
		wake:          make(chan struct{}, 1),
	}
	a.watcherEvents = newWatcherEventBuffer(a.logger, cfg.DrainBatchSize*4, a.Wake)
	return a
}

// SetEventBus wires an operational event bus for observability. Every
// turn this loop runs publishes a request_start/request_complete pair
// tagged events.SourceAgent. Safe to leave unset; a nil *events.Bus is
// a no-op publisher.
func (a *AutonomousLoop) SetEventBus(bus *events.Bus) {
	a.eventBus = bus
}

// Emitter returns the watcher.Emitter the watcher.Runner should feed.
func (a *AutonomousLoop) Emitter() watcher.Emitter {
	return a.watcherEvents
}

// Wake requests an immediate drain cycle instead of waiting for the
// next tick or the next watcher/channel arrival.
func (a *AutonomousLoop) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled. Cancellation is
// cooperative and observed only at suspension points between turns — a
// turn already in flight (an agent.Loop.Run call, itself bounded by the
// tool-use loop's own wall-clock cap) is allowed to finish rather than
// being aborted mid-flight. No buffered ingress or watcher events are
// flushed on cancel; they're simply left unconsumed.
func (a *AutonomousLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	a.mu.Lock()
	a.lastTick = time.Now()
	a.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		didWork := a.drainIncoming(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		didWork = a.drainWatcherEvents(ctx) || didWork
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if a.tickDue() {
			a.runGoalTick(ctx)
			didWork = true
		}

		if didWork {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-a.wake:
		}
	}
}

func (a *AutonomousLoop) tickDue() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if time.Since(a.lastTick) < a.cfg.TickInterval {
		return false
	}
	a.lastTick = time.Now()
	return true
}

// drainIncoming services up to DrainBatchSize queued channel messages,
// in arrival order. Per spec §4.6 there is no cross-channel ordering
// guarantee, but messages from a single channel+sender pair are always
// processed in the order they arrived, because the bus is FIFO and this
// loop is single-threaded.
func (a *AutonomousLoop) drainIncoming(ctx context.Context) bool {
	did := false
	for i := 0; i < a.cfg.DrainBatchSize; i++ {
		if ctx.Err() != nil {
			return did
		}
		select {
		case msg, ok := <-a.ingress:
			if !ok {
				return did
			}
			a.processIncoming(msg)
			did = true
		default:
			return did
		}
	}
	return did
}

func (a *AutonomousLoop) drainWatcherEvents(ctx context.Context) bool {
	events := a.watcherEvents.drain(a.cfg.DrainBatchSize)
	for _, ev := range events {
		if ctx.Err() != nil {
			return len(events) > 0
		}
		a.processWatcherEvent(ev)
	}
	return len(events) > 0
}

// processIncoming runs one conversational turn for an inbound channel
// message. Cancellation of the outer loop context does not abort a
// turn already under way — the turn runs against context.Background(),
// bounded only by the tool-use loop's own wall-clock cap.
func (a *AutonomousLoop) processIncoming(msg channel.IncomingMessage) {
	logger := a.logger.With("channel", msg.Channel, "sender", msg.Sender, "message_id", msg.ID)

	if a.cfg.SendAcknowledgments && msg.Channel != channel.Internal {
		a.egress(channel.OutgoingMessage{
			Content: "...",
			Channel: msg.Channel,
			ReplyTo: msg.ID,
			Kind:    channel.KindAcknowledgment,
		})
	}

	req := &Request{
		Messages:       []Message{{Role: "user", Content: msg.Content}},
		ConversationID: msg.Channel + ":" + msg.Sender,
		Hints: map[string]string{
			"source":  "user",
			"channel": msg.Channel,
		},
	}

	a.eventBus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceAgent, Kind: events.KindRequestStart,
		Data: map[string]any{"conversation_id": req.ConversationID, "channel": msg.Channel}})

	resp, err := a.loop.Run(context.Background(), req, nil)
	if err != nil {
		logger.Error("turn failed", "error", err)
		return
	}

	a.eventBus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceAgent, Kind: events.KindRequestComplete,
		Data: map[string]any{"conversation_id": req.ConversationID, "model": resp.Model}})

	a.egress(channel.OutgoingMessage{
		Content: resp.Content,
		Channel: msg.Channel,
		ReplyTo: msg.ID,
		Kind:    channel.KindResponse,
	})
}

// processWatcherEvent turns one observed watcher event into a synthetic
// turn, then delivers the reply to the watcher's configured
// reply_channel. Unlike an IncomingMessage turn, there is no ReplyTo —
// the watcher's reaction isn't a reply to anything the user sent.
func (a *AutonomousLoop) processWatcherEvent(ev watcher.WatcherEvent) {
	logger := a.logger.With("watcher_id", ev.WatcherID, "kind", ev.Kind)

	w, err := a.watcherStore.GetByID(ev.WatcherID)
	if err != nil {
		logger.Error("lookup watcher for event failed", "error", err)
		return
	}
	if w == nil {
		logger.Warn("watcher event for unknown or deleted watcher, dropping")
		return
	}

	prompt := fmt.Sprintf("Watcher %q fired (%s).\nAction: %s\nObserved: %v",
		w.ID, ev.Kind, w.Action, ev.Payload)

	req := &Request{
		Messages:       []Message{{Role: "user", Content: prompt}},
		ConversationID: "watcher:" + w.ID,
		Hints: map[string]string{
			"source": "watcher",
			"task":   w.Action,
		},
	}

	a.eventBus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceAgent, Kind: events.KindRequestStart,
		Data: map[string]any{"conversation_id": req.ConversationID, "channel": "watcher:" + w.ID}})

	resp, err := a.loop.Run(context.Background(), req, nil)
	if err != nil {
		logger.Error("turn failed", "error", err)
		return
	}

	a.eventBus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceAgent, Kind: events.KindRequestComplete,
		Data: map[string]any{"conversation_id": req.ConversationID, "model": resp.Model}})

	if w.ReplyChannel == "" || w.ReplyChannel == channel.Internal {
		return
	}
	a.egress(channel.OutgoingMessage{
		Content: resp.Content,
		Channel: w.ReplyChannel,
		Kind:    channel.KindResponse,
	})
}

// runGoalTick delegates to the goal evaluator, wiring its ActionSink to
// feed an accepted "act" decision back into this loop as an internal,
// synthetic incoming message — so it's processed through the exact same
// turn machinery as a user message, just on the Internal pseudo-channel.
func (a *AutonomousLoop) runGoalTick(ctx context.Context) {
	n, err := a.goalEvaluator.EvaluateDue(ctx, time.Now())
	if err != nil {
		a.logger.Error("goal evaluation failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("evaluated due goals", "count", n)
	}
}

// NewGoalActionSink builds the goal.ActionSink a goal.Evaluator should
// be constructed with, so an accepted "act" decision runs as its own
// turn against loop immediately. It takes *Loop directly (rather than
// an *AutonomousLoop) because goal.NewEvaluator has to be called before
// the AutonomousLoop that wraps it exists.
func NewGoalActionSink(logger *slog.Logger, loop *Loop) goal.ActionSink {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "autonomous_loop")

	return func(ctx context.Context, goalID, actionPrompt string) {
		req := &Request{
			Messages:       []Message{{Role: "user", Content: actionPrompt}},
			ConversationID: "goal:" + goalID,
			Hints: map[string]string{
				"source": "autonomous",
				"task":   goalID,
			},
		}

		resp, err := loop.Run(ctx, req, nil)
		if err != nil {
			logger.Error("goal action turn failed", "goal_id", goalID, "error", err)
			return
		}
		logger.Info("goal action completed", "goal_id", goalID, "response_len", len(resp.Content))
	}
}
