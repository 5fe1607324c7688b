package channel

import (
	"errors"
	"testing"
	"time"
)

type fakeChannel struct {
	typ  string
	sent []OutgoingMessage
	fail bool
}

func (f *fakeChannel) Start(sink func(IncomingMessage)) error {
	if f.fail {
		return errors.New("boom")
	}
	go sink(IncomingMessage{ID: "m1", Sender: "u1", Content: "hi", Channel: f.typ, Timestamp: time.Now()})
	return nil
}

func (f *fakeChannel) Send(msg OutgoingMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) ChannelType() string { return f.typ }

func TestBus_RegisterBeforeStartOnly(t *testing.T) {
	b := NewBus(nil, nil, 0, 0)
	ch := &fakeChannel{typ: "discord"}
	if err := b.Register(ch); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := b.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := b.Register(&fakeChannel{typ: "slack"}); err == nil {
		t.Error("expected error registering after StartAll")
	}
}

func TestBus_StartFailureIsFatal(t *testing.T) {
	b := NewBus(nil, nil, 0, 0)
	_ = b.Register(&fakeChannel{typ: "bad", fail: true})
	if err := b.StartAll(); err == nil {
		t.Error("expected StartAll to fail when a channel fails to start")
	}
}

func TestBus_IngressFlowsThroughSplit(t *testing.T) {
	b := NewBus(nil, nil, 0, 0)
	ch := &fakeChannel{typ: "discord"}
	_ = b.Register(ch)
	if err := b.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	in, _ := b.Split()
	select {
	case msg := <-in:
		if msg.Content != "hi" {
			t.Errorf("Content = %q, want hi", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("no ingress message received")
	}
}

func TestBus_EgressRoutesToCorrectChannel(t *testing.T) {
	b := NewBus(nil, nil, 0, 0)
	discord := &fakeChannel{typ: "discord"}
	slack := &fakeChannel{typ: "slack"}
	_ = b.Register(discord)
	_ = b.Register(slack)
	if err := b.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	_, send := b.Split()
	send(OutgoingMessage{Content: "reply", Channel: "slack"})

	deadline := time.Now().Add(time.Second)
	for len(slack.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(slack.sent) != 1 {
		t.Fatalf("slack.sent = %d, want 1", len(slack.sent))
	}
	if len(discord.sent) != 0 {
		t.Errorf("discord.sent = %d, want 0 (message was routed to slack)", len(discord.sent))
	}
}

func TestBus_InternalChannelSilentlyDrops(t *testing.T) {
	b := NewBus(nil, nil, 0, 0)
	if err := b.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	_, send := b.Split()
	send(OutgoingMessage{Content: "synthetic", Channel: Internal})
	// No registered handler for Internal; this must not panic or block.
	time.Sleep(20 * time.Millisecond)
}

func TestRateLimiter_DropsOverLimitSender(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxEvents: 2, Window: time.Minute})
	if !rl.CheckAndRecord("u1") {
		t.Error("1st event should pass")
	}
	if !rl.CheckAndRecord("u1") {
		t.Error("2nd event should pass")
	}
	if rl.CheckAndRecord("u1") {
		t.Error("3rd event should be refused")
	}
	if !rl.CheckAndRecord("u2") {
		t.Error("different sender should not be affected by u1's bucket")
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxEvents: 1, Window: 20 * time.Millisecond})
	if !rl.CheckAndRecord("u1") {
		t.Fatal("1st event should pass")
	}
	if rl.CheckAndRecord("u1") {
		t.Fatal("2nd event within window should be refused")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.CheckAndRecord("u1") {
		t.Error("event after window reset should pass")
	}
}
