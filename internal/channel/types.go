// Package channel multiplexes conversational channels (Discord, Slack,
// Email, iMessage, ...) into one IncomingMessage stream and routes one
// OutgoingMessage stream back out to the channel each reply targets.
package channel

import "time"

// Internal is the pseudo-channel used for in-process synthetic
// messages (watcher-fired prompts, goal evaluations). Sends to it are
// silently dropped — there is no egress handler.
const Internal = "internal"

// OutgoingKind distinguishes a conversational reply from a lightweight
// acknowledgment.
type OutgoingKind string

const (
	KindResponse      OutgoingKind = "response"
	KindAcknowledgment OutgoingKind = "acknowledgment"
)

// IncomingMessage is one inbound event from a Channel. Immutable once
// enqueued. ID is unique within Channel; the bus never dedupes across
// channels.
type IncomingMessage struct {
	ID        string
	Sender    string
	Content   string
	Channel   string
	Timestamp time.Time
}

// OutgoingMessage is one reply the loop wants delivered. ReplyTo, when
// set, must reference an IncomingMessage.ID; an Acknowledgment with no
// ReplyTo is dropped silently by the channel (there's nothing to
// acknowledge).
type OutgoingMessage struct {
	Content string
	Channel string
	ReplyTo string
	Kind    OutgoingKind
}

// Channel is a concrete conversational medium: it ingests into a sink
// and egresses replies handed to it by the bus.
type Channel interface {
	// Start begins ingesting messages, forwarding each to sink. Must
	// not block past its own setup; ingestion runs in the channel's
	// own goroutine(s).
	Start(sink func(IncomingMessage)) error
	// Send delivers an outgoing message. Errors are the channel's own
	// concern to log; the bus never propagates them to the loop.
	Send(msg OutgoingMessage) error
	// ChannelType returns this channel's routing key (matches
	// OutgoingMessage.Channel / IncomingMessage.Channel).
	ChannelType() string
}
