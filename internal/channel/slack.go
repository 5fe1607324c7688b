package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/corvidwatch/sentinel/internal/httpkit"
)

// SlackChannel talks to Slack's Web API directly over httpkit's shared
// transport. No Slack SDK is wired anywhere in this codebase's
// dependency surface, and chat.postMessage / chat.update / Events API
// verification are a handful of plain JSON POSTs — not enough surface
// to justify a dependency with nothing else in this codebase to
// exercise it.
type SlackChannel struct {
	logger *slog.Logger
	client *http.Client
	token  string
	sink   func(IncomingMessage)

	// ack is the pending-acknowledgment map: reply_to_id -> (channel,
	// message ts) for the Slack message the next Response should
	// chat.update instead of posting new. Consumed once per reply_to.
	ackMu sync.Mutex
	ack   map[string]slackAck
}

type slackAck struct {
	channelID string
	ts        string
}

// NewSlackChannel builds a channel bound to a bot token. Slack's
// Events API callbacks arrive over an inbound webhook the composition
// root wires into its own HTTP server, routed to HandleEvent.
func NewSlackChannel(logger *slog.Logger, token string) *SlackChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackChannel{
		logger: logger.With("component", "slack_channel"),
		client: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		token:  token,
		ack:    make(map[string]slackAck),
	}
}

func (s *SlackChannel) ChannelType() string { return "slack" }

// Start is a no-op: Slack delivers events via an inbound webhook, not
// an outbound connection this channel can open. HandleEvent is wired
// into the daemon's HTTP server by the composition root and calls sink
// directly.
func (s *SlackChannel) Start(sink func(IncomingMessage)) error {
	s.sink = sink
	return nil
}

// HandleEvent processes one Slack Events API callback body.
func (s *SlackChannel) HandleEvent(body []byte) error {
	var evt struct {
		Event struct {
			Type    string `json:"type"`
			User    string `json:"user"`
			Text    string `json:"text"`
			Channel string `json:"channel"`
			Ts      string `json:"ts"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &evt); err != nil {
		return fmt.Errorf("slack event unmarshal: %w", err)
	}
	if evt.Event.Type != "message" || s.sink == nil {
		return nil
	}
	s.sink(IncomingMessage{
		ID:        evt.Event.Channel + ":" + evt.Event.Ts,
		Sender:    evt.Event.User,
		Content:   evt.Event.Text,
		Channel:   s.ChannelType(),
		Timestamp: time.Now(),
	})
	return nil
}

// Send posts a new message, or chat.update's the tracked message for
// msg.ReplyTo if one is pending (the first subsequent Response for a
// given reply_to edits in place; see the open question on further
// responses to the same reply_to — current behavior posts those as
// new messages).
func (s *SlackChannel) Send(msg OutgoingMessage) error {
	if msg.Kind == KindAcknowledgment && msg.ReplyTo == "" {
		return nil
	}

	if msg.ReplyTo != "" {
		s.ackMu.Lock()
		pending, ok := s.ack[msg.ReplyTo]
		if ok {
			delete(s.ack, msg.ReplyTo)
		}
		s.ackMu.Unlock()

		if ok {
			return s.call("chat.update", map[string]any{
				"channel": pending.channelID,
				"ts":      pending.ts,
				"text":    msg.Content,
			})
		}
	}

	return s.call("chat.postMessage", map[string]any{
		"channel": msg.Channel,
		"text":    msg.Content,
	})
}

// RecordAck registers the Slack message (channelID, ts) that
// acknowledged reply_to, so the next Response for it is edited in
// place via chat.update.
func (s *SlackChannel) RecordAck(replyTo, channelID, ts string) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	s.ack[replyTo] = slackAck{channelID: channelID, ts: ts}
}

func (s *SlackChannel) call(method string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, "https://slack.com/api/"+method, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("slack %s: decode response: %w", method, err)
	}
	if !result.OK {
		return fmt.Errorf("slack %s failed: %s", method, result.Error)
	}
	return nil
}
