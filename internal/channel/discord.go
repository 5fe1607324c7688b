package channel

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// DiscordChannel bridges Discord DMs/channels into the bus using
// discordgo's session, which handles the gateway reconnect dance
// internally (heartbeats, resume, re-identify).
type DiscordChannel struct {
	logger *slog.Logger
	token  string

	session    *discordgo.Session
	channelIDs map[string]bool // Discord channel IDs this bridge relays
}

// NewDiscordChannel builds a channel bound to the given bot token,
// relaying only messages from the given Discord channel IDs.
func NewDiscordChannel(logger *slog.Logger, token string, channelIDs []string) *DiscordChannel {
	if logger == nil {
		logger = slog.Default()
	}
	ids := make(map[string]bool, len(channelIDs))
	for _, id := range channelIDs {
		ids[id] = true
	}
	return &DiscordChannel{
		logger:     logger.With("component", "discord_channel"),
		token:      token,
		channelIDs: ids,
	}
}

func (d *DiscordChannel) ChannelType() string { return "discord" }

// Start opens the gateway session and begins forwarding message-create
// events for the configured channels into sink.
func (d *DiscordChannel) Start(sink func(IncomingMessage)) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author != nil && m.Author.Bot {
			return
		}
		if len(d.channelIDs) > 0 && !d.channelIDs[m.ChannelID] {
			return
		}
		sink(IncomingMessage{
			ID:        m.ID,
			Sender:    m.Author.ID,
			Content:   m.Content,
			Channel:   d.ChannelType(),
			Timestamp: m.Timestamp,
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	d.session = session
	return nil
}

// Send posts a message to its reply's originating Discord channel.
// OutgoingMessage.ReplyTo must carry the Discord channel ID the
// message should land in (the composition root maps conversation
// routing to channel IDs before constructing the message).
func (d *DiscordChannel) Send(msg OutgoingMessage) error {
	if msg.Kind == KindAcknowledgment && msg.ReplyTo == "" {
		return nil
	}
	channelID := msg.ReplyTo
	if channelID == "" {
		return fmt.Errorf("discord channel: no destination channel ID for outgoing message")
	}

	if _, err := d.session.ChannelMessageSend(channelID, msg.Content); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close releases the gateway session.
func (d *DiscordChannel) Close() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}
