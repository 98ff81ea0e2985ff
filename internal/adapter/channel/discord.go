package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"omni-gateway/internal/domain"
)

// Discord rejects messages over 2000 characters.
const discordMaxLength = 2000

// DiscordOption configures the Discord channel.
type DiscordOption func(*DiscordChannel)

// WithDiscordGuild limits the bot to a specific guild.
func WithDiscordGuild(guildID string) DiscordOption {
	return func(d *DiscordChannel) { d.guildID = guildID }
}

// DiscordChannel implements domain.Channel for Discord via discordgo.
// Recipient IDs are Discord channel IDs.
type DiscordChannel struct {
	token     string
	instance  string
	session   *discordgo.Session
	handler   domain.MessageHandler
	logger    *slog.Logger
	guildID   string
	botUserID string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewDiscordChannel creates a Discord bot channel.
func NewDiscordChannel(token, instance string, logger *slog.Logger, opts ...DiscordOption) *DiscordChannel {
	d := &DiscordChannel{
		token:    token,
		instance: instance,
		logger:   logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name implements domain.ChannelSender.
func (d *DiscordChannel) Name() string { return "discord" }

// MaxMessageLength implements domain.ChannelSender.
func (d *DiscordChannel) MaxMessageLength() int { return discordMaxLength }

// Start opens the gateway connection. Non-blocking.
func (d *DiscordChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	d.handler = handler
	d.ctx, d.cancel = context.WithCancel(ctx)

	dg, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return err
	}
	d.session = dg
	d.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	d.session.AddHandler(d.onMessageCreate)

	if err := d.session.Open(); err != nil {
		return err
	}

	d.botUserID = d.session.State.User.ID
	d.logger.Info("discord channel started", "user_id", d.botUserID, "instance", d.instance)
	return nil
}

// Stop closes the gateway connection.
func (d *DiscordChannel) Stop(_ context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

// SendText implements domain.ChannelSender.
func (d *DiscordChannel) SendText(_ context.Context, recipientID, text string) error {
	if _, err := d.session.ChannelMessageSend(recipientID, text); err != nil {
		return domain.NewDomainError("discord.send_text", domain.ErrDelivery, err.Error())
	}
	return nil
}

// SendPresence implements domain.ChannelSender. Discord's typing indicator
// self-expires after roughly ten seconds and has no explicit clear call, so
// paused and available are no-ops and the ttl is ignored.
func (d *DiscordChannel) SendPresence(_ context.Context, recipientID string, kind domain.PresenceKind, _ time.Duration) error {
	if kind != domain.PresenceComposing {
		return nil
	}
	if err := d.session.ChannelTyping(recipientID); err != nil {
		return domain.NewDomainError("discord.send_presence", domain.ErrDelivery, err.Error())
	}
	return nil
}

func (d *DiscordChannel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore own messages.
	if m.Author.ID == d.botUserID {
		return
	}

	// Guild filter.
	if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
		return
	}

	content := strings.TrimSpace(m.Content)
	msgType := domain.MessageTypeText
	if content == "" && len(m.Attachments) > 0 {
		msgType = domain.MessageTypeDocument
	}

	raw, _ := json.Marshal(m.Message)

	inbound := domain.InboundMessage{
		SenderID:    m.ChannelID,
		Text:        content,
		MessageType: msgType,
		ChannelName: "discord",
		Instance:    d.instance,
		SenderName:  m.Author.Username,
		Raw:         raw,
	}

	if err := d.handler(d.ctx, inbound); err != nil {
		d.logger.Error("discord handler error", "error", err, "channel", m.ChannelID)
	}
}

// Compile-time interface check.
var _ domain.Channel = (*DiscordChannel)(nil)
