// Package discord connects the gateway to Discord via the bot API.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/BangRocket/mypalclara/internal/bus"
	"github.com/BangRocket/mypalclara/internal/channels"
	"github.com/BangRocket/mypalclara/internal/config"
)

// Discord rejects messages over 2000 characters.
const maxSendLen = 2000

// Adapter receives Discord gateway events and forwards them to the bus.
type Adapter struct {
	*channels.BaseAdapter
	session   *discordgo.Session
	cfg       config.DiscordChannelConfig
	botUserID string
}

func New(cfg config.DiscordChannelConfig, router bus.MessageRouter) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token not set")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("discord", router),
		session:     session,
		cfg:         cfg,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (a *Adapter) Start(_ context.Context) error {
	a.session.AddHandler(a.onMessage)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	me, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = me.ID
	a.SetRunning(true)
	slog.Info("discord connected", "username", me.Username, "id", me.ID)
	return nil
}

func (a *Adapter) Stop(_ context.Context) error {
	a.SetRunning(false)
	return a.session.Close()
}

// Send delivers one pre-split chunk.
func (a *Adapter) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !a.IsRunning() {
		return fmt.Errorf("discord adapter not running")
	}
	if _, err := a.session.ChannelMessageSend(msg.ChannelID, msg.Content); err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	return nil
}

func (a *Adapter) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	if !isDM {
		if !channels.Allowed(a.cfg.AllowedGuilds, m.GuildID) {
			return
		}
		if !channels.Allowed(a.cfg.AllowedChannels, m.ChannelID) {
			return
		}
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == a.botUserID {
			mentioned = true
			break
		}
	}

	content := stripMention(m.Content, a.botUserID)

	var atts []bus.Attachment
	for _, att := range m.Attachments {
		atts = append(atts, bus.Attachment{
			Name:        att.Filename,
			ContentType: att.ContentType,
			Size:        int64(att.Size),
			URL:         att.URL,
		})
	}

	kind := bus.KindText
	channelName := a.channelName(m.ChannelID)
	if isDM {
		kind = bus.KindDM
		channelName = "dm"
	}

	if mentioned || isDM {
		// Best effort; the indicator expires on its own.
		_ = a.session.ChannelTyping(m.ChannelID)
	}

	a.Publish(bus.InboundMessage{
		AdapterName: "discord",
		ChannelID:   m.ChannelID,
		ChannelName: channelName,
		ChannelKind: kind,
		UserID:      m.Author.ID,
		DisplayName: displayName(m),
		Content:     content,
		Attachments: atts,
		Mentioned:   mentioned,
		FromSelf:    m.Author.ID == a.botUserID,
		MaxSendLen:  maxSendLen,
	})
}

func (a *Adapter) channelName(channelID string) string {
	if ch, err := a.session.State.Channel(channelID); err == nil && ch.Name != "" {
		return ch.Name
	}
	return channelID
}

// stripMention removes the bot's mention token so the model sees clean text.
func stripMention(content, botUserID string) string {
	if botUserID == "" {
		return strings.TrimSpace(content)
	}
	content = strings.ReplaceAll(content, "<@"+botUserID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botUserID+">", "")
	return strings.TrimSpace(content)
}

// displayName prefers server nickname, then global name, then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
