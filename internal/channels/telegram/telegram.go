// Package telegram connects the gateway to Telegram via long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/BangRocket/mypalclara/internal/bus"
	"github.com/BangRocket/mypalclara/internal/channels"
	"github.com/BangRocket/mypalclara/internal/config"
)

// Telegram rejects messages over 4096 characters.
const maxSendLen = 4096

// Adapter long-polls the Telegram bot API and forwards updates to the bus.
type Adapter struct {
	*channels.BaseAdapter
	bot        *telego.Bot
	cfg        config.TelegramChannelConfig
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg config.TelegramChannelConfig, router bus.MessageRouter) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter("telegram", router),
		bot:         bot,
		cfg:         cfg,
	}, nil
}

// Start begins long polling for updates.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	a.SetRunning(true)
	slog.Info("telegram connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					a.onMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update loop to exit so Telegram
// releases the getUpdates lock.
func (a *Adapter) Stop(_ context.Context) error {
	a.SetRunning(false)
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling loop did not exit within timeout")
		}
	}
	return nil
}

// Send delivers one pre-split chunk.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !a.IsRunning() {
		return fmt.Errorf("telegram adapter not running")
	}
	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", msg.ChannelID, err)
	}
	if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Content)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (a *Adapter) onMessage(m *telego.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	if !channels.Allowed(a.cfg.AllowedChats, chatID) {
		return
	}

	isDM := m.Chat.Type == telego.ChatTypePrivate
	kind := bus.KindGroup
	channelName := m.Chat.Title
	if isDM {
		kind = bus.KindDM
		channelName = "dm"
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}

	mentioned, text := a.detectMention(text)

	a.Publish(bus.InboundMessage{
		AdapterName: "telegram",
		ChannelID:   chatID,
		ChannelName: channelName,
		ChannelKind: kind,
		UserID:      strconv.FormatInt(m.From.ID, 10),
		DisplayName: telegramDisplayName(m.From),
		Content:     text,
		Mentioned:   mentioned,
		MaxSendLen:  maxSendLen,
	})
}

// detectMention strips a leading @botname and reports whether it was there.
func (a *Adapter) detectMention(text string) (bool, string) {
	username := a.bot.Username()
	if username == "" {
		return false, text
	}
	handle := "@" + username
	if !strings.Contains(text, handle) {
		return false, text
	}
	return true, strings.TrimSpace(strings.ReplaceAll(text, handle, ""))
}

func telegramDisplayName(u *telego.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return u.Username
}
