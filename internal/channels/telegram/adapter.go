// Package telegram adapts the Telegram Bot API to the channels
// contract using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/jedikim/jedisos-sub000/internal/channels"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

const (
	startReply = "안녕하세요! jedisOS입니다. 무엇이든 물어보세요."
	helpReply  = "jedisOS 명령어:\n/start - 봇 시작\n/help - 도움말\n\n그 외의 메시지는 에이전트가 처리합니다."
)

// Config holds the Telegram adapter settings.
type Config struct {
	// Token is the bot token issued by BotFather.
	Token string

	// Logger is optional and defaults to slog.Default.
	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("telegram: token is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter receives Telegram messages over long polling and answers
// them through the fan-in handler. Replies are converted to Telegram
// HTML before sending.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	bot     *bot.Bot
	handler channels.Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds an unstarted adapter.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		logger: cfg.Logger.With("adapter", "telegram"),
	}, nil
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return string(models.ChannelTelegram) }

// Start connects the bot and begins long polling in the background.
func (a *Adapter) Start(ctx context.Context, handler channels.Handler) error {
	if handler == nil {
		return errors.New("telegram: handler is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return errors.New("telegram: adapter already started")
	}

	b, err := bot.New(a.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	b.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleMessage)

	runCtx, cancel := context.WithCancel(ctx)
	a.bot = b
	a.handler = handler
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		b.Start(runCtx)
		a.logger.Info("telegram polling stopped")
	}()

	a.logger.Info("telegram adapter started")
	return nil
}

// handleMessage routes one update: bot commands get canned replies,
// everything else becomes an envelope for the fan-in handler.
func (a *Adapter) handleMessage(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := update.Message

	if reply, ok := commandReply(msg.Text); ok {
		a.send(ctx, msg.Chat.ID, reply)
		return
	}

	env := envelopeFrom(msg)
	a.logger.Debug("received message",
		"chat_id", msg.Chat.ID,
		"envelope_id", env.ID,
		"text_length", len(msg.Text))

	reply := a.handler(ctx, env)
	if reply == "" {
		return
	}
	a.send(ctx, msg.Chat.ID, reply)
}

// send converts text to Telegram HTML and delivers it to the chat.
func (a *Adapter) send(ctx context.Context, chatID int64, text string) {
	_, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      FormatHTML(text),
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		a.logger.Error("send failed", "chat_id", chatID, "error", err)
	}
}

// Deliver implements channels.Adapter for notification fan-out. The
// user id is the chat id recorded when the user last messaged.
func (a *Adapter) Deliver(ctx context.Context, userID, text string) error {
	a.mu.Lock()
	b := a.bot
	a.mu.Unlock()
	if b == nil {
		return errors.New("telegram: adapter not started")
	}

	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", userID, err)
	}
	_, err = b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      FormatHTML(text),
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram: deliver to %d: %w", chatID, err)
	}
	return nil
}

// Stop ends polling and waits for the run goroutine, honoring the
// context deadline.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		a.logger.Info("telegram adapter stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram: stop: %w", ctx.Err())
	}
}

// commandReply short-circuits bot commands that never reach the agent.
func commandReply(text string) (string, bool) {
	switch strings.TrimSpace(text) {
	case "/start":
		return startReply, true
	case "/help":
		return helpReply, true
	}
	return "", false
}

// envelopeFrom converts a Telegram message to an envelope. The chat id
// doubles as the user id so notification fan-out can reach the chat.
func envelopeFrom(msg *tgmodels.Message) *models.Envelope {
	userName := ""
	meta := map[string]string{
		"message_id": strconv.Itoa(msg.ID),
	}
	if msg.From != nil {
		userName = msg.From.Username
		if userName == "" {
			userName = msg.From.FirstName
		}
		meta["from_id"] = strconv.FormatInt(msg.From.ID, 10)
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	return models.NewEnvelope(models.ChannelTelegram, chatID, userName, msg.Text, meta)
}
