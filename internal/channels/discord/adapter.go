// Package discord adapts the Discord gateway to the channels contract.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/jedikim/jedisos-sub000/internal/channels"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// session is the slice of discordgo.Session the adapter uses, kept
// narrow so tests can substitute a fake.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config holds the Discord adapter settings.
type Config struct {
	// Token is the bot token from the Discord developer portal.
	Token string

	// Logger is optional and defaults to slog.Default.
	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("discord: token is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter receives Discord messages and answers them through the
// fan-in handler. Direct messages always reach the agent; guild
// messages only when they mention the bot. The bot's own traffic and
// other bots are ignored.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	session session
	handler channels.Handler
	selfID  string
	runCtx  context.Context
	cancel  context.CancelFunc
}

// New builds an unstarted adapter.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		logger: cfg.Logger.With("adapter", "discord"),
	}, nil
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return string(models.ChannelDiscord) }

// Start opens the gateway connection and registers the message
// handler. Receiving continues in discordgo's own goroutines.
func (a *Adapter) Start(ctx context.Context, handler channels.Handler) error {
	if handler == nil {
		return errors.New("discord: handler is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handler != nil {
		return errors.New("discord: adapter already started")
	}

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.cfg.Token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentMessageContent
		a.session = dg
	}

	a.handler = handler
	a.runCtx, a.cancel = context.WithCancel(ctx)
	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleMessageCreate)

	if err := a.session.Open(); err != nil {
		a.handler = nil
		a.cancel()
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.logger.Info("discord adapter started")
	return nil
}

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.selfID = r.User.ID
	a.mu.Unlock()
	a.logger.Info("discord ready", "user_id", r.User.ID)
}

// handleMessageCreate runs one turn for an addressed message and sends
// the reply to the same channel.
func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	a.mu.Lock()
	handler := a.handler
	selfID := a.selfID
	ctx := a.runCtx
	sess := a.session
	a.mu.Unlock()

	if handler == nil || ctx == nil || ctx.Err() != nil {
		return
	}
	if !shouldHandle(m, selfID) {
		return
	}

	env := envelopeFrom(m.Message)
	a.logger.Debug("received message",
		"discord_channel", m.ChannelID,
		"envelope_id", env.ID,
		"text_length", len(env.Text))

	reply := handler(ctx, env)
	if reply == "" {
		return
	}
	if _, err := sess.ChannelMessageSend(m.ChannelID, reply); err != nil {
		a.logger.Error("send failed", "discord_channel", m.ChannelID, "error", err)
	}
}

// Deliver implements channels.Adapter for notification fan-out. The
// user id is the Discord channel id recorded on the last inbound
// message.
func (a *Adapter) Deliver(_ context.Context, userID, text string) error {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		return errors.New("discord: adapter not started")
	}
	if _, err := sess.ChannelMessageSend(userID, text); err != nil {
		return fmt.Errorf("discord: deliver to %s: %w", userID, err)
	}
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	sess := a.session
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	if err := sess.Close(); err != nil {
		return fmt.Errorf("discord: close gateway: %w", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

// shouldHandle skips bot traffic and unaddressed guild chatter.
// Direct messages have no guild id and always pass.
func shouldHandle(m *discordgo.MessageCreate, selfID string) bool {
	if m.Author == nil || m.Author.Bot {
		return false
	}
	if selfID != "" && m.Author.ID == selfID {
		return false
	}
	if m.Content == "" {
		return false
	}
	if m.GuildID == "" {
		return true
	}
	return selfID != "" && strings.Contains(m.Content, "<@"+selfID+">")
}

var mentionRe = regexp.MustCompile(`<@!?[0-9]+>`)

// envelopeFrom converts a Discord message to an envelope. The channel
// id doubles as the user id so fan-out can reach the channel.
func envelopeFrom(m *discordgo.Message) *models.Envelope {
	meta := map[string]string{
		"message_id": m.ID,
		"author_id":  m.Author.ID,
	}
	if m.GuildID != "" {
		meta["guild_id"] = m.GuildID
	}
	text := strings.TrimSpace(mentionRe.ReplaceAllString(m.Content, ""))
	return models.NewEnvelope(models.ChannelDiscord, m.ChannelID, m.Author.Username, text, meta)
}
