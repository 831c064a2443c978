// Package slack adapts Slack Socket Mode to the channels contract.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/jedikim/jedisos-sub000/internal/channels"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// Config holds the Slack adapter settings.
type Config struct {
	// BotToken is the xoxb- token used for API calls.
	BotToken string

	// AppToken is the xapp- token used for Socket Mode.
	AppToken string

	// Logger is optional and defaults to slog.Default.
	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return errors.New("slack: bot token is required")
	}
	if c.AppToken == "" {
		return errors.New("slack: app token is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter listens for Slack events over Socket Mode. Direct messages,
// app mentions and thread replies reach the agent; everything else is
// ignored, including the bot's own messages.
type Adapter struct {
	cfg          Config
	logger       *slog.Logger
	client       *slack.Client
	socketClient *socketmode.Client

	mu        sync.Mutex
	handler   channels.Handler
	botUserID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds an unstarted adapter.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		cfg:          cfg,
		logger:       cfg.Logger.With("adapter", "slack"),
		client:       client,
		socketClient: socketmode.New(client),
	}, nil
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return string(models.ChannelSlack) }

// Start authenticates, then runs the Socket Mode connection and event
// loop in the background.
func (a *Adapter) Start(ctx context.Context, handler channels.Handler) error {
	if handler == nil {
		return errors.New("slack: handler is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("slack: adapter already started")
	}

	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.handler = handler

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.handleEvents(runCtx)
	go func() {
		if err := a.socketClient.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("socket mode stopped", "error", err)
		}
	}()

	a.logger.Info("slack adapter started", "bot_user_id", auth.UserID)
	return nil
}

// handleEvents consumes Socket Mode events until the context ends.
func (a *Adapter) handleEvents(ctx context.Context) {
	defer close(a.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.socketClient.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeConnecting:
				a.logger.Debug("connecting to socket mode")
			case socketmode.EventTypeConnectionError:
				a.logger.Warn("socket mode connection error", "data", event.Data)
			case socketmode.EventTypeConnected:
				a.logger.Info("connected to socket mode")
			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(ctx, event)
			}
		}
	}
}

// handleEventsAPI acknowledges and routes one Events API callback.
func (a *Adapter) handleEventsAPI(ctx context.Context, event socketmode.Event) {
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if event.Request != nil {
		a.socketClient.Ack(*event.Request)
	}
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.handleMessage(ctx, &slackevents.MessageEvent{
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
		})
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		a.handleMessage(ctx, ev)
	}
}

// handleMessage runs one turn for a direct message, mention or thread
// reply and posts the reply back, threaded when the inbound was.
func (a *Adapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	a.mu.Lock()
	botUserID := a.botUserID
	handler := a.handler
	a.mu.Unlock()

	if ev.User == "" || ev.User == botUserID {
		return
	}
	if !shouldHandle(ev, botUserID) {
		return
	}

	env := envelopeFrom(ev)
	a.logger.Debug("received message",
		"slack_channel", ev.Channel,
		"envelope_id", env.ID,
		"text_length", len(env.Text))

	reply := handler(ctx, env)
	if reply == "" {
		return
	}

	options := []slack.MsgOption{slack.MsgOptionText(reply, false)}
	if ev.ThreadTimeStamp != "" {
		options = append(options, slack.MsgOptionTS(ev.ThreadTimeStamp))
	}
	if _, _, err := a.client.PostMessageContext(ctx, ev.Channel, options...); err != nil {
		a.logger.Error("post failed", "slack_channel", ev.Channel, "error", err)
	}
}

// Deliver implements channels.Adapter for notification fan-out. The
// user id is the Slack conversation id recorded on the last inbound
// message.
func (a *Adapter) Deliver(ctx context.Context, userID, text string) error {
	_, _, err := a.client.PostMessageContext(ctx, userID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack: deliver to %s: %w", userID, err)
	}
	return nil
}

// Stop closes the Socket Mode connection and waits for the event
// loop, honoring the context deadline.
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
		a.logger.Info("slack adapter stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("slack: stop: %w", ctx.Err())
	}
}

// shouldHandle keeps direct messages, mentions of the bot and thread
// replies; channel chatter that never addresses the bot is skipped.
func shouldHandle(ev *slackevents.MessageEvent, botUserID string) bool {
	if strings.HasPrefix(ev.Channel, "D") {
		return true
	}
	if botUserID != "" && strings.Contains(ev.Text, "<@"+botUserID+">") {
		return true
	}
	return ev.ThreadTimeStamp != ""
}

var mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)

// stripMentions removes <@USERID> markers so the agent sees plain text.
func stripMentions(text string) string {
	return strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
}

// envelopeFrom converts a Slack message event to an envelope. The
// conversation id doubles as the user id so fan-out can reach the
// conversation.
func envelopeFrom(ev *slackevents.MessageEvent) *models.Envelope {
	meta := map[string]string{
		"slack_user_id": ev.User,
		"slack_ts":      ev.TimeStamp,
	}
	if ev.ThreadTimeStamp != "" {
		meta["slack_thread_ts"] = ev.ThreadTimeStamp
	}
	return models.NewEnvelope(models.ChannelSlack, ev.Channel, "", stripMentions(ev.Text), meta)
}
