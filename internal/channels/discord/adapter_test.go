package discord

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/jedikim/jedisos-sub000/internal/channels"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

type fakeSession struct {
	mu       sync.Mutex
	opened   int
	closed   int
	handlers int
	sent     []string
}

func (f *fakeSession) Open() error  { f.opened++; return nil }
func (f *fakeSession) Close() error { f.closed++; return nil }

func (f *fakeSession) AddHandler(_ interface{}) func() {
	f.handlers++
	return func() {}
}

func (f *fakeSession) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, channelID+":"+content)
	return &discordgo.Message{ID: "1"}, nil
}

func message(guildID, authorID, content string, bot bool) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "chan1",
		GuildID:   guildID,
		Content:   content,
		Author:    &discordgo.User{ID: authorID, Username: "kim", Bot: bot},
	}}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing token")
	}
	cfg = Config{Token: "tok"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestShouldHandle(t *testing.T) {
	tests := []struct {
		name string
		m    *discordgo.MessageCreate
		want bool
	}{
		{"direct_message", message("", "u1", "hi", false), true},
		{"bot_author", message("", "u1", "hi", true), false},
		{"self_message", message("", "self", "hi", false), false},
		{"guild_without_mention", message("g1", "u1", "hi", false), false},
		{"guild_with_mention", message("g1", "u1", "<@self> hi", false), true},
		{"empty_content", message("", "u1", "", false), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldHandle(tt.m, "self"); got != tt.want {
				t.Errorf("shouldHandle = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnvelopeFrom(t *testing.T) {
	m := message("g1", "u1", "<@!990011> 일정 알려줘", false)
	env := envelopeFrom(m.Message)

	if env.Channel != models.ChannelDiscord {
		t.Fatalf("channel = %q", env.Channel)
	}
	if env.UserID != "chan1" {
		t.Fatalf("user id = %q, want channel id", env.UserID)
	}
	if env.UserName != "kim" {
		t.Fatalf("user name = %q", env.UserName)
	}
	if env.Text != "일정 알려줘" {
		t.Fatalf("text = %q, mention not stripped", env.Text)
	}
	if env.Metadata["guild_id"] != "g1" || env.Metadata["author_id"] != "u1" {
		t.Fatalf("metadata = %v", env.Metadata)
	}
}

func TestStartAndTurn(t *testing.T) {
	sess := &fakeSession{}
	a, err := New(Config{Token: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	a.session = sess

	var handled *models.Envelope
	handler := channels.Handler(func(_ context.Context, env *models.Envelope) string {
		handled = env
		return "네, 알겠습니다"
	})
	if err := a.Start(context.Background(), handler); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.opened != 1 || sess.handlers != 2 {
		t.Fatalf("opened=%d handlers=%d", sess.opened, sess.handlers)
	}

	a.handleReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "self"}})
	a.handleMessageCreate(nil, message("", "u1", "안녕", false))

	if handled == nil || handled.Text != "안녕" {
		t.Fatalf("handler not invoked: %+v", handled)
	}
	if len(sess.sent) != 1 || sess.sent[0] != "chan1:네, 알겠습니다" {
		t.Fatalf("sent = %v", sess.sent)
	}

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sess.closed != 1 {
		t.Fatalf("closed = %d", sess.closed)
	}

	// After stop the run context is cancelled and turns are dropped.
	a.handleMessageCreate(nil, message("", "u1", "again", false))
	if len(sess.sent) != 1 {
		t.Fatalf("message handled after stop: %v", sess.sent)
	}
}

func TestDeliver(t *testing.T) {
	sess := &fakeSession{}
	a, err := New(Config{Token: "tok"})
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Deliver(context.Background(), "chan9", "skill ready"); err == nil {
		t.Fatal("expected error before start")
	}

	a.session = sess
	if err := a.Deliver(context.Background(), "chan9", "skill ready"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(sess.sent) != 1 || sess.sent[0] != "chan9:skill ready" {
		t.Fatalf("sent = %v", sess.sent)
	}
}
