package llm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// fakeProvider answers for every model routed to it and records the
// models it was asked for.
type fakeProvider struct {
	name   string
	text   string
	err    error
	chunks []Chunk
	calls  []string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(_ context.Context, req Request) (*Response, error) {
	f.calls = append(f.calls, req.Model)
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Text: f.text, Model: req.Model}, nil
}

func (f *fakeProvider) Stream(_ context.Context, req Request) (<-chan Chunk, error) {
	f.calls = append(f.calls, req.Model)
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan Chunk, len(f.chunks)+1)
	for _, c := range f.chunks {
		out <- c
	}
	out <- Chunk{Done: true}
	close(out)
	return out, nil
}

func TestProviderForModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "openai"},
		{"gpt-4o-mini", "openai"},
		{"o1-preview", "openai"},
		{"o3-mini", "openai"},
		{"claude-sonnet-4-0", "anthropic"},
		{"gemini-2.0-flash", "gemini"},
		{"llama-70b", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ProviderForModel(tt.model); got != tt.want {
			t.Errorf("ProviderForModel(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestRouterRoleResolution(t *testing.T) {
	openai := &fakeProvider{name: "openai", text: "from openai"}
	gemini := &fakeProvider{name: "gemini", text: "from gemini"}

	router := NewRouter(map[string]Provider{"openai": openai, "gemini": gemini}, RouterConfig{
		Fallback: []string{"gpt-4o"},
		Roles: map[Role][]string{
			RoleClassify: {"gemini-2.0-flash"},
		},
	})

	resp, err := router.Complete(context.Background(), Request{Role: RoleClassify})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "from gemini" {
		t.Errorf("classify routed to %q, want gemini", resp.Text)
	}

	// A role without a chain uses the process fallback.
	resp, err = router.Complete(context.Background(), Request{Role: RoleChat})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "from openai" {
		t.Errorf("chat routed to %q, want openai fallback", resp.Text)
	}
}

func TestRouterExplicitModelWins(t *testing.T) {
	openai := &fakeProvider{name: "openai", text: "openai"}
	anthropic := &fakeProvider{name: "anthropic", text: "anthropic"}

	router := NewRouter(map[string]Provider{"openai": openai, "anthropic": anthropic}, RouterConfig{
		Fallback: []string{"gpt-4o"},
		Roles:    map[Role][]string{RoleReason: {"gpt-4o"}},
	})

	resp, err := router.Complete(context.Background(), Request{
		Role:  RoleReason,
		Model: "claude-sonnet-4-0",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Model != "claude-sonnet-4-0" {
		t.Errorf("got model %q, want explicit claude-sonnet-4-0", resp.Model)
	}
	if len(openai.calls) != 0 {
		t.Errorf("openai called %v despite explicit model", openai.calls)
	}
}

func TestRouterFallbackAdvancesOnFailure(t *testing.T) {
	openai := &fakeProvider{name: "openai", err: errors.New("rate limited")}
	anthropic := &fakeProvider{name: "anthropic", text: "rescued"}

	router := NewRouter(map[string]Provider{"openai": openai, "anthropic": anthropic}, RouterConfig{
		Fallback: []string{"gpt-4o", "claude-sonnet-4-0"},
	})

	resp, err := router.Complete(context.Background(), Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "rescued" {
		t.Errorf("got %q, want answer from second model", resp.Text)
	}
	if len(openai.calls) != 1 || len(anthropic.calls) != 1 {
		t.Errorf("call counts openai=%d anthropic=%d, want 1 and 1",
			len(openai.calls), len(anthropic.calls))
	}
}

func TestRouterAllModelsFailed(t *testing.T) {
	openai := &fakeProvider{name: "openai", err: errors.New("down")}
	anthropic := &fakeProvider{name: "anthropic", err: errors.New("also down")}

	router := NewRouter(map[string]Provider{"openai": openai, "anthropic": anthropic}, RouterConfig{
		Fallback: []string{"gpt-4o", "claude-sonnet-4-0"},
	})

	_, err := router.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrAllModelsFailed) {
		t.Fatalf("err = %v, want ErrAllModelsFailed", err)
	}
}

func TestRouterCredentialFilter(t *testing.T) {
	// Only gemini is available; openai and anthropic models must drop
	// out of every chain at construction.
	gemini := &fakeProvider{name: "gemini", text: "gemini"}

	router := NewRouter(map[string]Provider{"gemini": gemini}, RouterConfig{
		Fallback: []string{"gpt-4o", "claude-sonnet-4-0", "gemini-2.0-flash"},
	})

	resp, err := router.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "gemini" {
		t.Errorf("got %q, want gemini", resp.Text)
	}
	if got := len(gemini.calls); got != 1 {
		t.Errorf("gemini called %d times, want 1", got)
	}
}

func TestRouterNoModels(t *testing.T) {
	router := NewRouter(map[string]Provider{}, RouterConfig{
		Fallback: []string{"gpt-4o"},
	})
	if _, err := router.Complete(context.Background(), Request{}); !errors.Is(err, ErrNoModels) {
		t.Fatalf("err = %v, want ErrNoModels", err)
	}
}

func TestRouterStreamPassthrough(t *testing.T) {
	openai := &fakeProvider{name: "openai", err: errors.New("stream refused")}
	gemini := &fakeProvider{name: "gemini", chunks: []Chunk{
		{Text: "Hell"},
		{Text: "o"},
		{ToolDelta: &ToolCallDelta{Index: 0, ID: "c1", Name: "echo", Arguments: `{"m":"x"}`}},
	}}

	router := NewRouter(map[string]Provider{"openai": openai, "gemini": gemini}, RouterConfig{
		Fallback: []string{"gpt-4o", "gemini-2.0-flash"},
	})

	chunks, err := router.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var texts []string
	var deltas int
	var done bool
	for c := range chunks {
		switch {
		case c.Text != "":
			texts = append(texts, c.Text)
		case c.ToolDelta != nil:
			deltas++
		case c.Done:
			done = true
		}
	}
	if len(texts) != 2 || texts[0] != "Hell" || texts[1] != "o" {
		t.Errorf("texts = %v, want [Hell o] in order", texts)
	}
	if deltas != 1 {
		t.Errorf("tool deltas = %d, want 1", deltas)
	}
	if !done {
		t.Error("stream never signalled Done")
	}
}

func TestRouterSetRoleAndCache(t *testing.T) {
	dir := t.TempDir()
	cache := filepath.Join(dir, "roles.yaml")

	openai := &fakeProvider{name: "openai", text: "openai"}
	gemini := &fakeProvider{name: "gemini", text: "gemini"}
	available := map[string]Provider{"openai": openai, "gemini": gemini}

	router := NewRouter(available, RouterConfig{
		Fallback:  []string{"gpt-4o"},
		Roles:     map[Role][]string{RoleChat: {"gpt-4o"}},
		CachePath: cache,
	})

	if err := router.SetRole(RoleChat, []string{"gemini-2.0-flash"}); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	resp, err := router.Complete(context.Background(), Request{Role: RoleChat})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "gemini" {
		t.Errorf("after SetRole chat routed to %q, want gemini", resp.Text)
	}

	if _, err := os.Stat(cache); err != nil {
		t.Fatalf("role cache not written: %v", err)
	}

	// A new router over the same cache picks the override back up.
	reloaded := NewRouter(available, RouterConfig{
		Fallback:  []string{"gpt-4o"},
		Roles:     map[Role][]string{RoleChat: {"gpt-4o"}},
		CachePath: cache,
	})
	chains := reloaded.RoleChains()
	if got := chains[RoleChat]; len(got) != 1 || got[0] != "gemini-2.0-flash" {
		t.Errorf("reloaded chat chain = %v, want [gemini-2.0-flash]", got)
	}
}

func TestRouterSetRoleRejectsUnknown(t *testing.T) {
	router := NewRouter(map[string]Provider{"openai": &fakeProvider{name: "openai"}}, RouterConfig{
		Fallback: []string{"gpt-4o"},
	})
	if err := router.SetRole(Role("poet"), []string{"gpt-4o"}); err == nil {
		t.Fatal("SetRole accepted unknown role")
	}
	if err := router.SetRole(RoleChat, []string{"claude-sonnet-4-0"}); err == nil {
		t.Fatal("SetRole accepted chain with no available provider")
	}
}
