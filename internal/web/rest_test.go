package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jedikim/jedisos-sub000/internal/agent"
	"github.com/jedikim/jedisos-sub000/internal/audit"
	"github.com/jedikim/jedisos-sub000/internal/policy"
	"github.com/jedikim/jedisos-sub000/internal/vault"
	"github.com/jedikim/jedisos-sub000/pkg/models"
)

type fakeAgent struct {
	mu        sync.Mutex
	response  string
	texts     []string
	runErr    error
	streamErr error
	envs      []*models.Envelope
}

func (f *fakeAgent) Run(_ context.Context, env *models.Envelope) (string, error) {
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	return f.response, nil
}

func (f *fakeAgent) Stream(_ context.Context, env *models.Envelope) (<-chan agent.Event, error) {
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.mu.Unlock()
	if f.streamErr != nil {
		return nil, f.streamErr
	}

	out := make(chan agent.Event)
	go func() {
		defer close(out)
		for _, text := range f.texts {
			out <- agent.Event{Text: text}
		}
		bank := env.Metadata["bank_id"]
		if bank == "" {
			bank = "jedisos-default"
		}
		out <- agent.Event{Done: true, Response: f.response, BankID: bank}
	}()
	return out, nil
}

type fakeVault struct {
	mu        sync.Mutex
	state     vault.State
	password  string
	statusErr error
}

func (f *fakeVault) Status(context.Context) (*vault.StatusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &vault.StatusInfo{State: f.state}, nil
}

func (f *fakeVault) Setup(_ context.Context, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.password = password
	f.state = vault.StateUnlocked
	return nil
}

func (f *fakeVault) Unlock(_ context.Context, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if password != f.password {
		return vault.ErrWrongPassword
	}
	f.state = vault.StateUnlocked
	return nil
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Agent == nil {
		cfg.Agent = &fakeAgent{response: "ok"}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.NewRegistry()
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Config{})

	var body map[string]string
	if code := getJSON(t, ts.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatus(t *testing.T) {
	log := audit.New(16, nil)
	log.Append(audit.Record{Kind: audit.KindToolDispatch, Tool: "web_search", Allowed: true})
	ts := newTestServer(t, Config{
		Vault: &fakeVault{state: vault.StateLocked},
		Audit: log,
	})

	var body map[string]any
	if code := getJSON(t, ts.URL+"/status", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["vault"] != "locked" {
		t.Fatalf("vault = %v", body["vault"])
	}
	if body["audit_entries"].(float64) != 1 {
		t.Fatalf("audit_entries = %v", body["audit_entries"])
	}
}

func TestStatusWithoutVault(t *testing.T) {
	ts := newTestServer(t, Config{})

	var body map[string]any
	getJSON(t, ts.URL+"/status", &body)
	if body["vault"] != "unavailable" {
		t.Fatalf("vault = %v", body["vault"])
	}
}

func TestAudit(t *testing.T) {
	log := audit.New(16, nil)
	for _, tool := range []string{"first", "second", "third"} {
		log.Append(audit.Record{Kind: audit.KindToolDispatch, Tool: tool, UserID: "u1", Allowed: true})
	}
	log.Append(audit.Record{Kind: audit.KindToolDispatch, Tool: "blocked", UserID: "u2", Allowed: false, Reason: "blocked:exec"})
	ts := newTestServer(t, Config{Audit: log})

	var body struct {
		Entries []audit.Record `json:"entries"`
		Count   int            `json:"count"`
	}
	getJSON(t, ts.URL+"/audit?limit=2", &body)
	if body.Count != 2 || len(body.Entries) != 2 {
		t.Fatalf("count = %d entries = %d", body.Count, len(body.Entries))
	}
	if body.Entries[0].Tool != "blocked" || body.Entries[1].Tool != "third" {
		t.Fatalf("order wrong: %s, %s", body.Entries[0].Tool, body.Entries[1].Tool)
	}

	getJSON(t, ts.URL+"/audit?user_id=u2", &body)
	if body.Count != 1 || body.Entries[0].Tool != "blocked" {
		t.Fatalf("by-user query: %+v", body)
	}

	getJSON(t, ts.URL+"/audit/denied", &body)
	if body.Count != 1 || body.Entries[0].Allowed {
		t.Fatalf("denied query: %+v", body)
	}
}

func TestPolicy(t *testing.T) {
	engine := policy.NewEngine(policy.Snapshot{Deny: []string{"exec"}, RatePerMinute: 30})
	ts := newTestServer(t, Config{Policy: engine})

	var snap policy.Snapshot
	if code := getJSON(t, ts.URL+"/policy", &snap); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(snap.Deny) != 1 || snap.Deny[0] != "exec" || snap.RatePerMinute != 30 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestChat(t *testing.T) {
	ag := &fakeAgent{response: "내일은 맑습니다"}
	ts := newTestServer(t, Config{Agent: ag})

	body, _ := json.Marshal(map[string]string{"message": "내일 날씨", "bank_id": "jedisos-work"})
	resp, err := http.Post(ts.URL+"/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Response != "내일은 맑습니다" || out.EnvelopeID == "" {
		t.Fatalf("response = %+v", out)
	}
	if out.BankID != "jedisos-work" {
		t.Fatalf("bank id = %q", out.BankID)
	}

	ag.mu.Lock()
	defer ag.mu.Unlock()
	if len(ag.envs) != 1 {
		t.Fatalf("agent saw %d envelopes", len(ag.envs))
	}
	env := ag.envs[0]
	if env.Channel != models.ChannelAPI || env.UserID != "api" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestChatValidation(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Post(ts.URL+"/chat", "application/json", bytes.NewReader([]byte(`{"message":""}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message status = %d", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/chat")
	if err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", getResp.StatusCode)
	}
}

func TestChatTurnFailure(t *testing.T) {
	ts := newTestServer(t, Config{Agent: &fakeAgent{runErr: errors.New("all providers failed")}})

	resp, err := http.Post(ts.URL+"/chat", "application/json", bytes.NewReader([]byte(`{"message":"hi"}`)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == "" {
		t.Fatal("error field missing")
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", defaultAuditLimit},
		{"abc", defaultAuditLimit},
		{"-3", defaultAuditLimit},
		{"25", 25},
		{"9999", maxAuditLimit},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.in); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
