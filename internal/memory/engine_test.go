package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPEngineRetain(t *testing.T) {
	var got retainRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/retain" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(RetainResult{
			Status: "ok", BankID: got.BankID, ContentLength: len(got.Content), FactsDetected: 2,
		})
	}))
	defer srv.Close()

	engine := NewHTTPEngine(srv.URL, srv.Client())
	result, err := engine.Retain(context.Background(), "note to self", "user", DefaultBank)
	if err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if got.Content != "note to self" || got.Context != "user" || got.BankID != DefaultBank {
		t.Errorf("request body = %+v", got)
	}
	if result.Status != "ok" || result.FactsDetected != 2 {
		t.Errorf("result = %+v", result)
	}
}

func TestHTTPEngineRecall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recall" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"context": "first\n---\nsecond",
			"memories": [
				{"content": "first", "score": 0.91, "source": "2026/08/01.md"},
				{"content": "second", "score": 0.55, "source": "2026/07/14.md"}
			],
			"query": "q", "bank_id": "jedisos-default"
		}`))
	}))
	defer srv.Close()

	engine := NewHTTPEngine(srv.URL, srv.Client())
	result, err := engine.Recall(context.Background(), "q", DefaultBank)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(result.Memories) != 2 || result.Memories[0].Score != 0.91 {
		t.Errorf("memories = %+v", result.Memories)
	}
	if result.Context != "first\n---\nsecond" {
		t.Errorf("context = %q", result.Context)
	}
}

func TestHTTPEngineErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "index rebuilding", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	engine := NewHTTPEngine(srv.URL, srv.Client())
	if _, err := engine.Retain(context.Background(), "x", "user", DefaultBank); err == nil {
		t.Fatal("Retain succeeded against 503")
	}
}

func TestHTTPEngineHealthy(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	engine := NewHTTPEngine(srv.URL, srv.Client())
	if !engine.Healthy(context.Background()) {
		t.Error("Healthy = false for 200")
	}
	healthy = false
	if engine.Healthy(context.Background()) {
		t.Error("Healthy = true for 503")
	}
}
