package policy

import (
	"fmt"
	"testing"
	"time"
)

func TestDenyListWins(t *testing.T) {
	e := NewEngine(Snapshot{
		Allow: []string{"shell_exec", "web_search"},
		Deny:  []string{"shell_exec"},
	})

	ok, reason := e.Check("shell_exec", "u1", "cli")
	if ok {
		t.Fatal("deny-listed tool allowed")
	}
	if reason != "blocked:shell_exec" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestAllowListSemantics(t *testing.T) {
	tests := []struct {
		name       string
		snap       Snapshot
		tool       string
		wantOK     bool
		wantReason string
	}{
		{
			name:       "empty allow list allows everything",
			snap:       Snapshot{},
			tool:       "anything",
			wantOK:     true,
			wantReason: "ok",
		},
		{
			name:       "tool on the allow list",
			snap:       Snapshot{Allow: []string{"echo"}},
			tool:       "echo",
			wantOK:     true,
			wantReason: "ok",
		},
		{
			name:       "tool missing from non-empty allow list",
			snap:       Snapshot{Allow: []string{"echo"}},
			tool:       "web_search",
			wantOK:     false,
			wantReason: "not_allowed:web_search",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(tt.snap)
			ok, reason := e.Check(tt.tool, "u1", "cli")
			if ok != tt.wantOK || reason != tt.wantReason {
				t.Fatalf("Check = (%v, %q), want (%v, %q)", ok, reason, tt.wantOK, tt.wantReason)
			}
		})
	}
}

func TestRateWindow(t *testing.T) {
	const rateCap = 3
	e := NewEngine(Snapshot{RatePerMinute: rateCap})

	now := time.Now()
	e.nowFunc = func() time.Time { return now }

	// The cap-th call in the window is allowed, the next is not.
	for i := 0; i < rateCap; i++ {
		ok, reason := e.Check("echo", "u1", "cli")
		if !ok {
			t.Fatalf("call %d rejected: %s", i+1, reason)
		}
	}
	ok, reason := e.Check("echo", "u1", "cli")
	if ok || reason != ReasonRateLimited {
		t.Fatalf("call %d = (%v, %q), want rate_limited", rateCap+1, ok, reason)
	}

	// Another user is unaffected.
	if ok, _ := e.Check("echo", "u2", "cli"); !ok {
		t.Fatal("rate limit leaked across users")
	}

	// Entries fall out of the window and the user is readmitted.
	now = now.Add(RateWindow + time.Second)
	if ok, reason := e.Check("echo", "u1", "cli"); !ok {
		t.Fatalf("after window expiry: %s", reason)
	}
}

func TestMutationsApplyImmediately(t *testing.T) {
	e := NewEngine(Snapshot{})

	if ok, _ := e.Check("shell_exec", "u1", "cli"); !ok {
		t.Fatal("baseline should allow")
	}
	e.AddDeny("shell_exec")
	if ok, _ := e.Check("shell_exec", "u1", "cli"); ok {
		t.Fatal("deny not effective")
	}
	e.RemoveDeny("shell_exec")
	if ok, _ := e.Check("shell_exec", "u1", "cli"); !ok {
		t.Fatal("deny removal not effective")
	}
}

func TestSnapshotSortedAndDetached(t *testing.T) {
	e := NewEngine(Snapshot{Deny: []string{"zeta", "alpha"}, RatePerMinute: 9})
	snap := e.Snapshot()
	if len(snap.Deny) != 2 || snap.Deny[0] != "alpha" || snap.Deny[1] != "zeta" {
		t.Fatalf("snapshot deny = %v", snap.Deny)
	}
	if snap.RatePerMinute != 9 {
		t.Fatalf("snapshot cap = %d", snap.RatePerMinute)
	}
	snap.Deny[0] = "mutated"
	if ok, _ := e.Check("alpha", "u", "cli"); ok {
		t.Fatal("engine state aliased by snapshot")
	}
}

func TestLoadSaveFile(t *testing.T) {
	path := t.TempDir() + "/policy.yaml"

	e := NewEngine(Snapshot{Deny: []string{"shell_exec"}, RatePerMinute: 30})
	if err := e.SaveFile(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	snap, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Deny) != 1 || snap.Deny[0] != "shell_exec" || snap.RatePerMinute != 30 {
		t.Fatalf("loaded %+v", snap)
	}

	missing, err := LoadFile(t.TempDir() + "/absent.yaml")
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if len(missing.Allow) != 0 || len(missing.Deny) != 0 || missing.RatePerMinute != 0 {
		t.Fatalf("missing file should be permissive, got %+v", missing)
	}
}

func BenchmarkCheck(b *testing.B) {
	e := NewEngine(Snapshot{Deny: []string{"x"}, RatePerMinute: 1000})
	for i := 0; i < b.N; i++ {
		e.Check("echo", fmt.Sprintf("u%d", i%8), "cli")
	}
}
