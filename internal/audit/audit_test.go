package audit

import (
	"fmt"
	"sync"
	"testing"
)

func TestRingEviction(t *testing.T) {
	l := New(3, nil)
	for i := 1; i <= 5; i++ {
		l.Append(Record{Kind: KindToolDispatch, Tool: fmt.Sprintf("t%d", i), Allowed: true})
	}

	if l.Len() != 3 {
		t.Fatalf("ring length %d, want 3", l.Len())
	}
	recent := l.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("recent returned %d records", len(recent))
	}
	// Newest first: t5, t4, t3. t1 and t2 were evicted.
	want := []string{"t5", "t4", "t3"}
	for i, rec := range recent {
		if rec.Tool != want[i] {
			t.Errorf("recent[%d] = %s, want %s", i, rec.Tool, want[i])
		}
	}
}

func TestRecentLimit(t *testing.T) {
	l := New(10, nil)
	for i := 0; i < 6; i++ {
		l.Append(Record{Kind: KindToolDispatch, Tool: fmt.Sprintf("t%d", i), Allowed: true})
	}
	got := l.Recent(2)
	if len(got) != 2 || got[0].Tool != "t5" || got[1].Tool != "t4" {
		t.Fatalf("Recent(2) = %v", got)
	}
}

func TestQueries(t *testing.T) {
	l := New(10, nil)
	l.Append(Record{Kind: KindToolDispatch, Tool: "echo", UserID: "alice", Allowed: true, Reason: "ok"})
	l.Append(Record{Kind: KindToolDispatch, Tool: "shell_exec", UserID: "bob", Allowed: false, Reason: "blocked:shell_exec"})
	l.Append(Record{Kind: KindToolDispatch, Tool: "echo", UserID: "alice", Allowed: false, Reason: "rate_limited"})

	byAlice := l.ByUser("alice", 0)
	if len(byAlice) != 2 {
		t.Fatalf("ByUser(alice) = %d records", len(byAlice))
	}
	if byAlice[0].Reason != "rate_limited" {
		t.Fatalf("ByUser order wrong: %v", byAlice)
	}

	denied := l.Denied(0)
	if len(denied) != 2 {
		t.Fatalf("Denied = %d records", len(denied))
	}
	for _, rec := range denied {
		if rec.Allowed {
			t.Fatalf("allowed record in denied query: %+v", rec)
		}
	}
}

func TestSequenceMonotonic(t *testing.T) {
	l := New(100, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				l.Append(Record{Kind: KindToolDispatch, Allowed: true})
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, rec := range l.Recent(0) {
		if rec.Seq == 0 || seen[rec.Seq] {
			t.Fatalf("sequence reused or unset: %d", rec.Seq)
		}
		seen[rec.Seq] = true
	}
	if len(seen) != 80 {
		t.Fatalf("recorded %d unique sequences, want 80", len(seen))
	}
}
