// Package audit keeps an append-only in-memory record of tool dispatch
// decisions and registry changes.
//
// Records live in a bounded ring; when it is full the oldest entry is
// dropped. Entries are immutable after append and queryable by recency,
// user, and denial.
package audit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxEntries bounds the ring when no size is configured.
const DefaultMaxEntries = 1000

// Record kinds.
const (
	KindToolDispatch   = "tool_dispatch"
	KindRegistryChange = "registry_change"
	KindVaultAccess    = "vault_access"
)

// Record is one audit entry. Never mutated after append.
type Record struct {
	Seq       uint64            `json:"seq"`
	Kind      string            `json:"kind"`
	Tool      string            `json:"tool,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Allowed   bool              `json:"allowed"`
	Reason    string            `json:"reason,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Log is the bounded ring. Safe for concurrent use; append is O(1).
type Log struct {
	mu      sync.Mutex
	entries []Record
	next    int
	full    bool

	seq    atomic.Uint64
	logger *slog.Logger
}

// New builds a ring of at most maxEntries records. Non-positive sizes
// fall back to the default.
func New(maxEntries int, logger *slog.Logger) *Log {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		entries: make([]Record, maxEntries),
		logger:  logger.With("component", "audit"),
	}
}

// Append stamps and stores the record, dropping the oldest when full.
func (l *Log) Append(rec Record) {
	rec.Seq = l.seq.Add(1)
	rec.Timestamp = time.Now()

	l.mu.Lock()
	l.entries[l.next] = rec
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()

	if rec.Allowed {
		l.logger.Debug("audit", "kind", rec.Kind, "tool", rec.Tool, "user", rec.UserID, "reason", rec.Reason)
	} else {
		l.logger.Info("audit denial", "kind", rec.Kind, "tool", rec.Tool, "user", rec.UserID, "reason", rec.Reason)
	}
}

// snapshot returns all live records oldest-first.
func (l *Log) snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]Record, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]Record, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// Recent returns up to n records, newest first.
func (l *Log) Recent(n int) []Record {
	all := l.snapshot()
	return lastReversed(all, n)
}

// ByUser returns up to n records for one user, newest first.
func (l *Log) ByUser(userID string, n int) []Record {
	all := l.snapshot()
	matched := all[:0:0]
	for _, rec := range all {
		if rec.UserID == userID {
			matched = append(matched, rec)
		}
	}
	return lastReversed(matched, n)
}

// Denied returns up to n denial records, newest first.
func (l *Log) Denied(n int) []Record {
	all := l.snapshot()
	matched := all[:0:0]
	for _, rec := range all {
		if !rec.Allowed {
			matched = append(matched, rec)
		}
	}
	return lastReversed(matched, n)
}

// Len reports how many records are currently held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// lastReversed takes the trailing n records of an oldest-first slice and
// returns them newest-first.
func lastReversed(records []Record, n int) []Record {
	if n <= 0 || n > len(records) {
		n = len(records)
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = records[len(records)-1-i]
	}
	return out
}
