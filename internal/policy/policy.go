// Package policy decides whether a tool call may proceed.
//
// The decision point combines a deny-list, an allow-list, and a per-user
// sliding-window rate cap. The deny-list always wins; an empty allow-list
// means every tool not explicitly denied is allowed. Mutations take
// effect for the next check.
package policy

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// RateWindow is the width of the per-user sliding window.
const RateWindow = 60 * time.Second

// Decision reasons returned by Check.
const (
	ReasonOK          = "ok"
	ReasonRateLimited = "rate_limited"
	reasonBlocked     = "blocked:"
	reasonNotAllowed  = "not_allowed:"
)

// Snapshot is the serializable policy state.
type Snapshot struct {
	Allow         []string `yaml:"allow" json:"allow"`
	Deny          []string `yaml:"deny" json:"deny"`
	RatePerMinute int      `yaml:"rate_per_minute" json:"rate_per_minute"`
}

// Engine is the policy decision point. Safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	allow   map[string]struct{}
	deny    map[string]struct{}
	rateCap int
	windows map[string][]time.Time

	nowFunc func() time.Time
}

// NewEngine builds an engine from a snapshot. A zero snapshot allows
// everything with no rate cap.
func NewEngine(snap Snapshot) *Engine {
	e := &Engine{
		allow:   make(map[string]struct{}, len(snap.Allow)),
		deny:    make(map[string]struct{}, len(snap.Deny)),
		rateCap: snap.RatePerMinute,
		windows: make(map[string][]time.Time),
		nowFunc: time.Now,
	}
	for _, name := range snap.Allow {
		e.allow[name] = struct{}{}
	}
	for _, name := range snap.Deny {
		e.deny[name] = struct{}{}
	}
	return e
}

// Check applies the decision algorithm for one tool call. The channel is
// carried for audit parity; the decision depends on tool, user, and the
// clock.
func (e *Engine) Check(tool, userID, channel string) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, denied := e.deny[tool]; denied {
		return false, reasonBlocked + tool
	}
	if len(e.allow) > 0 {
		if _, ok := e.allow[tool]; !ok {
			return false, reasonNotAllowed + tool
		}
	}

	if e.rateCap > 0 {
		now := e.nowFunc()
		cutoff := now.Add(-RateWindow)
		window := e.windows[userID]
		kept := window[:0]
		for _, ts := range window {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) >= e.rateCap {
			e.windows[userID] = kept
			return false, ReasonRateLimited
		}
		e.windows[userID] = append(kept, now)
	}
	return true, ReasonOK
}

// AddDeny blocks a tool immediately.
func (e *Engine) AddDeny(tool string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deny[tool] = struct{}{}
}

// RemoveDeny lifts a block.
func (e *Engine) RemoveDeny(tool string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.deny, tool)
}

// AddAllow narrows the policy to an explicit allow-list.
func (e *Engine) AddAllow(tool string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allow[tool] = struct{}{}
}

// RemoveAllow removes a tool from the allow-list. Removing the last
// entry returns to allow-all semantics.
func (e *Engine) RemoveAllow(tool string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.allow, tool)
}

// SetRateCap replaces the per-user per-minute cap. Zero disables it.
func (e *Engine) SetRateCap(limit int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateCap = limit
}

// Snapshot returns a sorted copy of the current policy.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{RatePerMinute: e.rateCap}
	for name := range e.allow {
		snap.Allow = append(snap.Allow, name)
	}
	for name := range e.deny {
		snap.Deny = append(snap.Deny, name)
	}
	sort.Strings(snap.Allow)
	sort.Strings(snap.Deny)
	return snap
}

// LoadFile reads a policy snapshot from a YAML file. A missing file is
// not an error; it yields the permissive default.
func LoadFile(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("read policy file: %w", err)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse policy file: %w", err)
	}
	return snap, nil
}

// SaveFile persists the snapshot so operator edits survive restarts.
func (e *Engine) SaveFile(path string) error {
	raw, err := yaml.Marshal(e.Snapshot())
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write policy file: %w", err)
	}
	return nil
}
